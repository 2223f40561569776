package handler

import (
	"net/http"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb redis.Cmdable, locker lock.Locker, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(db, rdb, locker, cfg)

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.POST("/open", h.OpenAccount)
			account.GET("/balance", h.GetBalance)
			account.POST("/recharge", h.Recharge)
			account.POST("/status", h.ChangeStatus)
			account.GET("/transactions", h.ListTransactions)
		}

		subsidy := api.Group("/subsidy")
		{
			subsidy.POST("/grant", h.GrantSubsidy)
			subsidy.GET("/list", h.ListSubsidies)
		}

		consume := api.Group("/consume")
		{
			consume.POST("/execute", h.Consume)
			consume.POST("/cancel", h.Cancel)
		}

		offline := api.Group("/offline")
		{
			offline.POST("/upload", h.UploadOffline)
			offline.POST("/sync/:id", h.SyncOffline)
		}

		api.POST("/transfer/execute", h.Transfer)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
