package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/handler"
	"campuspay/internal/infrastructure/cache"
	"campuspay/internal/infrastructure/database"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/infrastructure/logger"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/infrastructure/mq"
	"campuspay/internal/job"
	"campuspay/internal/repository"
	"campuspay/internal/service"
	"campuspay/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化日志，之后统一走 zap
	zl, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	metrics.Init()

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.IDGen.Node); err != nil {
		zap.L().Fatal("初始化 ID 生成器失败", zap.Error(err))
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		zap.L().Fatal("连接 MySQL 失败", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zap.L().Fatal("数据库迁移失败", zap.Error(err))
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		zap.L().Fatal("连接 Redis 失败", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	// 初始化 Kafka
	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		zap.L().Fatal("连接 Kafka 失败", zap.Error(err))
	}
	defer func() { _ = producer.Close() }()

	// 账户锁按配置选择实现；任务互斥锁固定使用 redsync
	var accountLocker lock.Locker
	switch cfg.Lock.Backend {
	case "redsync":
		accountLocker = lock.NewRedsyncLocker(redisClient, cfg.Lock.RetryInterval)
	default:
		accountLocker = lock.NewRedisLocker(redisClient, cfg.Lock.RetryInterval)
	}
	jobMutex := lock.NewRedsyncLocker(redisClient, cfg.Lock.RetryInterval)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	notifier := service.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.LedgerEvent)
	scheduler := job.NewScheduler()
	offlineJob := job.NewOfflineSyncJob(service.NewOfflineService(db, accountLocker, notifier, cfg), jobMutex, cfg)
	if _, err := job.Schedule(scheduler, cfg.Offline.SyncSpec, cfg.Offline.MutexLease, offlineJob); err != nil {
		zap.L().Fatal("注册离线补录任务失败", zap.Error(err))
	}
	recoveryJob := job.NewSagaRecoveryJob(db, service.NewLedgerSagaCoordinator(db, accountLocker, notifier, cfg), cfg)
	if _, err := job.Schedule(scheduler, cfg.Saga.RecoverySpec, cfg.Saga.StaleAfter, recoveryJob); err != nil {
		zap.L().Fatal("注册编排恢复任务失败", zap.Error(err))
	}
	scheduler.Start()

	// 设置路由
	router := handler.SetupRouter(db, redisClient, accountLocker, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 在 goroutine 中启动服务器
	go func() {
		zap.L().Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zap.L().Info("正在关闭服务...")

	// 取消上下文，停止后台任务；等待正在执行的定时任务结束
	cancel()
	<-scheduler.Stop().Done()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("服务关闭异常", zap.Error(err))
	}

	zap.L().Info("服务已关闭")
}
