package handler

import (
	"strconv"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/model"
	"campuspay/internal/repository"
	"campuspay/internal/service"
	"campuspay/pkg/money"
	"campuspay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
// 接口上的金额一律为元（字符串，最多两位小数），进入服务层前转换为分
type Handler struct {
	accountService *service.AccountService
	subsidyService *service.SubsidyService
	consumeService *service.ConsumeService
	offlineService *service.OfflineService
	sagas          *service.SagaCoordinator
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb redis.Cmdable, locker lock.Locker, cfg *config.Config) *Handler {
	notifier := service.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.LedgerEvent)
	return &Handler{
		accountService: service.NewAccountService(db, locker, notifier, cfg),
		subsidyService: service.NewSubsidyService(db),
		consumeService: service.NewConsumeService(db, locker, rdb, notifier, cfg),
		offlineService: service.NewOfflineService(db, locker, notifier, cfg),
		sagas:          service.NewLedgerSagaCoordinator(db, locker, notifier, cfg),
	}
}

func accountView(a *model.Account) gin.H {
	return gin.H{
		"account_id":     a.ID,
		"user_id":        a.UserID,
		"balance":        money.FenToYuan(a.Balance),
		"balance_fen":    a.Balance,
		"frozen_balance": money.FenToYuan(a.FrozenBalance),
		"status":         a.Status,
	}
}

func parseUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

func parseAmount(c *gin.Context, yuan string) (int64, bool) {
	fen, err := money.YuanToFen(yuan)
	if err != nil || fen <= 0 {
		response.ParamError(c, "amount 参数错误，应为大于0的金额，最多两位小数")
		return 0, false
	}
	return fen, true
}

// ============================================================
// 账户相关接口
// ============================================================

type OpenAccountRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// OpenAccount 开户
// POST /api/v1/account/open
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, created, err := h.accountService.OpenAccount(c.Request.Context(), req.UserID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	view := accountView(account)
	view["created"] = created
	response.Success(c, view)
}

// GetBalance 查询用户余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	account, err := h.accountService.GetAccount(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, accountView(account))
}

// RechargeRequest 充值请求
type RechargeRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	Remark string `json:"remark"`
}

// Recharge 充值接口（实际应该走支付渠道回调）
// POST /api/v1/account/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	record, err := h.accountService.Recharge(c.Request.Context(), req.UserID, amount, req.Remark)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_no": record.TransactionNo,
		"balance_after":  money.FenToYuan(record.BalanceAfter),
	})
}

type AccountStatusRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Action string `json:"action" binding:"required,oneof=freeze unfreeze close"`
}

// ChangeStatus 挂失冻结、解冻、销户
// POST /api/v1/account/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	var req AccountStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var (
		account *model.Account
		err     error
	)
	ctx := c.Request.Context()
	switch req.Action {
	case "freeze":
		account, err = h.accountService.Freeze(ctx, req.UserID)
	case "unfreeze":
		account, err = h.accountService.Unfreeze(ctx, req.UserID)
	case "close":
		account, err = h.accountService.Close(ctx, req.UserID)
	}
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, accountView(account))
}

// ListTransactions 查询流水
// GET /api/v1/account/transactions?user_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	records, total, err := h.accountService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 补贴相关接口
// ============================================================

type GrantSubsidyRequest struct {
	UserID        int64     `json:"user_id" binding:"required"`
	SubsidyTypeID int64     `json:"subsidy_type_id" binding:"required"`
	Amount        string    `json:"amount" binding:"required"`
	ExpireTime    time.Time `json:"expire_time" binding:"required"`
	DailyLimit    string    `json:"daily_limit"`
}

// GrantSubsidy 发放补贴
// POST /api/v1/subsidy/grant
func (h *Handler) GrantSubsidy(c *gin.Context) {
	var req GrantSubsidyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	grant := &service.GrantRequest{
		UserID:        req.UserID,
		SubsidyTypeID: req.SubsidyTypeID,
		Amount:        amount,
		ExpireTime:    req.ExpireTime,
	}
	if req.DailyLimit != "" {
		limit, ok := parseAmount(c, req.DailyLimit)
		if !ok {
			return
		}
		grant.DailyLimit = &limit
	}

	pool, err := h.subsidyService.Grant(c.Request.Context(), grant)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, pool)
}

// ListSubsidies 按扣减优先级列出可用补贴
// GET /api/v1/subsidy/list?user_id=xxx
func (h *Handler) ListSubsidies(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	pools, err := h.subsidyService.ListActive(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{"list": pools})
}

// ============================================================
// 消费相关接口
// ============================================================

type ConsumeRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	DeviceID string `json:"device_id" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Remark   string `json:"remark"`
}

// Consume 刷卡消费
// POST /api/v1/consume/execute
//
// 【关键点】
// 1. 幂等性：同一用户、同一终端、同一金额在时间窗口内只扣一次，重复请求返回 DUPLICATE 和原流水号
// 2. 原子性：补贴池、现金、流水在同一个本地事务中提交
// 3. 并发安全：账户锁保证同一账户串行扣款
func (h *Handler) Consume(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	result, err := h.consumeService.ExecuteConsumption(c.Request.Context(), &service.ConsumeRequest{
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		Amount:   amount,
		Remark:   req.Remark,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, result)
}

type CancelRequest struct {
	TransactionNo string `json:"transaction_no" binding:"required"`
	Reason        string `json:"reason"`
}

// Cancel 撤销消费
// POST /api/v1/consume/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	cancelled, err := h.consumeService.CancelTransaction(c.Request.Context(), req.TransactionNo, req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{"cancelled": cancelled})
}

// ============================================================
// 离线消费接口
// ============================================================

// UploadOffline 终端上传离线消费
// POST /api/v1/offline/upload
func (h *Handler) UploadOffline(c *gin.Context) {
	var req service.OfflineUpload
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	id, created, err := h.offlineService.Submit(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{"id": id, "created": created})
}

// SyncOffline 立即同步一条离线记录
// POST /api/v1/offline/sync/:id
func (h *Handler) SyncOffline(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}

	status, err := h.offlineService.SyncOfflineRecord(c.Request.Context(), id)
	if err != nil && status == "" {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{"id": id, "sync_status": status})
}

// ============================================================
// 账户间划拨（编排事务）
// ============================================================

type TransferRequest struct {
	FromAccountID int64  `json:"from_account_id" binding:"required"`
	ToAccountID   int64  `json:"to_account_id" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Remark        string `json:"remark"`
}

// Transfer 划拨
// POST /api/v1/transfer/execute
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.FromAccountID == req.ToAccountID {
		response.ParamError(c, "转出和转入账户不能相同")
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	saga, err := h.sagas.Start(c.Request.Context(), "transfer",
		service.TransferSteps(req.FromAccountID, req.ToAccountID, amount, req.Remark))
	if err != nil {
		// FAILED 的编排需要人工处理，必须把编排ID带回去
		if saga != nil {
			response.FromErrorWithData(c, err, sagaView(saga))
			return
		}
		response.FromError(c, err)
		return
	}

	response.Success(c, sagaView(saga))
}

func sagaView(saga *model.Saga) gin.H {
	return gin.H{
		"saga_id":    saga.SagaID,
		"state":      saga.State,
		"last_error": saga.LastError,
	}
}
