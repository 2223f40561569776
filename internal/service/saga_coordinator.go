package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 编排事务（Saga）
// ============================================================================
//
// 每个步骤是一对（动作, 补偿），以描述符的形式持久化：动作ID + 补偿ID + JSON 参数。
// 进程重启后可以根据库里的状态继续推进，而不是丢失在内存里。
//
// 状态流转：PENDING -> RUNNING -> {COMPLETED | COMPENSATING -> {COMPENSATED | FAILED}}
//
// 【关键点】
// 1. 资金步骤失败：对已完成的步骤逆序执行补偿
// 2. 非资金步骤（通知）尽力而为：失败只记录，不触发资金回滚；它的补偿是发一条取消通知
// 3. 锁超时、版本冲突这类瞬时错误，从失败的步骤开始重试，总次数有上限
// 4. 补偿本身失败：标记 FAILED，等待人工处理，不会无限重试
// 5. 推进期间持有编排租约，恢复任务和请求线程不会同时推进同一个编排
//
// ============================================================================

// StepPhase 动作或补偿
type StepPhase string

const (
	PhaseAction       StepPhase = "action"
	PhaseCompensation StepPhase = "compensation"
)

// StepDescriptor 编排步骤描述
type StepDescriptor struct {
	ActionID       string
	CompensationID string
	Payload        interface{}
	Financial      bool
}

// StepInput 步骤处理器的入参；SagaID + Seq + Phase 可以作为处理器的幂等键
type StepInput struct {
	SagaID  string
	Seq     int
	Phase   StepPhase
	Payload json.RawMessage
}

// IdempotencyKey 同一步骤同一阶段只生效一次
func (in StepInput) IdempotencyKey() string {
	return fmt.Sprintf("saga:%s:%d:%s", in.SagaID, in.Seq, in.Phase)
}

type StepHandler func(ctx context.Context, in StepInput) error

// StepRegistry 按ID注册步骤处理器
type StepRegistry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

func NewStepRegistry() *StepRegistry {
	return &StepRegistry{handlers: make(map[string]StepHandler)}
}

func (r *StepRegistry) Register(id string, h StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}

func (r *StepRegistry) Lookup(id string) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

type SagaCoordinator struct {
	sagas        *repository.SagaRepository
	registry     *StepRegistry
	locker       lock.Locker
	lease        time.Duration
	maxAttempts  int
	retryBackoff time.Duration
}

func NewSagaCoordinator(db *gorm.DB, registry *StepRegistry, locker lock.Locker, cfg *config.Config) *SagaCoordinator {
	maxAttempts := cfg.Saga.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	lease := cfg.Saga.Lease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &SagaCoordinator{
		sagas:        repository.NewSagaRepository(db),
		registry:     registry,
		locker:       locker,
		lease:        lease,
		maxAttempts:  maxAttempts,
		retryBackoff: cfg.Saga.RetryBackoff,
	}
}

// Start 持久化后立即执行，返回终态
//
// COMPLETED、COMPENSATED 返回 nil 错误（补偿成功也是一种确定的结果，原因见 LastError），
// FAILED 返回 ErrSagaFailed。
func (c *SagaCoordinator) Start(ctx context.Context, sagaType string, steps []StepDescriptor) (*model.Saga, error) {
	if len(steps) == 0 {
		return nil, ledgererr.Validation("编排步骤不能为空")
	}

	saga := &model.Saga{
		SagaID:   uuid.NewString(),
		SagaType: sagaType,
		State:    model.SagaStatePending,
	}
	rows := make([]*model.SagaStep, 0, len(steps))
	for i, step := range steps {
		if _, ok := c.registry.Lookup(step.ActionID); !ok {
			return nil, ledgererr.Validation("未注册的动作: %s", step.ActionID)
		}
		if step.CompensationID != "" {
			if _, ok := c.registry.Lookup(step.CompensationID); !ok {
				return nil, ledgererr.Validation("未注册的补偿: %s", step.CompensationID)
			}
		} else if step.Financial {
			return nil, ledgererr.Validation("资金步骤 %s 必须提供补偿", step.ActionID)
		}

		payload, err := json.Marshal(step.Payload)
		if err != nil {
			return nil, ledgererr.Validation("步骤参数无法序列化: %v", err)
		}
		rows = append(rows, &model.SagaStep{
			SagaID:         saga.SagaID,
			Seq:            i + 1,
			ActionID:       step.ActionID,
			CompensationID: step.CompensationID,
			Payload:        string(payload),
			Financial:      step.Financial,
			Status:         model.StepStatusPending,
		})
	}

	if err := c.sagas.Create(ctx, saga, rows); err != nil {
		return nil, fmt.Errorf("保存编排记录失败: %w", err)
	}
	zap.L().Info("编排事务开始", zap.String("saga_id", saga.SagaID), zap.String("saga_type", sagaType), zap.Int("steps", len(rows)))

	var result *model.Saga
	err := lock.WithLock(ctx, c.locker, lock.SagaKey(saga.SagaID), 0, c.lease, func(ctx context.Context) error {
		var err error
		result, err = c.drive(ctx, saga, rows)
		return err
	})
	return result, err
}

// Resume 进程重启后从库中状态继续推进
//
// 租约被占用说明有其他实例正在推进，返回 ErrLockTimeout；
// 拿到租约后重新读取状态，期间别人推进到终态的直接返回
func (c *SagaCoordinator) Resume(ctx context.Context, sagaID string) (*model.Saga, error) {
	var result *model.Saga
	err := lock.WithLock(ctx, c.locker, lock.SagaKey(sagaID), 0, c.lease, func(ctx context.Context) error {
		saga, err := c.sagas.Get(ctx, sagaID)
		if err != nil {
			return err
		}
		if saga.State.Terminal() {
			result = saga
			return nil
		}
		steps, err := c.sagas.ListSteps(ctx, sagaID)
		if err != nil {
			return err
		}
		zap.L().Info("恢复编排事务", zap.String("saga_id", sagaID), zap.String("state", string(saga.State)))
		result, err = c.drive(ctx, saga, steps)
		return err
	})
	return result, err
}

func (c *SagaCoordinator) drive(ctx context.Context, saga *model.Saga, steps []*model.SagaStep) (*model.Saga, error) {
	switch saga.State {
	case model.SagaStatePending:
		if err := c.transition(ctx, saga, model.SagaStateRunning, ""); err != nil {
			return nil, err
		}
		return c.runForward(ctx, saga, steps)
	case model.SagaStateRunning:
		return c.runForward(ctx, saga, steps)
	case model.SagaStateCompensating:
		return c.compensate(ctx, saga, steps)
	case model.SagaStateCompleted, model.SagaStateCompensated, model.SagaStateFailed:
		return saga, nil
	default:
		return nil, fmt.Errorf("未知的编排状态: %s", saga.State)
	}
}

func (c *SagaCoordinator) runForward(ctx context.Context, saga *model.Saga, steps []*model.SagaStep) (*model.Saga, error) {
	for {
		err := c.forward(ctx, saga, steps)
		if err == nil {
			if err := c.transition(ctx, saga, model.SagaStateCompleted, ""); err != nil {
				return nil, err
			}
			metrics.IncSagaTerminal(saga.SagaType, string(model.SagaStateCompleted))
			zap.L().Info("编排事务完成", zap.String("saga_id", saga.SagaID))
			return saga, nil
		}

		if !ledgererr.Retryable(err) || saga.Attempt+1 >= c.maxAttempts {
			return c.beginCompensation(ctx, saga, steps, err)
		}

		saga.Attempt++
		if err := c.sagas.IncrementAttempt(ctx, saga.SagaID, err.Error()); err != nil {
			return nil, err
		}
		backoff := c.backoff(saga.Attempt)
		zap.L().Warn("编排步骤瞬时失败，重试",
			zap.String("saga_id", saga.SagaID),
			zap.Int("attempt", saga.Attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		// 等待期间调用方取消：保持 RUNNING，交给恢复任务继续
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return saga, ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff 指数退避，第 n 次重试等待 retryBackoff * 2^(n-1)，上限 2 秒
func (c *SagaCoordinator) backoff(attempt int) time.Duration {
	if c.retryBackoff <= 0 {
		return 0
	}
	d := c.retryBackoff << (attempt - 1)
	return min(d, 2*time.Second)
}

// forward 依次执行未完成的步骤，资金步骤失败立即返回
func (c *SagaCoordinator) forward(ctx context.Context, saga *model.Saga, steps []*model.SagaStep) error {
	for _, step := range steps {
		if step.Status == model.StepStatusDone {
			continue
		}
		if step.Status == model.StepStatusFailed && !step.Financial {
			continue
		}

		handler, ok := c.registry.Lookup(step.ActionID)
		if !ok {
			return fmt.Errorf("未注册的动作: %s", step.ActionID)
		}
		err := handler(ctx, StepInput{SagaID: saga.SagaID, Seq: step.Seq, Phase: PhaseAction, Payload: json.RawMessage(step.Payload)})
		if err != nil {
			if uerr := c.setStep(ctx, step, model.StepStatusFailed, err.Error()); uerr != nil {
				return uerr
			}
			if !step.Financial {
				zap.L().Warn("通知类步骤失败，继续执行",
					zap.String("saga_id", saga.SagaID),
					zap.Int("seq", step.Seq),
					zap.String("action", step.ActionID),
					zap.Error(err))
				continue
			}
			return fmt.Errorf("步骤 %d(%s) 失败: %w", step.Seq, step.ActionID, err)
		}
		if err := c.setStep(ctx, step, model.StepStatusDone, ""); err != nil {
			return err
		}
	}
	return nil
}

func (c *SagaCoordinator) beginCompensation(ctx context.Context, saga *model.Saga, steps []*model.SagaStep, cause error) (*model.Saga, error) {
	zap.L().Warn("编排事务失败，开始补偿", zap.String("saga_id", saga.SagaID), zap.Error(cause))
	if err := c.transition(ctx, saga, model.SagaStateCompensating, cause.Error()); err != nil {
		return nil, err
	}
	return c.compensate(ctx, saga, steps)
}

// compensate 逆序补偿已完成的步骤
func (c *SagaCoordinator) compensate(ctx context.Context, saga *model.Saga, steps []*model.SagaStep) (*model.Saga, error) {
	var failed []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Status != model.StepStatusDone && step.Status != model.StepStatusCompensationFailed {
			continue
		}
		if step.CompensationID == "" {
			continue
		}

		handler, ok := c.registry.Lookup(step.CompensationID)
		if !ok {
			failed = append(failed, fmt.Errorf("未注册的补偿: %s", step.CompensationID))
			continue
		}
		err := handler(ctx, StepInput{SagaID: saga.SagaID, Seq: step.Seq, Phase: PhaseCompensation, Payload: json.RawMessage(step.Payload)})
		if err != nil {
			if uerr := c.setStep(ctx, step, model.StepStatusCompensationFailed, err.Error()); uerr != nil {
				return nil, uerr
			}
			if !step.Financial {
				zap.L().Warn("取消通知发送失败", zap.String("saga_id", saga.SagaID), zap.Int("seq", step.Seq), zap.Error(err))
				continue
			}
			failed = append(failed, fmt.Errorf("补偿步骤 %d(%s) 失败: %w", step.Seq, step.CompensationID, err))
			continue
		}
		if err := c.setStep(ctx, step, model.StepStatusCompensated, ""); err != nil {
			return nil, err
		}
	}

	if len(failed) > 0 {
		cause := errors.Join(failed...)
		if err := c.transition(ctx, saga, model.SagaStateFailed, cause.Error()); err != nil {
			return nil, err
		}
		metrics.IncSagaTerminal(saga.SagaType, string(model.SagaStateFailed))
		zap.L().Error("编排事务补偿失败，需要人工介入", zap.String("saga_id", saga.SagaID), zap.Error(cause))
		return saga, fmt.Errorf("saga=%s: %w: %v", saga.SagaID, ledgererr.ErrSagaFailed, cause)
	}

	if err := c.transition(ctx, saga, model.SagaStateCompensated, saga.LastError); err != nil {
		return nil, err
	}
	metrics.IncSagaTerminal(saga.SagaType, string(model.SagaStateCompensated))
	zap.L().Info("编排事务已补偿", zap.String("saga_id", saga.SagaID))
	return saga, nil
}

func (c *SagaCoordinator) transition(ctx context.Context, saga *model.Saga, to model.SagaState, lastError string) error {
	if err := c.sagas.UpdateState(ctx, saga.SagaID, saga.State, to, lastError); err != nil {
		return fmt.Errorf("更新编排状态失败: %w", err)
	}
	saga.State = to
	saga.LastError = lastError
	return nil
}

func (c *SagaCoordinator) setStep(ctx context.Context, step *model.SagaStep, status model.StepStatus, stepErr string) error {
	if err := c.sagas.UpdateStep(ctx, step.SagaID, step.ID, status, stepErr); err != nil {
		return fmt.Errorf("更新步骤状态失败: %w", err)
	}
	step.Status = status
	step.Error = stepErr
	return nil
}
