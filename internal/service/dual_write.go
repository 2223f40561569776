package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/model"
	"campuspay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 迁移双写校验
// ============================================================================
//
// 迁移期间新旧两份数据并行写入，逐字段比对，记录差异并维护一致率。
// 只有满足以下全部条件才允许切换到新表：
// 1. 一致率 >= 阈值（默认 99.9%）
// 2. 样本数 >= 最小样本数
// 3. 上述状态持续了一个观察窗口
// 4. 没有未处理的差异
//
// ============================================================================

// FieldPair 一个字段在新旧两边的取值
type FieldPair struct {
	Field   string
	Legacy  string
	Current string
}

type DualWriteValidator struct {
	diffs *repository.DualWriteRepository
	cfg   config.DualWriteConfig
	now   func() time.Time

	mu         sync.Mutex
	total      int64
	consistent int64
	readySince time.Time
}

func NewDualWriteValidator(db *gorm.DB, cfg *config.Config) *DualWriteValidator {
	return &DualWriteValidator{
		diffs: repository.NewDualWriteRepository(db),
		cfg:   cfg.DualWrite,
		now:   time.Now,
	}
}

// Compare 比对一条记录的所有字段，全部相同返回 true；有差异时逐字段落库
func (v *DualWriteValidator) Compare(ctx context.Context, entity, key string, pairs []FieldPair) (bool, error) {
	var diffs []*model.DualWriteDiff
	for _, p := range pairs {
		if p.Legacy == p.Current {
			continue
		}
		diffs = append(diffs, &model.DualWriteDiff{
			Entity:       entity,
			EntityKey:    key,
			Field:        p.Field,
			LegacyValue:  p.Legacy,
			CurrentValue: p.Current,
		})
	}

	if len(diffs) > 0 {
		if err := v.diffs.CreateDiffs(ctx, diffs); err != nil {
			return false, fmt.Errorf("保存双写差异失败: %w", err)
		}
		zap.L().Warn("双写数据不一致",
			zap.String("entity", entity),
			zap.String("key", key),
			zap.Int("fields", len(diffs)))
	}

	v.mu.Lock()
	v.total++
	if len(diffs) == 0 {
		v.consistent++
	}
	ratio := v.ratioLocked()
	v.trackLocked(ratio)
	v.mu.Unlock()

	metrics.SetDualWriteRatio(ratio)
	return len(diffs) == 0, nil
}

// CompareAccount 比对余额、冻结金额、状态、用户；版本号在两边各自递增，不参与比对
func (v *DualWriteValidator) CompareAccount(ctx context.Context, legacy, current *model.Account) (bool, error) {
	return v.Compare(ctx, "account", strconv.FormatInt(current.ID, 10), []FieldPair{
		{Field: "user_id", Legacy: strconv.FormatInt(legacy.UserID, 10), Current: strconv.FormatInt(current.UserID, 10)},
		{Field: "balance", Legacy: strconv.FormatInt(legacy.Balance, 10), Current: strconv.FormatInt(current.Balance, 10)},
		{Field: "frozen_balance", Legacy: strconv.FormatInt(legacy.FrozenBalance, 10), Current: strconv.FormatInt(current.FrozenBalance, 10)},
		{Field: "status", Legacy: string(legacy.Status), Current: string(current.Status)},
	})
}

func (v *DualWriteValidator) CompareTransaction(ctx context.Context, legacy, current *model.TransactionRecord) (bool, error) {
	return v.Compare(ctx, "transaction", current.TransactionNo, []FieldPair{
		{Field: "type", Legacy: string(legacy.Type), Current: string(current.Type)},
		{Field: "amount", Legacy: strconv.FormatInt(legacy.Amount, 10), Current: strconv.FormatInt(current.Amount, 10)},
		{Field: "balance_before", Legacy: strconv.FormatInt(legacy.BalanceBefore, 10), Current: strconv.FormatInt(current.BalanceBefore, 10)},
		{Field: "balance_after", Legacy: strconv.FormatInt(legacy.BalanceAfter, 10), Current: strconv.FormatInt(current.BalanceAfter, 10)},
	})
}

// Ratio 一致率，没有样本时为 0
func (v *DualWriteValidator) Ratio() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ratioLocked()
}

// CutoverReady 是否可以切换
func (v *DualWriteValidator) CutoverReady(ctx context.Context) (bool, error) {
	unresolved, err := v.diffs.CountUnresolved(ctx)
	if err != nil {
		return false, fmt.Errorf("查询未处理差异失败: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	ratio := v.ratioLocked()
	v.trackLocked(ratio)
	metrics.SetDualWriteRatio(ratio)

	if unresolved > 0 || v.readySince.IsZero() {
		return false, nil
	}
	return v.now().Sub(v.readySince) >= v.cfg.SustainWindow, nil
}

// ResolveDiff 人工确认差异已处理
func (v *DualWriteValidator) ResolveDiff(ctx context.Context, id int64) error {
	return v.diffs.Resolve(ctx, id)
}

func (v *DualWriteValidator) ratioLocked() float64 {
	if v.total == 0 {
		return 0
	}
	return float64(v.consistent) / float64(v.total)
}

// trackLocked 达标时记录起始时间，一旦跌破阈值重新计时
func (v *DualWriteValidator) trackLocked(ratio float64) {
	if v.total >= v.cfg.MinSamples && ratio >= v.cfg.Threshold {
		if v.readySince.IsZero() {
			v.readySince = v.now()
		}
		return
	}
	v.readySince = time.Time{}
}
