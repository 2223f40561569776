package job

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger 把 cron 内部日志转到 zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler 秒级调度；同一任务上一轮未结束时跳过本轮，panic 被捕获后记录日志
func NewScheduler() *cron.Cron {
	logger := cronLogger{sugar: zap.L().Sugar().Named("cron")}
	return cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
}

// Runner 可被定时调度的任务
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule 注册任务，每轮使用独立的超时上下文
func Schedule(c *cron.Cron, spec string, timeout time.Duration, r Runner) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		if err := r.Run(ctx); err != nil {
			zap.L().Error("定时任务执行失败", zap.String("job", r.Name()), zap.Error(err))
			return
		}
		zap.L().Debug("定时任务执行完成", zap.String("job", r.Name()), zap.Duration("cost", time.Since(start)))
	})
}
