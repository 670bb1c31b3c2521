package task

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger 支持清理过期执行记录的存储
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// RunPurger 周期性清理超过 ttl 的已结束任务，阻塞直到 ctx 取消。
// 存储不支持清理时立即返回。
func RunPurger(ctx context.Context, store ExecutionStore, ttl, interval time.Duration, log *zap.Logger) {
	purger, ok := store.(Purger)
	if !ok || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.Purge(ctx, time.Now().Add(-ttl))
			if err != nil {
				log.Warn("Failed to purge task executions", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("Purged task executions", zap.Int64("count", n))
			}
		}
	}
}
