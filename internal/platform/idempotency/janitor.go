package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunCleanup deletes expired keys every interval until ctx is cancelled.
func RunCleanup(ctx context.Context, store Store, interval time.Duration, batchSize int, clock func() time.Time, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupExpired(ctx, clock(), batchSize)
			if err != nil {
				logger.Warn("idempotency: cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency: expired keys removed", zap.Int("count", removed))
			}
		}
	}
}
