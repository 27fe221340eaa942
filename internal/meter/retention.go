package meter

import (
	"context"
	"time"
)

// DefaultPruneInterval is how often RunRetention prunes.
const DefaultPruneInterval = time.Hour

// Logger is the logging interface used by RunRetention.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// RunRetention prunes readings older than retention every interval until
// ctx is cancelled. It prunes once immediately. A non-positive retention
// returns at once.
func RunRetention(ctx context.Context, repo Repository, retention, interval time.Duration, logger Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	prune := func() {
		n, err := repo.PruneReadings(ctx, retention)
		if logger == nil {
			return
		}
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("pruning readings failed", "error", err)
		case n > 0:
			logger.Info("pruned readings", "deleted", n, "retention", retention.String())
		}
	}

	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
