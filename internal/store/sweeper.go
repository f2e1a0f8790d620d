package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often StartSweeper prunes expired gates.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically deletes gate
// records whose cooldown has ended. It stops when ctx is done.
func StartSweeper(ctx context.Context, repo Repository, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("gate sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, logger)
			case <-ctx.Done():
				logger.Info("gate sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, repo Repository, logger *slog.Logger) {
	deleted, err := repo.DeleteExpiredGates(ctx, time.Now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("gate sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		logger.Info("gate sweep removed expired records", "count", deleted)
	}
}
