// Package maintenance trims the decrypt bookkeeping tables. Key relations
// are kept for a month, per-decrypt log rows only a few days; both tables
// grow with every successful decrypt and are never read on the hot path.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// RelationRetention is how long server_key_relation rows are kept.
	RelationRetention = 30 * 24 * time.Hour
	// DecryptLogRetention is how long user_decrypt_log rows are kept.
	DecryptLogRetention = 3 * 24 * time.Hour
)

// Store is the trim surface of the MySQL layer.
type Store interface {
	TrimOldRelations(ctx context.Context, olderThan time.Duration) (int64, error)
	TrimOldDecryptLogs(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Cleaner struct {
	store             Store
	relationRetention time.Duration
	logRetention      time.Duration
	logger            *zap.Logger
}

func NewCleaner(store Store, logger *zap.Logger) *Cleaner {
	return &Cleaner{
		store:             store,
		relationRetention: RelationRetention,
		logRetention:      DecryptLogRetention,
		logger:            logger,
	}
}

// Run performs one cleanup pass over both tables.
func (c *Cleaner) Run(ctx context.Context) error {
	n, err := c.store.TrimOldRelations(ctx, c.relationRetention)
	if err != nil {
		return fmt.Errorf("trimming key relations: %w", err)
	}
	c.logger.Info("trimmed key relations", zap.Int64("rows", n))

	n, err = c.store.TrimOldDecryptLogs(ctx, c.logRetention)
	if err != nil {
		return fmt.Errorf("trimming decrypt logs: %w", err)
	}
	c.logger.Info("trimmed decrypt logs", zap.Int64("rows", n))
	return nil
}

// RunNightly blocks until ctx is cancelled, running one cleanup pass just
// before midnight each day. Failures are logged and retried the next
// night.
func (c *Cleaner) RunNightly(ctx context.Context) {
	for {
		wait := untilNextRun(time.Now())
		c.logger.Info("next cleanup scheduled", zap.Duration("in", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if err := c.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("nightly cleanup failed", zap.Error(err))
		}

		// Sit out the boundary second so one night never runs twice.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// untilNextRun returns the wait until one second before the coming
// midnight.
func untilNextRun(now time.Time) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	wait := midnight.Sub(now) - time.Second
	if wait < 0 {
		wait = 0
	}
	return wait
}
