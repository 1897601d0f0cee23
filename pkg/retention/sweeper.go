// Package retention prunes both stores to their configured windows: raw
// events short-term, rollup rows long-term.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/storage"
)

// Sweeper deletes expired raw events and rollup rows. Sweeps are best
// effort: the cutoff recomputes from current time, so a failed run is
// caught up by the next scheduled one.
type Sweeper struct {
	store storage.Store
	log   *zap.Logger
}

// New creates a sweeper.
func New(store storage.Store, log *zap.Logger) *Sweeper {
	return &Sweeper{store: store, log: log}
}

// SweepRaw deletes raw events older than retentionDays before now. Must run
// after rollup has processed those days, or pending events are lost before
// being counted; the scheduler sequences it accordingly.
func (s *Sweeper) SweepRaw(ctx context.Context, now time.Time, retentionDays int) (int, error) {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)

	deleted, err := s.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("raw sweep failed: %w", err)
	}
	if deleted > 0 {
		s.log.Info("cleaned up old events",
			zap.Int("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// SweepRollups deletes rollup rows for days older than retentionMonths
// before now.
func (s *Sweeper) SweepRollups(ctx context.Context, now time.Time, retentionMonths int) (int, error) {
	cutoff := event.DayOf(now.UTC().AddDate(0, -retentionMonths, 0))

	deleted, err := s.store.DeleteRollupsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("rollup sweep failed: %w", err)
	}
	if deleted > 0 {
		s.log.Info("cleaned up old rollup rows",
			zap.Int("deleted", deleted),
			zap.String("cutoff", string(cutoff)))
	}
	return deleted, nil
}
