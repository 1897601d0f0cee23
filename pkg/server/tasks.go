// Package server wires the HTTP surface and background jobs together.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/config"
	"github.com/clicktally/clicktally/pkg/retention"
	"github.com/clicktally/clicktally/pkg/rollup"
	"github.com/clicktally/clicktally/pkg/server/monitor"
	"github.com/clicktally/clicktally/pkg/storage"
	"github.com/clicktally/clicktally/pkg/storage/badger"
)

// Scheduler owns the periodic jobs: hourly rollup, daily retention sweeps
// and badger value-log GC.
type Scheduler struct {
	store   storage.Store
	agg     *rollup.Aggregator
	sweeper *retention.Sweeper
	mon     *monitor.RollupMonitor
	cfg     config.Config
	log     *zap.Logger
	cron    *cron.Cron
	cancel  context.CancelFunc
}

// NewScheduler creates the job scheduler. Jobs are registered but not
// running until Start.
func NewScheduler(store storage.Store, agg *rollup.Aggregator, sweeper *retention.Sweeper, mon *monitor.RollupMonitor, cfg config.Config, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		agg:     agg,
		sweeper: sweeper,
		mon:     mon,
		cfg:     cfg,
		log:     log,
		cron:    cron.New(),
	}
}

// Start registers the cron jobs and launches them, plus an immediate
// catch-up rollup so a restart never waits an hour to resume aggregating.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if _, err := s.cron.AddFunc(config.RollupSchedule, func() { s.runRollup(ctx, false) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(config.RawSweepSchedule, func() { s.runRawSweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(config.RollupSweepSchedule, func() { s.runRollupSweep(ctx) }); err != nil {
		return err
	}

	s.cron.Start()

	go s.runRollup(ctx, true)

	if bs, ok := s.store.(*badger.Store); ok {
		go s.runBadgerGC(ctx, bs)
	}

	s.log.Info("job scheduler started",
		zap.String("rollup_schedule", config.RollupSchedule),
		zap.String("raw_sweep_schedule", config.RawSweepSchedule),
		zap.String("rollup_sweep_schedule", config.RollupSweepSchedule))
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish, bounded by
// the caller's context.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("gave up waiting for background jobs to finish")
	}
}

// runRollup drives the watermark aggregation with retry and exponential
// backoff. A run that overlaps a still-active one is skipped, not retried.
func (s *Scheduler) runRollup(ctx context.Context, initial bool) {
	const maxRetries = 3
	baseDelay := 30 * time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<(attempt-1)) // 30s, 60s, 120s
			s.log.Info("retrying rollup",
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		processed, err := s.rollupOnce(ctx)

		if err == nil {
			s.mon.RecordSuccess(processed)
			s.log.Info("rollup completed",
				zap.Int("events_processed", processed),
				zap.Bool("initial", initial),
				zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			return
		}

		if errors.Is(err, rollup.ErrRollupRunning) {
			s.log.Warn("rollup still running, skipping this cycle")
			return
		}

		s.mon.RecordFailure(err)
		s.log.Error("rollup failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if status := s.mon.Status(); status.ConsecutiveErrors > 3 {
			s.log.Error("rollup has been failing repeatedly",
				zap.Int("consecutive_errors", status.ConsecutiveErrors))
		}
	}

	s.log.Error("rollup failed after retries, will retry on next schedule",
		zap.Int("attempts", maxRetries+1))
}

// rollupOnce advances the watermark through the aggregator. The aggregator
// owns the state: it loads the watermark inside its single-flight section
// and commits deltas and new state atomically, so concurrent callers (cron
// tick, startup catch-up, manual run) cannot double count.
func (s *Scheduler) rollupOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, config.RollupTimeout)
	defer cancel()

	_, processed, err := s.agg.ProcessRollup(ctx, time.Now())
	return processed, err
}

func (s *Scheduler) runRawSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, config.SweepTimeout)
	defer cancel()

	if _, err := s.sweeper.SweepRaw(ctx, time.Now(), s.cfg.RetentionRawDays); err != nil {
		s.log.Error("raw event sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) runRollupSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, config.SweepTimeout)
	defer cancel()

	if _, err := s.sweeper.SweepRollups(ctx, time.Now(), s.cfg.RetentionRollupMonths); err != nil {
		s.log.Error("rollup sweep failed", zap.Error(err))
	}
}

// runBadgerGC periodically reclaims value-log space. Badger's LSM tree
// accumulates deleted data until GC rewrites the log files.
func (s *Scheduler) runBadgerGC(ctx context.Context, bs *badger.Store) {
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	s.log.Info("badger GC scheduler started",
		zap.Duration("interval", config.BadgerGCInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			// Reclaim a file once half of it is garbage; one pass per tick
			if err := bs.RunGC(0.5); err != nil {
				s.log.Debug("badger GC found nothing to rewrite",
					zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			} else {
				s.log.Info("badger GC reclaimed space",
					zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			}
		}
	}
}
