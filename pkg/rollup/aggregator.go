// Package rollup compacts raw interaction events into daily aggregate rows.
//
// Events are grouped by the six-part key (day, page_hash, event_name,
// selector_key, device, is_logged_in) and merged into the rollup store with
// an atomic add-or-insert, so re-running a merge for a day that already has
// rows accumulates instead of overwriting.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/storage"
)

// ErrRollupRunning is returned when a drive is requested while another one
// is still in flight. The merge step is not safe under concurrent runs, so
// overlapping invocations are refused rather than serialized.
var ErrRollupRunning = errors.New("rollup already in progress")

// Aggregator reads raw events and merges daily aggregates.
type Aggregator struct {
	store   storage.Store
	log     *zap.Logger
	running atomic.Bool
}

// New creates an aggregator.
func New(store storage.Store, log *zap.Logger) *Aggregator {
	return &Aggregator{store: store, log: log}
}

// RollUp aggregates every raw event of the given day into the rollup store
// and returns the number of events processed. It is additive: running it
// again over the same raw events counts them again. The watermark-driven
// ProcessRollup is the safe scheduled entry point; RollUp exists for manual
// backfill after rollup rows have been removed.
func (a *Aggregator) RollUp(ctx context.Context, day event.Day) (int, error) {
	groups, processed, err := a.collectDay(ctx, day, 0, math.MaxUint64)
	if err != nil {
		return 0, err
	}
	if len(groups) == 0 {
		return 0, nil
	}
	if err := a.store.MergeRollups(ctx, groups); err != nil {
		return 0, err
	}
	return processed, nil
}

// ProcessRollup drives aggregation for every day from the persisted
// watermark through today and returns the advanced state plus the number of
// events processed. The state is loaded inside the single-flight section
// and committed together with the deltas, so two drives can never read the
// same watermark and count the same window twice.
//
// Double counting is prevented by an id high-water mark, not by the day
// watermark alone: only events with state.LastEventID < id <= the store's
// current max id are counted, and the window's deltas and the new state are
// committed in one atomic store call. A failed run therefore writes nothing
// and the next scheduled run retries the same window; a successful run
// moves both marks, so re-running with no new events is a no-op. Events
// that arrive for days before the watermark window are not picked up
// retroactively.
func (a *Aggregator) ProcessRollup(ctx context.Context, now time.Time) (event.RollupState, int, error) {
	if !a.running.CompareAndSwap(false, true) {
		return event.RollupState{}, 0, ErrRollupRunning
	}
	defer a.running.Store(false)

	state, err := a.store.RollupState(ctx)
	if err != nil {
		return state, 0, fmt.Errorf("failed to load rollup state: %w", err)
	}

	today := event.DayOf(now)
	start := state.Watermark
	if start == "" {
		// First run: the day before, matching the installed default.
		start = today.AddDays(-1)
	}

	// Snapshot the id cutoff before scanning. Events appended while the
	// run is in progress land above the cutoff and are counted next run.
	snapshot, err := a.store.MaxEventID(ctx)
	if err != nil {
		return state, 0, fmt.Errorf("failed to snapshot event id: %w", err)
	}

	var deltas []event.DailyRollup
	total := 0
	for d := start; !d.After(today); d = d.Next() {
		groups, processed, err := a.collectDay(ctx, d, state.LastEventID, snapshot)
		if err != nil {
			return state, 0, fmt.Errorf("rollup failed for %s: %w", d, err)
		}
		deltas = append(deltas, groups...)
		total += processed
	}

	newState := event.RollupState{Watermark: today, LastEventID: snapshot}
	if err := a.store.CommitRollup(ctx, deltas, newState); err != nil {
		return state, 0, fmt.Errorf("rollup commit failed: %w", err)
	}

	if total > 0 {
		a.log.Info("rolled up events",
			zap.Int("events", total),
			zap.Int("groups", len(deltas)),
			zap.String("watermark", string(newState.Watermark)))
	}
	return newState, total, nil
}

// collectDay scans one day and groups events with afterID < id <= uptoID
// by rollup key. The returned count is the number of events grouped, not
// the number of groups. Scans are id-ordered, so the representative page
// URL per group is the most recently seen one.
func (a *Aggregator) collectDay(ctx context.Context, day event.Day, afterID, uptoID uint64) ([]event.DailyRollup, int, error) {
	events, err := a.store.ScanDay(ctx, day)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan raw events: %w", err)
	}

	groups := make(map[string]*event.DailyRollup)
	processed := 0

	for _, ev := range events {
		if ev.ID <= afterID || ev.ID > uptoID {
			continue
		}

		key := event.RollupKey{
			Day:         day,
			PageHash:    ev.PageHash,
			EventName:   ev.EventName,
			SelectorKey: ev.SelectorKey,
			Device:      ev.Device,
			IsLoggedIn:  ev.IsLoggedIn,
		}

		g, exists := groups[key.String()]
		if !exists {
			g = &event.DailyRollup{RollupKey: key}
			groups[key.String()] = g
		}
		g.Clicks++
		g.PageURL = ev.PageURL
		processed++
	}

	deltas := make([]event.DailyRollup, 0, len(groups))
	for _, g := range groups {
		deltas = append(deltas, *g)
	}
	return deltas, processed, nil
}
