package storage

import (
	"context"
	"time"

	"github.com/clicktally/clicktally/pkg/event"
)

// Store is the persistence boundary for the tracking pipeline.
// Implementations: memory (testing/dev), badger (production).
//
// Raw events are append-only; the only mutation on the rollup side is the
// atomic add-or-insert performed by MergeRollups. All operations honor
// context cancellation so callers can bound storage I/O.
type Store interface {
	// AppendEvent persists a validated event and returns its assigned id.
	// Ids are monotonically increasing in insert order.
	AppendEvent(ctx context.Context, ev event.RawEvent) (uint64, error)

	// ScanDay returns every raw event whose timestamp falls within the UTC
	// calendar day, ordered by id. The aggregator depends on this being a
	// complete snapshot of the day.
	ScanDay(ctx context.Context, day event.Day) ([]event.RawEvent, error)

	// MaxEventID returns the highest id assigned so far (0 when empty).
	MaxEventID(ctx context.Context) (uint64, error)

	// DeleteEventsBefore removes raw events older than cutoff and reports
	// how many were deleted.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// MergeRollups applies each delta as an atomic add-or-insert keyed on
	// the full rollup key tuple. Existing rows accumulate clicks and take
	// the delta's page URL as the new representative URL.
	MergeRollups(ctx context.Context, deltas []event.DailyRollup) error

	// CommitRollup merges deltas and persists the watermark state in one
	// atomic operation: either both land or neither does. A retried run
	// after a failed commit therefore re-reads the old state and re-counts
	// nothing, because the failed merge wrote nothing.
	CommitRollup(ctx context.Context, deltas []event.DailyRollup, st event.RollupState) error

	// QueryRollups returns rollup rows matching the query, in no
	// particular order.
	QueryRollups(ctx context.Context, q RollupQuery) ([]event.DailyRollup, error)

	// DeleteRollupsBefore removes rollup rows for days earlier than cutoff
	// and reports how many were deleted.
	DeleteRollupsBefore(ctx context.Context, cutoff event.Day) (int, error)

	// RollupState returns the persisted aggregation watermark. A zero
	// state (empty watermark) means the aggregator has never run.
	RollupState(ctx context.Context) (event.RollupState, error)

	// Stats returns storage statistics for the health/stats endpoints.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store.
	Close() error
}

// RollupQuery selects rollup rows by day range and optional dimension
// filters.
type RollupQuery struct {
	// Inclusive day bounds.
	Start event.Day
	End   event.Day

	// Filter by device class (empty = all).
	Device event.Device

	// Filter by logged-in state (nil = all).
	LoggedIn *bool
}

// Matches reports whether a rollup row satisfies the query.
func (q RollupQuery) Matches(r event.DailyRollup) bool {
	if q.Start != "" && string(r.Day) < string(q.Start) {
		return false
	}
	if q.End != "" && r.Day.After(q.End) {
		return false
	}
	if q.Device != "" && r.Device != q.Device {
		return false
	}
	if q.LoggedIn != nil && r.IsLoggedIn != *q.LoggedIn {
		return false
	}
	return true
}

// Stats provides storage health and usage info.
type Stats struct {
	// Raw event side
	TotalEvents  uint64    `json:"total_events"`
	UniquePages  uint64    `json:"unique_pages"`
	UniqueEvents uint64    `json:"unique_event_names"`
	OldestEvent  time.Time `json:"oldest_event"`
	NewestEvent  time.Time `json:"newest_event"`

	// Rollup side
	TotalRollups uint64    `json:"total_rollup_rows"`
	TotalClicks  uint64    `json:"total_clicks"`
	EarliestDay  event.Day `json:"earliest_day,omitempty"`
	LatestDay    event.Day `json:"latest_day,omitempty"`
}
