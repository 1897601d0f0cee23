// Package memory implements storage.Store with in-process maps. Data is
// lost on restart; useful for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/storage"
)

// Store keeps raw events, rollup rows and the watermark state in memory.
type Store struct {
	mu      sync.RWMutex
	nextID  uint64
	events  []event.RawEvent
	rollups map[string]*event.DailyRollup
	state   event.RollupState
}

// New creates an in-memory store.
func New() *Store {
	return &Store{
		events:  make([]event.RawEvent, 0, 1024),
		rollups: make(map[string]*event.DailyRollup),
	}
}

// AppendEvent stores an event and assigns the next id.
func (s *Store) AppendEvent(ctx context.Context, ev event.RawEvent) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, ev)
	return ev.ID, nil
}

// ScanDay returns all events on the given UTC day ordered by id.
func (s *Store) ScanDay(ctx context.Context, day event.Day) ([]event.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []event.RawEvent
	for _, ev := range s.events {
		if ev.Day() == day {
			results = append(results, ev)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// MaxEventID returns the highest assigned event id.
func (s *Store) MaxEventID(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID, nil
}

// DeleteEventsBefore removes events with timestamps older than cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	deleted := 0
	for _, ev := range s.events {
		if ev.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return deleted, nil
}

// MergeRollups applies add-or-insert deltas under the write lock, so the
// merge is atomic with respect to concurrent readers.
func (s *Store) MergeRollups(ctx context.Context, deltas []event.DailyRollup) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeLocked(deltas)
	return nil
}

// CommitRollup merges deltas and stores the watermark state under one lock
// acquisition, so readers never observe one without the other.
func (s *Store) CommitRollup(ctx context.Context, deltas []event.DailyRollup, st event.RollupState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeLocked(deltas)
	s.state = st
	return nil
}

// mergeLocked applies add-or-insert deltas. Must be called with mu held.
func (s *Store) mergeLocked(deltas []event.DailyRollup) {
	for _, d := range deltas {
		key := d.RollupKey.String()
		if existing, ok := s.rollups[key]; ok {
			existing.Clicks += d.Clicks
			existing.PageURL = d.PageURL
			continue
		}
		row := d
		s.rollups[key] = &row
	}
}

// QueryRollups returns rollup rows matching the query.
func (s *Store) QueryRollups(ctx context.Context, q storage.RollupQuery) ([]event.DailyRollup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []event.DailyRollup
	for _, r := range s.rollups {
		if q.Matches(*r) {
			results = append(results, *r)
		}
	}
	return results, nil
}

// DeleteRollupsBefore removes rollup rows for days earlier than cutoff.
func (s *Store) DeleteRollupsBefore(ctx context.Context, cutoff event.Day) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, r := range s.rollups {
		if string(r.Day) < string(cutoff) {
			delete(s.rollups, key)
			deleted++
		}
	}
	return deleted, nil
}

// RollupState returns the stored watermark state.
func (s *Store) RollupState(ctx context.Context) (event.RollupState, error) {
	if err := ctx.Err(); err != nil {
		return event.RollupState{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalEvents:  uint64(len(s.events)),
		TotalRollups: uint64(len(s.rollups)),
	}

	pages := make(map[string]struct{})
	names := make(map[string]struct{})
	for _, ev := range s.events {
		pages[ev.PageHash] = struct{}{}
		names[ev.EventName] = struct{}{}
		if stats.OldestEvent.IsZero() || ev.Timestamp.Before(stats.OldestEvent) {
			stats.OldestEvent = ev.Timestamp
		}
		if stats.NewestEvent.IsZero() || ev.Timestamp.After(stats.NewestEvent) {
			stats.NewestEvent = ev.Timestamp
		}
	}
	stats.UniquePages = uint64(len(pages))
	stats.UniqueEvents = uint64(len(names))

	for _, r := range s.rollups {
		stats.TotalClicks += r.Clicks
		if stats.EarliestDay == "" || string(r.Day) < string(stats.EarliestDay) {
			stats.EarliestDay = r.Day
		}
		if stats.LatestDay == "" || r.Day.After(stats.LatestDay) {
			stats.LatestDay = r.Day
		}
	}

	return stats, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}
