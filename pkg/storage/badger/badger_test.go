package badger

import (
	"context"
	"testing"
	"time"

	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open in-memory badger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(ts time.Time) event.RawEvent {
	return event.RawEvent{
		Timestamp:   ts,
		PageURL:     "https://example.com/docs",
		PageHash:    "1111222233334444",
		EventName:   "Docs Link Click",
		SelectorKey: "5555666677778888",
		EventType:   event.TypeClick,
		Device:      event.DeviceDesktop,
	}
}

func TestAppendAndScanDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := event.Day("2025-06-01")
	ts := day.Time().Add(10 * time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(ctx, testEvent(ts.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Event on a different day must not appear in the scan.
	if _, err := s.AppendEvent(ctx, testEvent(ts.Add(24*time.Hour))); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ScanDay(ctx, day)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatal("scan must return events in id order")
		}
	}

	maxID, err := s.MaxEventID(ctx)
	if err != nil {
		t.Fatalf("max id: %v", err)
	}
	if maxID != 4 {
		t.Errorf("expected max id 4, got %d", maxID)
	}
}

func TestMergeRollups_Accumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := event.RollupKey{
		Day:         "2025-06-01",
		PageHash:    "1111222233334444",
		EventName:   "Docs Link Click",
		SelectorKey: "5555666677778888",
		Device:      event.DeviceMobile,
		IsLoggedIn:  true,
	}

	for _, clicks := range []uint64{4, 6} {
		err := s.MergeRollups(ctx, []event.DailyRollup{
			{RollupKey: key, PageURL: "https://example.com/docs", Clicks: clicks},
		})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
	}

	rows, err := s.QueryRollups(ctx, storage.RollupQuery{Start: key.Day, End: key.Day})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Clicks != 10 {
		t.Errorf("expected 10 clicks, got %d", rows[0].Clicks)
	}
}

func TestDeleteEventsBefore_MidDayCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cutoff := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	s.AppendEvent(ctx, testEvent(cutoff.AddDate(0, 0, -1)))       // prior day
	s.AppendEvent(ctx, testEvent(cutoff.Add(-time.Second)))       // same day, older
	s.AppendEvent(ctx, testEvent(cutoff.Add(time.Second)))        // same day, newer
	s.AppendEvent(ctx, testEvent(cutoff.AddDate(0, 0, 1)))        // next day

	deleted, err := s.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 2 {
		t.Errorf("expected 2 surviving events, got %d", stats.TotalEvents)
	}
}

func TestDeleteRollupsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, day := range []event.Day{"2025-01-01", "2025-03-01", "2025-06-01"} {
		err := s.MergeRollups(ctx, []event.DailyRollup{{
			RollupKey: event.RollupKey{Day: day, PageHash: "aaaa", EventName: "X", SelectorKey: "bbbb", Device: event.DeviceDesktop},
			Clicks:    1,
		}})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
	}

	deleted, err := s.DeleteRollupsBefore(ctx, "2025-03-01")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	rows, err := s.QueryRollups(ctx, storage.RollupQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 surviving rows, got %d", len(rows))
	}
}

func TestRollupState_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.RollupState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Watermark != "" {
		t.Fatalf("expected zero state, got %+v", st)
	}

	want := event.RollupState{Watermark: "2025-06-01", LastEventID: 99}
	if err := s.CommitRollup(ctx, nil, want); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := s.RollupState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got != want {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

func TestCommitRollup_WritesDeltasAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deltas := []event.DailyRollup{{
		RollupKey: event.RollupKey{
			Day:         "2025-06-01",
			PageHash:    "aaaabbbbccccdddd",
			SelectorKey: "1111222233334444",
			EventName:   "Pricing CTA",
			Device:      event.DeviceDesktop,
		},
		Clicks: 3,
	}}
	st := event.RollupState{Watermark: "2025-06-01", LastEventID: 7}
	if err := s.CommitRollup(ctx, deltas, st); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rows, err := s.QueryRollups(ctx, storage.RollupQuery{Start: "2025-06-01", End: "2025-06-01"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Clicks != 3 {
		t.Fatalf("expected the committed delta back, got %+v", rows)
	}
	got, err := s.RollupState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got != st {
		t.Errorf("state after commit: got %+v, want %+v", got, st)
	}
}

func TestAppendEvent_ContextCancelled(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.AppendEvent(ctx, testEvent(time.Now().UTC())); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
