package memory

import (
	"context"
	"testing"
	"time"

	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/storage"
)

func rawEvent(ts time.Time, pageHash string) event.RawEvent {
	return event.RawEvent{
		Timestamp:   ts,
		PageURL:     "https://example.com/p",
		PageHash:    pageHash,
		EventName:   "CTA Click",
		SelectorKey: "ffeeddccbbaa9988",
		EventType:   event.TypeClick,
		Device:      event.DeviceDesktop,
	}
}

func TestAppendEvent_AssignsMonotonicIDs(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var last uint64
	for i := 0; i < 5; i++ {
		id, err := s.AppendEvent(ctx, rawEvent(ts, "aaaa"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if id <= last {
			t.Fatalf("ids must increase: %d after %d", id, last)
		}
		last = id
	}

	maxID, err := s.MaxEventID(ctx)
	if err != nil {
		t.Fatalf("max id: %v", err)
	}
	if maxID != last {
		t.Errorf("max id %d, want %d", maxID, last)
	}
}

func TestScanDay_BoundsAndOrder(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	day := event.Day("2025-06-01")
	inside := []time.Time{
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 23, 59, 59, 0, time.UTC),
	}
	outside := []time.Time{
		time.Date(2025, 5, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	}

	for _, ts := range append(inside, outside...) {
		if _, err := s.AppendEvent(ctx, rawEvent(ts, "aaaa")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.ScanDay(ctx, day)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != len(inside) {
		t.Fatalf("expected %d events in day, got %d", len(inside), len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatal("scan must be ordered by id")
		}
	}
}

func TestDeleteEventsBefore_Boundary(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.AppendEvent(ctx, rawEvent(cutoff.Add(-time.Second), "old"))
	s.AppendEvent(ctx, rawEvent(cutoff, "exact"))
	s.AppendEvent(ctx, rawEvent(cutoff.Add(time.Second), "new"))

	deleted, err := s.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	stats, _ := s.Stats(ctx)
	if stats.TotalEvents != 2 {
		t.Errorf("expected 2 surviving events, got %d", stats.TotalEvents)
	}
}

func TestMergeRollups_AddOrInsert(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	key := event.RollupKey{
		Day:         "2025-06-01",
		PageHash:    "aaaa",
		EventName:   "CTA Click",
		SelectorKey: "ffee",
		Device:      event.DeviceDesktop,
	}

	err := s.MergeRollups(ctx, []event.DailyRollup{
		{RollupKey: key, PageURL: "https://example.com/a", Clicks: 3},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	err = s.MergeRollups(ctx, []event.DailyRollup{
		{RollupKey: key, PageURL: "https://example.com/b", Clicks: 2},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	rows, err := s.QueryRollups(ctx, storage.RollupQuery{Start: key.Day, End: key.Day})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected single merged row, got %d", len(rows))
	}
	if rows[0].Clicks != 5 {
		t.Errorf("expected accumulated clicks 5, got %d", rows[0].Clicks)
	}
	if rows[0].PageURL != "https://example.com/b" {
		t.Errorf("expected most recent representative URL, got %s", rows[0].PageURL)
	}
}

func TestQueryRollups_Filters(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	mk := func(day event.Day, dev event.Device, logged bool) event.DailyRollup {
		return event.DailyRollup{
			RollupKey: event.RollupKey{
				Day: day, PageHash: "aaaa", EventName: "X", SelectorKey: "bbbb",
				Device: dev, IsLoggedIn: logged,
			},
			Clicks: 1,
		}
	}
	s.MergeRollups(ctx, []event.DailyRollup{
		mk("2025-06-01", event.DeviceDesktop, false),
		mk("2025-06-01", event.DeviceMobile, true),
		mk("2025-06-05", event.DeviceDesktop, true),
	})

	logged := true
	rows, err := s.QueryRollups(ctx, storage.RollupQuery{
		Start:    "2025-06-01",
		End:      "2025-06-03",
		LoggedIn: &logged,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Device != event.DeviceMobile {
		t.Fatalf("expected only the logged-in mobile row in range, got %+v", rows)
	}
}

func TestRollupState_RoundTrip(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	st, err := s.RollupState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Watermark != "" || st.LastEventID != 0 {
		t.Fatalf("expected zero state on fresh store, got %+v", st)
	}

	want := event.RollupState{Watermark: "2025-06-01", LastEventID: 42}
	if err := s.CommitRollup(ctx, nil, want); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := s.RollupState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got != want {
		t.Errorf("state round trip: got %+v, want %+v", got, want)
	}
}
