// Package query is the read-only stats surface consumed by the dashboard.
// Every operation aggregates strictly from the daily rollup rows, never
// from raw events.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/storage"
)

const (
	// DefaultLimit is used when a top-N request does not specify one.
	DefaultLimit = 10

	// MaxLimit caps top-N result sizes.
	MaxLimit = 100
)

// Range is an inclusive day range.
type Range struct {
	Start event.Day
	End   event.Day
}

// ParseRange resolves a named range (7d, 30d, 90d) ending today.
func ParseRange(name string, now time.Time) (Range, error) {
	var days int
	switch name {
	case "7d":
		days = 7
	case "30d":
		days = 30
	case "90d":
		days = 90
	default:
		return Range{}, fmt.Errorf("invalid range %q (supported: 7d, 30d, 90d)", name)
	}

	end := event.DayOf(now)
	return Range{Start: end.AddDays(-(days - 1)), End: end}, nil
}

// Days lists every calendar day in the range, in order.
func (r Range) Days() []event.Day {
	var days []event.Day
	for d := r.Start; !d.After(r.End); d = d.Next() {
		days = append(days, d)
	}
	return days
}

// Filters are the optional equality predicates over rollup dimensions.
type Filters struct {
	Device   event.Device
	LoggedIn *bool
}

// ParseFilters normalizes the device and user-type query parameters. Both
// historical user-type spellings (guest/guests, logged-in/logged_in) are
// accepted.
func ParseFilters(device, user string) (Filters, error) {
	var f Filters

	switch device {
	case "", "all":
	case string(event.DeviceDesktop), string(event.DeviceMobile), string(event.DeviceTablet):
		f.Device = event.Device(device)
	default:
		return Filters{}, fmt.Errorf("invalid device filter %q", device)
	}

	switch user {
	case "", "all":
	case "guest", "guests":
		loggedIn := false
		f.LoggedIn = &loggedIn
	case "logged-in", "logged_in":
		loggedIn := true
		f.LoggedIn = &loggedIn
	default:
		return Filters{}, fmt.Errorf("invalid user filter %q", user)
	}

	return f, nil
}

// Service answers aggregate queries over the rollup store.
type Service struct {
	store storage.Store
}

// NewService creates a query service.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// DailyCount is one gap-filled timeseries entry.
type DailyCount struct {
	Day    event.Day `json:"day"`
	Clicks uint64    `json:"clicks"`
}

// TopPage is the most-clicked page in a summary.
type TopPage struct {
	PageURL string `json:"url"`
	Clicks  uint64 `json:"clicks"`
}

// Summary is the dashboard KPI block.
type Summary struct {
	TotalClicks  uint64       `json:"total_clicks"`
	UniqueEvents int          `json:"unique_elements"`
	TopPage      *TopPage     `json:"top_page,omitempty"`
	EventsToday  uint64       `json:"events_today"`
	Timeseries   []DailyCount `json:"timeseries"`
}

// Summary computes the KPI block for a range. The timeseries has exactly
// one entry per calendar day in the range, zero-filled for days without
// rollup rows, so charts render consistently. EventsToday counts the
// range's final day (today, for the relative ranges the API serves).
func (s *Service) Summary(ctx context.Context, r Range, f Filters) (*Summary, error) {
	rows, err := s.queryRange(ctx, r, f)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	names := make(map[string]struct{})
	pageClicks := make(map[string]uint64)
	pageURLs := make(map[string]string)
	byDay := make(map[event.Day]uint64)

	for _, row := range rows {
		summary.TotalClicks += row.Clicks
		names[row.EventName] = struct{}{}
		pageClicks[row.PageHash] += row.Clicks
		pageURLs[row.PageHash] = row.PageURL
		byDay[row.Day] += row.Clicks
		if row.Day == r.End {
			summary.EventsToday += row.Clicks
		}
	}
	summary.UniqueEvents = len(names)

	var topHash string
	for hash, clicks := range pageClicks {
		if topHash == "" || clicks > pageClicks[topHash] {
			topHash = hash
		}
	}
	if topHash != "" {
		summary.TopPage = &TopPage{PageURL: pageURLs[topHash], Clicks: pageClicks[topHash]}
	}

	for _, day := range r.Days() {
		summary.Timeseries = append(summary.Timeseries, DailyCount{Day: day, Clicks: byDay[day]})
	}

	return summary, nil
}

// ElementStat is one ranked entry in the top-elements list.
type ElementStat struct {
	EventName      string  `json:"event_name"`
	SelectorKey    string  `json:"selector_key"`
	Clicks         uint64  `json:"clicks"`
	PageCount      int     `json:"page_count"`
	ExamplePageURL string  `json:"example_page_url,omitempty"`
	Share          float64 `json:"share_of_total"`
}

// TopElements ranks tracked elements by clicks over the range. Share is
// each element's fraction of all clicks matching the range and filters,
// computed before the limit is applied.
func (s *Service) TopElements(ctx context.Context, r Range, f Filters, limit int) ([]ElementStat, error) {
	rows, err := s.queryRange(ctx, r, f)
	if err != nil {
		return nil, err
	}

	type group struct {
		stat  ElementStat
		pages map[string]struct{}
	}
	groups := make(map[string]*group)
	var total uint64

	for _, row := range rows {
		key := row.EventName + "|" + row.SelectorKey
		g, ok := groups[key]
		if !ok {
			g = &group{
				stat:  ElementStat{EventName: row.EventName, SelectorKey: row.SelectorKey},
				pages: make(map[string]struct{}),
			}
			groups[key] = g
		}
		g.stat.Clicks += row.Clicks
		g.stat.ExamplePageURL = row.PageURL
		g.pages[row.PageHash] = struct{}{}
		total += row.Clicks
	}

	results := make([]ElementStat, 0, len(groups))
	for _, g := range groups {
		g.stat.PageCount = len(g.pages)
		if total > 0 {
			g.stat.Share = float64(g.stat.Clicks) / float64(total)
		}
		results = append(results, g.stat)
	}

	sortRanked(results, func(e ElementStat) (uint64, string) { return e.Clicks, e.EventName })
	return clampLimit(results, limit), nil
}

// PageStat is one ranked entry in the top-pages list.
type PageStat struct {
	PageURL  string `json:"page_url"`
	Clicks   uint64 `json:"clicks"`
	TopEvent string `json:"top_event,omitempty"`
}

// TopPages ranks pages by clicks over the range, with each page's most
// frequent event name.
func (s *Service) TopPages(ctx context.Context, r Range, f Filters, limit int) ([]PageStat, error) {
	rows, err := s.queryRange(ctx, r, f)
	if err != nil {
		return nil, err
	}

	type group struct {
		stat        PageStat
		eventClicks map[string]uint64
	}
	groups := make(map[string]*group)

	for _, row := range rows {
		g, ok := groups[row.PageHash]
		if !ok {
			g = &group{eventClicks: make(map[string]uint64)}
			groups[row.PageHash] = g
		}
		g.stat.PageURL = row.PageURL
		g.stat.Clicks += row.Clicks
		g.eventClicks[row.EventName] += row.Clicks
	}

	results := make([]PageStat, 0, len(groups))
	for _, g := range groups {
		for name, clicks := range g.eventClicks {
			if g.stat.TopEvent == "" || clicks > g.eventClicks[g.stat.TopEvent] {
				g.stat.TopEvent = name
			}
		}
		results = append(results, g.stat)
	}

	sortRanked(results, func(p PageStat) (uint64, string) { return p.Clicks, p.PageURL })
	return clampLimit(results, limit), nil
}

func (s *Service) queryRange(ctx context.Context, r Range, f Filters) ([]event.DailyRollup, error) {
	return s.store.QueryRollups(ctx, storage.RollupQuery{
		Start:    r.Start,
		End:      r.End,
		Device:   f.Device,
		LoggedIn: f.LoggedIn,
	})
}

// sortRanked orders by clicks descending with a name tie-break, so results
// are stable for equal counts.
func sortRanked[T any](items []T, key func(T) (uint64, string)) {
	sort.Slice(items, func(i, j int) bool {
		ci, ni := key(items[i])
		cj, nj := key(items[j])
		if ci != cj {
			return ci > cj
		}
		return ni < nj
	})
}

func clampLimit[T any](items []T, limit int) []T {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
