// Package event defines the core domain types for the tracking pipeline:
// inbound payloads, stored raw events, daily rollup rows and the rollup
// watermark state.
package event

import (
	"fmt"
	"time"
)

// EventType is the interaction kind reported by the client.
type EventType string

const (
	TypeClick  EventType = "click"
	TypeSubmit EventType = "submit"
	TypeChange EventType = "change"
	TypeView   EventType = "view"
)

// Valid reports whether t is one of the closed set of event types.
func (t EventType) Valid() bool {
	switch t {
	case TypeClick, TypeSubmit, TypeChange, TypeView:
		return true
	}
	return false
}

// Device is the coarse device class an event was recorded on.
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
	DeviceUnknown Device = "unknown"
)

// Known reports whether d is one of the three client-reportable classes.
func (d Device) Known() bool {
	return d == DeviceDesktop || d == DeviceMobile || d == DeviceTablet
}

// DayFormat is the wire and storage representation of a calendar day.
const DayFormat = "2006-01-02"

// Day is a UTC calendar day in "YYYY-MM-DD" form. Days compare correctly
// as strings, which keeps storage keys and watermark comparisons simple.
type Day string

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format(DayFormat))
}

// ParseDay parses a "YYYY-MM-DD" string.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(DayFormat, s); err != nil {
		return "", fmt.Errorf("invalid day %q: %w", s, err)
	}
	return Day(s), nil
}

// Time returns midnight UTC at the start of the day.
func (d Day) Time() time.Time {
	t, _ := time.Parse(DayFormat, string(d))
	return t
}

// AddDays returns the day n days after d (n may be negative).
func (d Day) AddDays(n int) Day {
	return DayOf(d.Time().AddDate(0, 0, n))
}

// Next returns the following calendar day.
func (d Day) Next() Day {
	return d.AddDays(1)
}

// After reports whether d is a later day than o.
func (d Day) After(o Day) bool {
	return string(d) > string(o)
}

// IngestEvent is the untrusted inbound payload, one per client-reported
// interaction. Required fields are checked by Validate before anything is
// derived from it.
type IngestEvent struct {
	TS          int64             `json:"ts"` // epoch milliseconds
	PageURL     string            `json:"page_url"`
	EventName   string            `json:"event_name"`
	SelectorKey string            `json:"selector_key"`
	EventType   EventType         `json:"event_type"`
	Label       string            `json:"label,omitempty"`
	Device      Device            `json:"device,omitempty"`
	IsLoggedIn  bool              `json:"is_logged_in,omitempty"`
	Role        string            `json:"role,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	UTM         map[string]string `json:"utm,omitempty"`
	SessionKey  string            `json:"session_key,omitempty"`
}

// RawEvent is a validated event at full (hashed) granularity, append-only.
// Plaintext IP and user agent are never stored; only their salted digests.
type RawEvent struct {
	ID          uint64            `json:"id"`
	Timestamp   time.Time         `json:"ts"` // second precision, UTC
	PageURL     string            `json:"page_url"`
	PageHash    string            `json:"page_hash"`
	EventName   string            `json:"event_name"`
	SelectorKey string            `json:"selector_key"`
	EventType   EventType         `json:"event_type"`
	Label       string            `json:"label,omitempty"`
	Device      Device            `json:"device"`
	IsLoggedIn  bool              `json:"is_logged_in"`
	Role        string            `json:"role,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	UTM         map[string]string `json:"utm,omitempty"`
	SessionKey  string            `json:"session_key,omitempty"`
	UAHash      string            `json:"ua_hash,omitempty"`
	IPHash      string            `json:"ip_hash,omitempty"`
}

// Day returns the UTC calendar day the event falls in.
func (e RawEvent) Day() Day {
	return DayOf(e.Timestamp)
}

// RollupKey is the six-part dimensional key a day's events are grouped by.
type RollupKey struct {
	Day         Day    `json:"day"`
	PageHash    string `json:"page_hash"`
	EventName   string `json:"event_name"`
	SelectorKey string `json:"selector_key"`
	Device      Device `json:"device"`
	IsLoggedIn  bool   `json:"is_logged_in"`
}

// String returns a deterministic representation, usable as a map key.
func (k RollupKey) String() string {
	logged := "0"
	if k.IsLoggedIn {
		logged = "1"
	}
	return string(k.Day) + "|" + k.PageHash + "|" + k.EventName + "|" + k.SelectorKey + "|" + string(k.Device) + "|" + logged
}

// DailyRollup is one mutable aggregate row per unique RollupKey per day.
// PageURL is a representative URL for the page hash (most recently seen),
// not an aggregate.
type DailyRollup struct {
	RollupKey
	PageURL string `json:"page_url"`
	Clicks  uint64 `json:"clicks"`
}

// RollupState is the persisted aggregation watermark: the last calendar day
// driven through the aggregator and the highest raw-event id counted. Both
// are needed so re-runs never double count (see rollup.Aggregator).
type RollupState struct {
	Watermark   Day    `json:"watermark"`
	LastEventID uint64 `json:"last_event_id"`
}

// Rule is a snapshot of one active tracking rule as served to the client.
// The selector syntax is opaque to this system; only the derived selector
// key participates in aggregation.
type Rule struct {
	SelectorType  string    `json:"selector_type"`
	SelectorValue string    `json:"selector_value"`
	SelectorKey   string    `json:"selector_key"`
	EventName     string    `json:"event_name"`
	EventType     EventType `json:"event_type"`
	ScopeType     string    `json:"scope_type,omitempty"`
	ScopeValue    string    `json:"scope_value,omitempty"`
	LabelTemplate string    `json:"label_template,omitempty"`
	ThrottleMS    int       `json:"throttle_ms,omitempty"`
	OncePerView   bool      `json:"once_per_view,omitempty"`
	Roles         []string  `json:"roles,omitempty"`
	Active        bool      `json:"-"`
	AutoRule      bool      `json:"-"`
}
