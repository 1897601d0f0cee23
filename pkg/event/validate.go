package event

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is returned when a required payload field is absent or empty.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidEventType is returned when event_type is outside the closed set.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrInvalidTimestamp is returned when the event timestamp is negative.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// Validate checks an inbound payload for required fields and value-domain
// correctness. It has no side effects; rejected events are simply never
// persisted.
func Validate(e IngestEvent) error {
	if e.PageURL == "" {
		return fmt.Errorf("%w: page_url", ErrMissingField)
	}
	if e.EventName == "" {
		return fmt.Errorf("%w: event_name", ErrMissingField)
	}
	if e.SelectorKey == "" {
		return fmt.Errorf("%w: selector_key", ErrMissingField)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event_type", ErrMissingField)
	}
	if e.TS == 0 {
		return fmt.Errorf("%w: ts", ErrMissingField)
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, e.EventType)
	}
	if e.TS < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTimestamp, e.TS)
	}
	return nil
}
