// Package rules holds the versioned snapshot of active tracking rules served
// to clients. The selector syntax is opaque here; the registry only derives
// the selector key each rule aggregates under.
package rules

import (
	"errors"
	"sync"

	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/privacy"
)

var (
	// ErrNoSelector is returned when a rule is missing its selector
	ErrNoSelector = errors.New("rule has no selector")

	// ErrNoEventName is returned when a rule is missing its event name
	ErrNoEventName = errors.New("rule has no event name")

	// ErrInvalidEventType is returned when a rule carries an unknown event type
	ErrInvalidEventType = errors.New("rule has invalid event type")
)

// Registry is the in-memory snapshot of active rules. Every replacement bumps
// the version so clients can cheap-poll with their last known version.
type Registry struct {
	mu      sync.RWMutex
	version uint64
	rules   []event.Rule
}

// NewRegistry creates an empty registry at version 0.
func NewRegistry() *Registry {
	return &Registry{}
}

// Version returns the current snapshot version.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Snapshot returns the current version and a copy of the active rules.
func (r *Registry) Snapshot() (uint64, []event.Rule) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]event.Rule, len(r.rules))
	copy(rules, r.rules)
	return r.version, rules
}

// Replace validates the incoming rules, derives each selector key, keeps the
// active ones and bumps the version. On any invalid rule nothing changes.
func (r *Registry) Replace(incoming []event.Rule) (uint64, error) {
	active := make([]event.Rule, 0, len(incoming))
	for _, rule := range incoming {
		if err := validateRule(rule); err != nil {
			return 0, err
		}
		if !rule.Active {
			continue
		}
		rule.SelectorKey = privacy.HashSelector(rule.SelectorType, rule.SelectorValue)
		active = append(active, rule)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = active
	r.version++
	return r.version, nil
}

func validateRule(rule event.Rule) error {
	if rule.SelectorType == "" || rule.SelectorValue == "" {
		return ErrNoSelector
	}
	if rule.EventName == "" {
		return ErrNoEventName
	}
	if !rule.EventType.Valid() {
		return ErrInvalidEventType
	}
	return nil
}
