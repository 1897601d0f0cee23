// Package monitor tracks background job health for the health endpoint.
package monitor

import (
	"sync"
	"time"
)

// RollupMonitor tracks rollup job health and failures.
type RollupMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastProcessed     int
	consecutiveErrors int
	lastError         string
}

// RecordSuccess records a successful rollup run and how many events it
// counted.
func (m *RollupMonitor) RecordSuccess(processed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = time.Now()
	m.lastAttempt = time.Now()
	m.lastProcessed = processed
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed rollup run.
func (m *RollupMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy returns true if the rollup job is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded in >2 hours (the job runs hourly)
//   - More than 3 consecutive failures
func (m *RollupMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHealthyLocked()
}

// Must be called with mu held.
func (m *RollupMonitor) isHealthyLocked() bool {
	if m.lastSuccess.IsZero() {
		return false
	}
	if time.Since(m.lastSuccess) > 2*time.Hour {
		return false
	}
	if m.consecutiveErrors > 3 {
		return false
	}
	return true
}

// RollupStatus is the rollup job's health block.
type RollupStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastProcessed     int    `json:"last_processed"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current rollup job status for health checks.
func (m *RollupMonitor) Status() RollupStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := RollupStatus{
		Healthy:       m.isHealthyLocked(),
		LastProcessed: m.lastProcessed,
	}

	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(m.lastSuccess).String()
	}

	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}

	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}

	return status
}
