// Package health derives per-plugin operational status from load outcomes
// and recent execution failures. It is purely a read model over counters the
// kernel and the execution engine feed it; it never mutates lifecycle state.
package health

import (
	"sync"
	"time"
)

// Status is the derived operational state of a plugin.
type Status string

// Health statuses.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Defaults for failure-window accounting.
const (
	DefaultDegradedThreshold = 5
	DefaultWindow            = 5 * time.Minute
)

// Monitor tracks health signals per plugin. Safe for concurrent use.
type Monitor struct {
	mu      sync.RWMutex
	entries map[string]*entry

	threshold int
	window    time.Duration
	metrics   *Metrics
	now       func() time.Time
}

// entry holds the raw signals one plugin has produced.
type entry struct {
	loadFailed bool
	failures   []time.Time // Execution failures, pruned to the window
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithDegradedThreshold sets how many windowed failures flip a plugin to
// degraded (strictly more than the threshold).
func WithDegradedThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithWindow sets the sliding window for execution failure accounting.
func WithWindow(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithMetrics attaches prometheus collectors updated on every signal.
func WithMetrics(metrics *Metrics) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a health monitor.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		entries:   make(map[string]*entry),
		threshold: DefaultDegradedThreshold,
		window:    DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordLoadSuccess marks a plugin as successfully loaded, clearing any
// previous failure history.
func (m *Monitor) RecordLoadSuccess(pluginID string) {
	m.mu.Lock()
	m.entries[pluginID] = &entry{}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.observeLoad(pluginID, true)
		m.metrics.setStatus(pluginID, StatusHealthy)
	}
}

// RecordLoadFailure marks a plugin's load attempt as failed. The plugin is
// unhealthy until a later load succeeds.
func (m *Monitor) RecordLoadFailure(pluginID string) {
	m.mu.Lock()
	m.entries[pluginID] = &entry{loadFailed: true}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.observeLoad(pluginID, false)
		m.metrics.setStatus(pluginID, StatusUnhealthy)
	}
}

// RecordExecution records one capability execution outcome for the plugin.
func (m *Monitor) RecordExecution(pluginID string, success bool) {
	m.mu.Lock()
	e, ok := m.entries[pluginID]
	if !ok {
		e = &entry{}
		m.entries[pluginID] = e
	}
	if !success {
		e.failures = append(e.failures, m.now())
	}
	m.pruneLocked(e)
	status := m.statusLocked(e)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.observeExecution(pluginID, success)
		m.metrics.setStatus(pluginID, status)
	}
}

// Forget drops all signals for a plugin, typically on unload.
func (m *Monitor) Forget(pluginID string) {
	m.mu.Lock()
	delete(m.entries, pluginID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.setStatus(pluginID, StatusUnknown)
	}
}

// Get returns the derived status for a plugin. Unregistered ids are unknown.
func (m *Monitor) Get(pluginID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[pluginID]
	if !ok {
		return StatusUnknown
	}
	m.pruneLocked(e)
	return m.statusLocked(e)
}

// All returns the derived status of every tracked plugin.
func (m *Monitor) All() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.entries))
	for id, e := range m.entries {
		m.pruneLocked(e)
		out[id] = m.statusLocked(e)
	}
	return out
}

// ErrorCount returns the current windowed failure count for a plugin.
func (m *Monitor) ErrorCount(pluginID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[pluginID]
	if !ok {
		return 0
	}
	m.pruneLocked(e)
	return len(e.failures)
}

// statusLocked derives the status for an entry. Caller holds m.mu.
func (m *Monitor) statusLocked(e *entry) Status {
	switch {
	case e.loadFailed:
		return StatusUnhealthy
	case len(e.failures) > m.threshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// pruneLocked drops failures older than the window. Caller holds m.mu.
func (m *Monitor) pruneLocked(e *entry) {
	cutoff := m.now().Add(-m.window)
	i := 0
	for i < len(e.failures) && e.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.failures = e.failures[i:]
	}
}
