package health

import (
	"sort"
	"sync"
	"time"
)

// Recorder receives every status update, typically a metrics gauge
type Recorder func(component string, healthy bool)

// Monitor tracks health of the client's components in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	recorder Recorder
	now      func() time.Time
}

// NewMonitor creates a new health monitor. recorder may be nil.
func NewMonitor(recorder Recorder) *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		recorder: recorder,
		now:      time.Now,
	}
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = m.now()
	}
	m.statuses[name] = status
	recorder := m.recorder
	m.mu.Unlock()

	if recorder != nil {
		recorder(name, status.IsHealthy())
	}
}

// UpdateHealthy marks a component healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// UpdateError marks a component unhealthy with a sanitized error
func (m *Monitor) UpdateError(name string, err error) {
	if err == nil {
		m.UpdateHealthy(name, "ok")
		return
	}
	m.UpdateUnhealthy(name, sanitizeErrorMessage(err.Error()))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// AggregateHealth aggregates every tracked component, sorted by name so
// the /health output is stable
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	sort.Slice(subStatuses, func(i, j int) bool {
		return subStatuses[i].Component < subStatuses[j].Component
	})
	return Aggregate(systemName, subStatuses)
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}
