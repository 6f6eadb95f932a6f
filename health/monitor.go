package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// CheckFunc probes one component and reports its current health.
type CheckFunc func() Status

// Monitor tracks the health of the mapper's components. Components either
// push status updates or register a check that runs when the aggregate is
// requested.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]CheckFunc
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]CheckFunc),
	}
}

// RegisterCheck installs a pull-style health check for a component. The
// check runs on every aggregate request, so it must be cheap.
func (m *Monitor) RegisterCheck(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update records a push-style status for a named component.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy records a component as healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy records a component as unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded records a component as degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the recorded status for a named component. Pull checks are
// not consulted here.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, exists := m.statuses[name]
	return status, exists
}

// Remove drops a component from monitoring.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// AggregateHealth runs the registered checks, merges them with the pushed
// statuses and returns the system-wide aggregate with deterministic
// sub-status order.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	sub := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		sub[name] = status
	}
	m.mu.RUnlock()

	for name, check := range checks {
		status := check()
		status.Component = name
		if status.Timestamp.IsZero() {
			status.Timestamp = time.Now()
		}
		sub[name] = status
	}

	names := make([]string, 0, len(sub))
	for name := range sub {
		names = append(names, name)
	}
	sort.Strings(names)

	subStatuses := make([]Status, 0, len(sub))
	for _, name := range names {
		subStatuses = append(subStatuses, sub[name])
	}
	return Aggregate(systemName, subStatuses)
}

// Handler serves the aggregate as JSON. Unhealthy aggregates answer 503 so
// orchestration probes can act on the status code alone; degraded systems
// stay 200.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		aggregate := m.AggregateHealth(systemName)

		code := http.StatusOK
		if aggregate.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(aggregate)
	})
}
