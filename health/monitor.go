package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Check reports the current health of one part.
type Check func(ctx context.Context) Status

// Monitor tracks pushed statuses and registered checks. Safe for concurrent
// use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Update stores status under name, replacing any check with that name.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
	m.statuses[name] = status
}

// UpdateHealthy is a convenience method to update a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy is a convenience method to update a component as unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Register evaluates check on every Aggregate call, replacing any pushed
// status with that name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	m.checks[name] = check
}

// Remove stops tracking name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// Get returns the status for name, running its check if it has one.
func (m *Monitor) Get(ctx context.Context, name string) (Status, bool) {
	m.mu.RLock()
	status, ok := m.statuses[name]
	check, isCheck := m.checks[name]
	m.mu.RUnlock()

	if isCheck {
		return m.run(ctx, name, check), true
	}
	return status, ok
}

// Aggregate evaluates every check and combines all statuses, sorted by name.
// Checks run outside the monitor lock.
func (m *Monitor) Aggregate(ctx context.Context, systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses)+len(m.checks))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	for name, check := range checks {
		subs = append(subs, m.run(ctx, name, check))
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(systemName, subs)
}

func (m *Monitor) run(ctx context.Context, name string, check Check) Status {
	status := check(ctx)
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}

// Count returns the number of tracked parts.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses) + len(m.checks)
}
