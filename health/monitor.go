package health

import (
	"sort"
	"sync"
)

// Monitor keeps the last status of every dependency and how many probes in
// a row failed.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Record stores s, carrying the failure streak of the component forward,
// and returns what was stored.
func (m *Monitor) Record(s Status) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Level == LevelUp {
		s.Failures = 0
	} else {
		s.Failures = m.statuses[s.Component].Failures + 1
	}
	m.statuses[s.Component] = s
	return s
}

// Last returns the most recent status of name.
func (m *Monitor) Last(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Snapshot returns every recorded status sorted by component.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
