package store

import (
	"sort"
	"sync"
	"time"

	"meshgate/pkg/model"
)

const maxEvents = 500

// MemoryStore is a simple in-memory implementation, intended for dev/demo
// and for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	enrollments map[string]model.Enrollment
	endpoints   map[string]model.TunnelEndpoint
	events      []model.Event
	settings    model.Settings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: make(map[string]model.Enrollment),
		endpoints:   make(map[string]model.TunnelEndpoint),
		settings:    model.DefaultSettings(),
	}
}

func (m *MemoryStore) SaveEnrollment(e model.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	m.enrollments[e.PeerAddr] = e
	return nil
}

func (m *MemoryStore) GetEnrollment(peerAddr string) (model.Enrollment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.enrollments[peerAddr]
	return e, ok, nil
}

func (m *MemoryStore) DeleteEnrollment(peerAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enrollments, peerAddr)
	return nil
}

func (m *MemoryStore) ListEnrollments() ([]model.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Enrollment, 0, len(m.enrollments))
	for _, e := range m.enrollments {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerAddr < out[j].PeerAddr })
	return out, nil
}

func (m *MemoryStore) ReplaceEndpoints(eps []model.TunnelEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = make(map[string]model.TunnelEndpoint, len(eps))
	for _, ep := range eps {
		m.endpoints[ep.ID] = ep
	}
	return nil
}

func (m *MemoryStore) ListEndpoints() ([]model.TunnelEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TunnelEndpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetEndpoint(id string) (model.TunnelEndpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	return ep, ok, nil
}

func (m *MemoryStore) AppendEvent(ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.events = append(m.events, ev)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	return nil
}

func (m *MemoryStore) ListEvents(limit int) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	start := len(m.events) - limit
	return append([]model.Event(nil), m.events[start:]...), nil
}

func (m *MemoryStore) GetSettings() (model.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

func (m *MemoryStore) UpdateSettings(s model.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	return nil
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping() error { return nil }
