package store

import "meshgate/pkg/model"

// EnrollmentStore defines the persistence layer for routing state: peer
// enrollments, the cached endpoint directory, the event log and global
// settings. Backed by memory for dev, sqlite for single-node deployments
// and Consul KV when built with the consul tag.
type EnrollmentStore interface {
	SaveEnrollment(model.Enrollment) error
	GetEnrollment(peerAddr string) (model.Enrollment, bool, error)
	DeleteEnrollment(peerAddr string) error
	ListEnrollments() ([]model.Enrollment, error)

	ReplaceEndpoints([]model.TunnelEndpoint) error
	ListEndpoints() ([]model.TunnelEndpoint, error)
	GetEndpoint(id string) (model.TunnelEndpoint, bool, error)

	AppendEvent(model.Event) error
	ListEvents(limit int) ([]model.Event, error)

	GetSettings() (model.Settings, error)
	UpdateSettings(model.Settings) error

	Ping() error
}

// NewMemory is a helper to construct the in-memory implementation without
// importing it directly.
func NewMemory() EnrollmentStore {
	return NewMemoryStore()
}
