package model

import "time"

// EnrollmentState tracks the lifecycle of one peer's routing decision.
type EnrollmentState string

const (
	StatePending  EnrollmentState = "pending"
	StateApplied  EnrollmentState = "applied"
	StateFailing  EnrollmentState = "failing"
	StateDisabled EnrollmentState = "disabled"
)

// Enrollment records one peer's decision to route through one tunnel endpoint.
// At most one enrollment per peer is applied at a time; while applied, the
// routing table id is owned exclusively by that enrollment.
type Enrollment struct {
	ID              string          `json:"id"`
	PeerAddr        string          `json:"peerAddr"`
	EndpointID      string          `json:"endpointId"`
	TableID         int             `json:"tableId"`
	State           EnrollmentState `json:"state"`
	Enabled         bool            `json:"enabled"`
	AppliedRevision int64           `json:"appliedRevision,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	Attempts        int             `json:"attempts,omitempty"` // pending-apply attempts so far
	NextAttempt     time.Time       `json:"nextAttempt,omitempty"`
	LastHealthCheck time.Time       `json:"lastHealthCheck,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}
