package model

import "time"

// Event captures a user-visible routing event (apply, failover, teardown warning).
type Event struct {
	Type      string    `json:"type"` // applied/disabled/failover/teardown_warning/bypass_healed
	PeerAddr  string    `json:"peerAddr,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Severity  string    `json:"severity"` // info/warn/error
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
