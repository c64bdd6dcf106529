package model

import "time"

// Peer is a mesh network member as reported by the mesh directory.
// The directory owns the record; this core treats it as read-only input keyed by MeshAddr.
type Peer struct {
	MeshAddr string    `json:"meshAddr"` // stable overlay address, e.g. 100.64.0.5
	Hostname string    `json:"hostname"`
	OS       string    `json:"os,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}
