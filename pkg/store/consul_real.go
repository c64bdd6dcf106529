//go:build consul

package store

import (
	"meshgate/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr string) EnrollmentStore {
	return consul.NewStore(addr)
}
