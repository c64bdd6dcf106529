package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"meshgate/pkg/model"
)

// ErrInterfaceTimeout is returned when a tunnel interface does not come up
// within the configured wait window.
var ErrInterfaceTimeout = errors.New("tunnel: interface did not come up in time")

// Config carries parsed interface lifecycle settings.
type Config struct {
	LinkUpTimeout      time.Duration
	HandshakeStaleness time.Duration
}

// ConfigFrom parses the stored settings, applying defaults for anything
// missing or malformed.
func ConfigFrom(tc model.TunnelConfig) Config {
	return Config{
		LinkUpTimeout:      model.ParseDuration(tc.LinkUpTimeout, 15*time.Second),
		HandshakeStaleness: model.ParseDuration(tc.HandshakeStaleness, 3*time.Minute),
	}
}

// Health classifies the observed state of a tunnel interface.
type Health int

const (
	Down Health = iota
	Degraded
	Healthy
)

func (h Health) String() string {
	switch h {
	case Down:
		return "down"
	case Degraded:
		return "degraded"
	case Healthy:
		return "healthy"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// Link brings tunnel interfaces up and down and reports their state.
// The production implementation drives wg-quick and wgctrl; tests and
// dry runs substitute a fake.
type Link interface {
	Up(ctx context.Context, ep model.TunnelEndpoint, iface string) error
	Down(iface string) error
	// State reports whether the interface exists and is up, and the time of
	// the most recent peer handshake (zero if none yet).
	State(iface string) (up bool, lastHandshake time.Time, err error)
}

type entry struct {
	iface    string
	endpoint model.TunnelEndpoint
	refs     int
}

// Manager owns tunnel interface lifecycles. Interfaces are shared between
// enrollments by refcount: the first user of an endpoint brings the interface
// up, the last one releasing it tears the interface down.
type Manager struct {
	mu      sync.Mutex
	link    Link
	cfg     Config
	entries map[string]*entry
}

func NewManager(link Link, cfg Config) *Manager {
	if cfg.LinkUpTimeout <= 0 {
		cfg.LinkUpTimeout = 15 * time.Second
	}
	if cfg.HandshakeStaleness <= 0 {
		cfg.HandshakeStaleness = 3 * time.Minute
	}
	return &Manager{
		link:    link,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// EnsureUp makes sure the interface for ep exists and is up, and takes a
// reference on it. It returns the interface name. Callers must pair every
// successful EnsureUp with a Release.
func (m *Manager) EnsureUp(ctx context.Context, ep model.TunnelEndpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[ep.ID]; ok {
		up, _, err := m.link.State(e.iface)
		if err == nil && up {
			e.refs++
			return e.iface, nil
		}
		// Interface vanished or is down underneath us. Bring it back up
		// for the existing holders too.
		log.Printf("tunnel: interface=%s endpoint=%s not up, re-establishing", e.iface, ep.ID)
	}

	iface := InterfaceName(ep.ID)
	if err := m.link.Up(ctx, ep, iface); err != nil {
		return "", fmt.Errorf("bring up %s: %w", iface, err)
	}
	if err := m.waitUp(ctx, iface); err != nil {
		if derr := m.link.Down(iface); derr != nil {
			log.Printf("tunnel: cleanup of %s after failed wait: %v", iface, derr)
		}
		return "", err
	}

	if e, ok := m.entries[ep.ID]; ok {
		e.refs++
		e.endpoint = ep
		return e.iface, nil
	}
	m.entries[ep.ID] = &entry{iface: iface, endpoint: ep, refs: 1}
	log.Printf("tunnel: interface=%s endpoint=%s up", iface, ep.ID)
	return iface, nil
}

func (m *Manager) waitUp(ctx context.Context, iface string) error {
	deadline := time.Now().Add(m.cfg.LinkUpTimeout)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		up, _, err := m.link.State(iface)
		if err == nil && up {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", iface, ErrInterfaceTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Release drops one reference on the endpoint's interface. When the last
// reference goes, the interface is torn down.
func (m *Manager) Release(endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[endpointID]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(m.entries, endpointID)
	if err := m.link.Down(e.iface); err != nil {
		return fmt.Errorf("tear down %s: %w", e.iface, err)
	}
	log.Printf("tunnel: interface=%s endpoint=%s down", e.iface, endpointID)
	return nil
}

// Refs reports the current reference count for an endpoint's interface.
func (m *Manager) Refs(endpointID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[endpointID]; ok {
		return e.refs
	}
	return 0
}

// Iface returns the interface name for an endpoint if it is currently held.
func (m *Manager) Iface(endpointID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[endpointID]
	if !ok {
		return "", false
	}
	return e.iface, true
}

// HealthCheck classifies the endpoint's interface. An absent or downed
// interface is Down. An interface whose last handshake is older than the
// staleness window is Degraded. Anything else is Healthy. A tunnel that has
// not completed its first handshake yet counts as Degraded, not Down, so a
// freshly enrolled peer does not trip failover.
func (m *Manager) HealthCheck(endpointID string) Health {
	m.mu.Lock()
	e, ok := m.entries[endpointID]
	m.mu.Unlock()
	if !ok {
		return Down
	}
	up, hs, err := m.link.State(e.iface)
	if err != nil || !up {
		return Down
	}
	if hs.IsZero() || time.Since(hs) > m.cfg.HandshakeStaleness {
		return Degraded
	}
	return Healthy
}
