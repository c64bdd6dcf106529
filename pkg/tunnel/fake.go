package tunnel

import (
	"context"
	"sync"
	"time"

	"meshgate/pkg/model"
)

// FakeLink is an in-memory Link used for tests and dry runs.
type FakeLink struct {
	mu sync.Mutex

	ifaces     map[string]time.Time // iface -> last handshake
	ups, downs []string

	// UpErr, when set, is returned by Up.
	UpErr error
	// StuckDown keeps interfaces reporting down after Up succeeds.
	StuckDown bool
}

func NewFakeLink() *FakeLink {
	return &FakeLink{ifaces: make(map[string]time.Time)}
}

func (f *FakeLink) Up(_ context.Context, _ model.TunnelEndpoint, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpErr != nil {
		return f.UpErr
	}
	f.ups = append(f.ups, iface)
	if !f.StuckDown {
		f.ifaces[iface] = time.Now()
	}
	return nil
}

func (f *FakeLink) Down(iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downs = append(f.downs, iface)
	delete(f.ifaces, iface)
	return nil
}

func (f *FakeLink) State(iface string) (bool, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs, ok := f.ifaces[iface]
	return ok, hs, nil
}

// SetHandshake overrides the recorded handshake time for an interface.
func (f *FakeLink) SetHandshake(iface string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ifaces[iface]; ok {
		f.ifaces[iface] = t
	}
}

// Drop removes an interface as if it vanished out from under the manager.
func (f *FakeLink) Drop(iface string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ifaces, iface)
}

func (f *FakeLink) Ups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ups...)
}

func (f *FakeLink) Downs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.downs...)
}
