package rules

import "log"

// BypassManager owns the process-wide rule that keeps the host's own
// mesh-exit traffic out of the tunnel tables. Losing this rule silently turns
// the host into a tunnel-for-everyone gateway, so it is re-asserted every
// reconcile cycle before anything else.
type BypassManager struct {
	kernel   KernelStateStore
	hostAddr string
}

func NewBypassManager(k KernelStateStore, hostAddr string) *BypassManager {
	return &BypassManager{kernel: k, hostAddr: hostAddr}
}

// SetHostAddr updates the host mesh address (it can change when the mesh
// directory reassigns it, e.g. after re-auth).
func (b *BypassManager) SetHostAddr(addr string) {
	if addr != "" && addr != b.hostAddr {
		b.hostAddr = addr
	}
}

// Ensure converges the bypass rule to the advertised state. It returns
// healed=true when the rule was required but found missing, which callers log
// loudly: a missing bypass rule means a leak window existed.
func (b *BypassManager) Ensure(hostAdvertisesExit bool) (healed bool, err error) {
	if b.hostAddr == "" {
		return false, nil
	}
	d := BypassDirective(b.hostAddr)
	present, err := b.kernel.Present(d)
	if err != nil {
		return false, err
	}
	switch {
	case hostAdvertisesExit && !present:
		if err := b.kernel.Apply(d); err != nil {
			return false, err
		}
		log.Printf("bypass rule restored for %s pref=%d", b.hostAddr, PriorityBypass)
		return true, nil
	case !hostAdvertisesExit && present:
		if err := b.kernel.Remove(d); err != nil {
			return false, err
		}
		log.Printf("bypass rule removed (exit node no longer advertised)")
	}
	return false, nil
}
