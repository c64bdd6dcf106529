package rules

import "errors"

// ErrAbsent reports that a directive was already not present on removal.
// Teardown paths treat it as success.
var ErrAbsent = errors.New("directive not present")

// KernelStateStore abstracts the shared mutable kernel routing/firewall state
// so the installer and reconciler never shell out directly, and tests can
// substitute an in-memory fake that records application order.
type KernelStateStore interface {
	Apply(Directive) error
	Remove(Directive) error
	Present(Directive) (bool, error)
}

// ForwardingController toggles system-wide IP forwarding. Without it every
// ForwardPair and Masquerade directive installs cleanly yet no packet is
// forwarded. Kernel stores that can reach the sysctls implement it.
type ForwardingController interface {
	EnableForwarding() error
	ForwardingEnabled() (bool, error)
}
