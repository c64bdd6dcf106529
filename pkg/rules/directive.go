// Package rules compiles per-peer enrollments into ordered kernel directives
// and installs them transactionally. The directive set is deliberately narrow:
// every entry names the exact source address and the exact tunnel interface,
// which is what keeps unenrolled peers off the tunnel.
package rules

import "fmt"

// Rule priorities. Ordering is a correctness property, not a tuning knob:
// the bypass rule must win before the tunnel catch-all ever sees host traffic,
// and per-peer lookups sit between them. Verified by TestPriorityOrdering.
const (
	PriorityBypass   = 5100
	PriorityPeerRule = 5200
	PriorityCatchAll = 5300
)

// TableMain is the kernel main routing table.
const TableMain = 254

// DirectiveKind enumerates the kernel mutations this engine is allowed to make.
type DirectiveKind int

const (
	// RouteDefault installs a default route in a peer table via the tunnel interface.
	RouteDefault DirectiveKind = iota
	// RuleLookup installs an ip-rule selecting a table for traffic from one source.
	RuleLookup
	// ForwardPair accepts forwarding (src -> iface) and the reverse direction
	// restricted to established/related traffic.
	ForwardPair
	// Masquerade SNATs traffic from one source out of one interface.
	Masquerade
)

func (k DirectiveKind) String() string {
	switch k {
	case RouteDefault:
		return "route-default"
	case RuleLookup:
		return "rule-lookup"
	case ForwardPair:
		return "forward-pair"
	case Masquerade:
		return "masquerade"
	}
	return "unknown"
}

// Directive is one kernel mutation. Fields are populated per kind:
// RouteDefault uses Iface+Table, RuleLookup uses Src+Table+Priority,
// ForwardPair and Masquerade use Src+Iface.
type Directive struct {
	Kind     DirectiveKind
	Src      string // exact source address (host address, no prefix shortening)
	Iface    string // exact tunnel interface
	Table    int
	Priority int
}

func (d Directive) String() string {
	switch d.Kind {
	case RouteDefault:
		return fmt.Sprintf("route default dev %s table %d", d.Iface, d.Table)
	case RuleLookup:
		return fmt.Sprintf("rule from %s lookup %d pref %d", d.Src, d.Table, d.Priority)
	case ForwardPair:
		return fmt.Sprintf("forward accept %s <-> %s", d.Src, d.Iface)
	case Masquerade:
		return fmt.Sprintf("masquerade %s out %s", d.Src, d.Iface)
	}
	return "unknown directive"
}

// Binding ties an enrollment to its kernel resources.
type Binding struct {
	PeerAddr string
	Iface    string
	TableID  int
}

// Compile produces the ordered directive set for one enrollment. Install order
// matters: the peer table must hold a route before the lookup rule points
// traffic at it, and forwarding/NAT come last.
func Compile(b Binding) []Directive {
	return []Directive{
		{Kind: RouteDefault, Iface: b.Iface, Table: b.TableID},
		{Kind: RuleLookup, Src: b.PeerAddr, Table: b.TableID, Priority: PriorityPeerRule},
		{Kind: ForwardPair, Src: b.PeerAddr, Iface: b.Iface},
		{Kind: Masquerade, Src: b.PeerAddr, Iface: b.Iface},
	}
}

// Uncompile produces the teardown set: the apply list reversed, since kernel
// removal must undo in reverse dependency order.
func Uncompile(b Binding) []Directive {
	ds := Compile(b)
	out := make([]Directive, 0, len(ds))
	for i := len(ds) - 1; i >= 0; i-- {
		out = append(out, ds[i])
	}
	return out
}

// BypassDirective is the singleton rule exempting the host's own mesh-exit
// traffic from any tunnel catch-all. It is not per-enrollment.
func BypassDirective(hostAddr string) Directive {
	return Directive{Kind: RuleLookup, Src: hostAddr, Table: TableMain, Priority: PriorityBypass}
}
