//go:build linux

package rules

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var forwardingSysctls = []string{
	"/proc/sys/net/ipv4/ip_forward",
	"/proc/sys/net/ipv6/conf/all/forwarding",
}

// LinuxKernel is the real KernelStateStore: routes and ip-rules go through
// netlink, forwarding and NAT through iptables.
type LinuxKernel struct{}

func NewLinuxKernel() *LinuxKernel { return &LinuxKernel{} }

func (l *LinuxKernel) Apply(d Directive) error {
	switch d.Kind {
	case RouteDefault:
		return l.applyRoute(d)
	case RuleLookup:
		return l.applyRule(d)
	case ForwardPair:
		return l.applyForward(d)
	case Masquerade:
		return ensureIptables(masqArgs(d))
	}
	return fmt.Errorf("unsupported directive kind %d", d.Kind)
}

func (l *LinuxKernel) Remove(d Directive) error {
	switch d.Kind {
	case RouteDefault:
		return l.removeRoute(d)
	case RuleLookup:
		return l.removeRule(d)
	case ForwardPair:
		errA := deleteIptables(forwardOutArgs(d))
		errB := deleteIptables(forwardBackArgs(d))
		if errors.Is(errA, ErrAbsent) && errors.Is(errB, ErrAbsent) {
			return ErrAbsent
		}
		if errA != nil && !errors.Is(errA, ErrAbsent) {
			return errA
		}
		if errB != nil && !errors.Is(errB, ErrAbsent) {
			return errB
		}
		return nil
	case Masquerade:
		return deleteIptables(masqArgs(d))
	}
	return fmt.Errorf("unsupported directive kind %d", d.Kind)
}

func (l *LinuxKernel) Present(d Directive) (bool, error) {
	switch d.Kind {
	case RouteDefault:
		return l.routePresent(d)
	case RuleLookup:
		return l.rulePresent(d)
	case ForwardPair:
		return checkIptables(forwardOutArgs(d)) && checkIptables(forwardBackArgs(d)), nil
	case Masquerade:
		return checkIptables(masqArgs(d)), nil
	}
	return false, fmt.Errorf("unsupported directive kind %d", d.Kind)
}

// EnableForwarding flips the v4 and v6 forwarding sysctls on.
func (l *LinuxKernel) EnableForwarding() error {
	for _, p := range forwardingSysctls {
		if err := os.WriteFile(p, []byte("1\n"), 0o644); err != nil {
			return fmt.Errorf("enable forwarding %s: %w", p, err)
		}
	}
	return nil
}

// ForwardingEnabled reports whether both forwarding sysctls are on.
func (l *LinuxKernel) ForwardingEnabled() (bool, error) {
	for _, p := range forwardingSysctls {
		b, err := os.ReadFile(p)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", p, err)
		}
		if strings.TrimSpace(string(b)) != "1" {
			return false, nil
		}
	}
	return true, nil
}

// --- routes ---

func (l *LinuxKernel) applyRoute(d Directive) error {
	link, err := netlink.LinkByName(d.Iface)
	if err != nil {
		return fmt.Errorf("link %s: %w", d.Iface, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Table:     d.Table,
		Scope:     netlink.SCOPE_LINK,
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("route replace table %d dev %s: %w", d.Table, d.Iface, err)
	}
	return nil
}

func (l *LinuxKernel) removeRoute(d Directive) error {
	link, err := netlink.LinkByName(d.Iface)
	if err != nil {
		// interface gone: its routes were flushed by the kernel
		return ErrAbsent
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Table:     d.Table,
		Scope:     netlink.SCOPE_LINK,
	}
	if err := netlink.RouteDel(route); err != nil {
		if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENOENT) {
			return ErrAbsent
		}
		return fmt.Errorf("route del table %d dev %s: %w", d.Table, d.Iface, err)
	}
	return nil
}

func (l *LinuxKernel) routePresent(d Directive) (bool, error) {
	link, err := netlink.LinkByName(d.Iface)
	if err != nil {
		return false, nil
	}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{Table: d.Table}, netlink.RT_FILTER_TABLE)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("route list table %d: %w", d.Table, err)
	}
	for _, r := range routes {
		if r.Dst == nil && r.LinkIndex == link.Attrs().Index {
			return true, nil
		}
	}
	return false, nil
}

// --- ip rules ---

func (l *LinuxKernel) applyRule(d Directive) error {
	rule := netlink.NewRule()
	rule.Family = netlink.FAMILY_V4
	rule.Priority = d.Priority
	rule.Table = d.Table
	rule.Src = hostNet(d.Src)
	if err := netlink.RuleAdd(rule); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil
		}
		return fmt.Errorf("rule add from %s table %d: %w", d.Src, d.Table, err)
	}
	return nil
}

func (l *LinuxKernel) removeRule(d Directive) error {
	rule := netlink.NewRule()
	rule.Family = netlink.FAMILY_V4
	rule.Priority = d.Priority
	rule.Table = d.Table
	rule.Src = hostNet(d.Src)
	if err := netlink.RuleDel(rule); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH) {
			return ErrAbsent
		}
		return fmt.Errorf("rule del from %s table %d: %w", d.Src, d.Table, err)
	}
	return nil
}

func (l *LinuxKernel) rulePresent(d Directive) (bool, error) {
	rls, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return false, fmt.Errorf("rule list: %w", err)
	}
	want := hostNet(d.Src)
	for _, r := range rls {
		if r.Priority != d.Priority || r.Table != d.Table || r.Src == nil {
			continue
		}
		if r.Src.IP.Equal(want.IP) {
			return true, nil
		}
	}
	return false, nil
}

func hostNet(addr string) *net.IPNet {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}

// --- iptables ---

func forwardOutArgs(d Directive) []string {
	return []string{"FORWARD", "-s", d.Src, "-o", d.Iface, "-j", "ACCEPT"}
}

func forwardBackArgs(d Directive) []string {
	return []string{"FORWARD", "-d", d.Src, "-i", d.Iface,
		"-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}
}

func masqArgs(d Directive) []string {
	return []string{"-t", "nat", "POSTROUTING", "-s", d.Src, "-o", d.Iface, "-j", "MASQUERADE"}
}

func (l *LinuxKernel) applyForward(d Directive) error {
	if err := ensureIptables(forwardOutArgs(d)); err != nil {
		return err
	}
	if err := ensureIptables(forwardBackArgs(d)); err != nil {
		// the pair is one directive: don't leave half of it behind
		_ = deleteIptables(forwardOutArgs(d))
		return err
	}
	return nil
}

// withOp splices the iptables operation flag (-C/-A/-D) in front of the chain
// name, honoring a leading "-t <table>" pair.
func withOp(op string, args []string) []string {
	out := make([]string, 0, len(args)+1)
	i := 0
	if len(args) >= 2 && args[0] == "-t" {
		out = append(out, args[0], args[1])
		i = 2
	}
	out = append(out, op)
	out = append(out, args[i:]...)
	return out
}

func checkIptables(args []string) bool {
	return exec.Command("iptables", withOp("-C", args)...).Run() == nil
}

func ensureIptables(args []string) error {
	if checkIptables(args) {
		return nil
	}
	if out, err := exec.Command("iptables", withOp("-A", args)...).CombinedOutput(); err != nil {
		return fmt.Errorf("iptables add %v: %v (%s)", args, err, string(out))
	}
	return nil
}

func deleteIptables(args []string) error {
	if !checkIptables(args) {
		return ErrAbsent
	}
	if out, err := exec.Command("iptables", withOp("-D", args)...).CombinedOutput(); err != nil {
		return fmt.Errorf("iptables del %v: %v (%s)", args, err, string(out))
	}
	return nil
}
