package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"

	"meshgate/pkg/model"
)

// WGLink brings WireGuard tunnel interfaces up via wg-quick and inspects
// them through wgctrl. Config files are written under ConfDir, one per
// interface, mode 0600. It assumes wg-quick is installed and the caller has
// sufficient privileges.
type WGLink struct {
	ConfDir    string
	PrivateKey string
}

func NewWGLink(confDir, privateKey string) *WGLink {
	if confDir == "" {
		confDir = "/etc/wireguard"
	}
	return &WGLink{ConfDir: confDir, PrivateKey: privateKey}
}

func (w *WGLink) confPath(iface string) string {
	return filepath.Join(w.ConfDir, iface+".conf")
}

func (w *WGLink) Up(ctx context.Context, ep model.TunnelEndpoint, iface string) error {
	conf := RenderConfig(ep, w.PrivateKey)
	if err := os.MkdirAll(w.ConfDir, 0o700); err != nil {
		return fmt.Errorf("conf dir: %w", err)
	}
	path := w.confPath(iface)
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if ifaceExists(iface) {
		return syncConf(ctx, iface, path)
	}
	if err := run(ctx, "wg-quick", "up", path); err != nil {
		return fmt.Errorf("wg-quick up: %w", err)
	}
	return nil
}

func (w *WGLink) Down(iface string) error {
	path := w.confPath(iface)
	if ifaceExists(iface) {
		if err := run(context.Background(), "wg-quick", "down", path); err != nil {
			return fmt.Errorf("wg-quick down: %w", err)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (w *WGLink) State(iface string) (bool, time.Time, error) {
	ni, err := net.InterfaceByName(iface)
	if err != nil {
		return false, time.Time{}, nil
	}
	up := ni.Flags&net.FlagUp != 0

	c, err := wgctrl.New()
	if err != nil {
		return up, time.Time{}, fmt.Errorf("wgctrl: %w", err)
	}
	defer c.Close()
	dev, err := c.Device(iface)
	if err != nil {
		return up, time.Time{}, fmt.Errorf("wgctrl device %s: %w", iface, err)
	}
	var last time.Time
	for _, p := range dev.Peers {
		if p.LastHandshakeTime.After(last) {
			last = p.LastHandshakeTime
		}
	}
	return up, last, nil
}

// RenderConfig produces a wg-quick compatible config for a single-peer
// endpoint tunnel. All traffic entering the interface is allowed out through
// the remote peer; routing decides what actually goes in.
func RenderConfig(ep model.TunnelEndpoint, privateKey string) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	if ep.LocalAddr != "" {
		fmt.Fprintf(&b, "Address = %s\n", ep.LocalAddr)
	}
	if privateKey != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	}
	if len(ep.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(ep.DNS, ", "))
	}
	// wg-quick must not install its own routes or fwmark rules. Policy
	// routing owns the tables.
	b.WriteString("Table = off\n")
	b.WriteString("\n")

	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", ep.PublicKey)
	port := ep.ServerPort
	if port == 0 {
		port = 51820
	}
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", ep.ServerIP, port)
	b.WriteString("AllowedIPs = 0.0.0.0/0\n")
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}

func syncConf(ctx context.Context, iface, path string) error {
	stripCmd := exec.CommandContext(ctx, "wg-quick", "strip", path)
	conf, err := stripCmd.Output()
	if err != nil {
		return fmt.Errorf("wg-quick strip: %w", err)
	}
	cmd := exec.CommandContext(ctx, "wg", "syncconf", iface, "/dev/stdin")
	cmd.Stdin = strings.NewReader(string(conf))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("wg syncconf: %w output=%s", err, string(out))
	}
	return nil
}

func ifaceExists(iface string) bool {
	if iface == "" {
		return false
	}
	_, err := net.InterfaceByName(iface)
	return err == nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v failed: %v output=%s", name, args, err, string(out))
	}
	return nil
}
