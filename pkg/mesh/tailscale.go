// Package mesh wraps the overlay network's CLI: peer directory, exit-node
// advertisement and remote exit-node selection on enrolled peers.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"time"

	"meshgate/pkg/model"
)

// Runner executes a CLI command and returns its stdout. Injectable for tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s %v: %v stderr=%s", name, args, err, string(ee.Stderr))
		}
		return nil, fmt.Errorf("%s %v: %w", name, args, err)
	}
	return out, nil
}

// Directory reads the mesh peer list and the host's exit-node state from
// `tailscale status --json`.
type Directory struct {
	run Runner
}

func NewDirectory() *Directory {
	return &Directory{run: execRunner}
}

// NewDirectoryWithRunner injects a command runner, for tests.
func NewDirectoryWithRunner(run Runner) *Directory {
	return &Directory{run: run}
}

// tsStatus is the subset of `tailscale status --json` output we consume.
type tsStatus struct {
	MagicDNSSuffix string
	Self           tsNode
	Peer           map[string]tsNode
}

type tsNode struct {
	HostName          string
	DNSName           string
	OS                string
	TailscaleIPs      []string
	Tags              []string
	Online            bool
	LastSeen          time.Time
	ExitNode          bool
	ExitNodeOption    bool
	AdvertiseExitNode bool
	AllowedIPs        []string
}

func (d *Directory) status(ctx context.Context) (*tsStatus, error) {
	out, err := d.run(ctx, "tailscale", "status", "--json")
	if err != nil {
		return nil, fmt.Errorf("mesh status: %w", err)
	}
	var st tsStatus
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, fmt.Errorf("mesh status parse: %w", err)
	}
	return &st, nil
}

// Peers lists routable mesh members: the host itself and nodes that are
// themselves exit nodes are filtered out, since routing an exit node through
// a tunnel would loop traffic.
func (d *Directory) Peers(ctx context.Context) ([]model.Peer, error) {
	st, err := d.status(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Peer
	for _, p := range st.Peer {
		if p.ExitNode || p.ExitNodeOption {
			continue
		}
		if p.HostName == st.Self.HostName {
			continue
		}
		if len(p.TailscaleIPs) == 0 {
			continue
		}
		out = append(out, model.Peer{
			MeshAddr: p.TailscaleIPs[0],
			Hostname: p.HostName,
			OS:       p.OS,
			Tags:     p.Tags,
			Online:   p.Online,
			LastSeen: p.LastSeen,
		})
	}
	return out, nil
}

// ExitStatus reports the host's mesh address and whether it advertises
// itself as an exit node. Satisfies the reconciler's exit-node source.
func (d *Directory) ExitStatus(ctx context.Context) (string, bool, error) {
	st, err := d.status(ctx)
	if err != nil {
		return "", false, err
	}
	addr := ""
	if len(st.Self.TailscaleIPs) > 0 {
		addr = st.Self.TailscaleIPs[0]
	}
	advertising := st.Self.AdvertiseExitNode || st.Self.ExitNodeOption
	if !advertising {
		for _, ip := range st.Self.AllowedIPs {
			if ip == "0.0.0.0/0" || ip == "::/0" {
				advertising = true
				break
			}
		}
	}
	return addr, advertising, nil
}

// AdvertiseExitNode toggles the host's exit-node advertisement.
func (d *Directory) AdvertiseExitNode(ctx context.Context, enable bool) error {
	flag := "--advertise-exit-node"
	if !enable {
		flag = "--advertise-exit-node=false"
	}
	if _, err := d.run(ctx, "tailscale", "up", flag); err != nil {
		return fmt.Errorf("advertise exit node: %w", err)
	}
	log.Printf("mesh: exit node advertise=%v", enable)
	return nil
}
