package mesh

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusJSON = `{
  "MagicDNSSuffix": "tail1234.ts.net.",
  "Self": {
    "HostName": "gateway",
    "TailscaleIPs": ["100.64.0.1"],
    "Online": true,
    "AllowedIPs": ["100.64.0.1/32", "0.0.0.0/0", "::/0"]
  },
  "Peer": {
    "k1": {"HostName": "laptop", "OS": "macOS", "TailscaleIPs": ["100.64.0.5"], "Online": true},
    "k2": {"HostName": "nas", "OS": "linux", "TailscaleIPs": ["100.64.0.6"], "Online": false},
    "k3": {"HostName": "other-exit", "TailscaleIPs": ["100.64.0.7"], "ExitNodeOption": true},
    "k4": {"HostName": "gateway", "TailscaleIPs": ["100.64.0.1"]}
  }
}`

func fixedRunner(out string, err error) Runner {
	return func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestPeersFiltersSelfAndExitNodes(t *testing.T) {
	d := NewDirectoryWithRunner(fixedRunner(statusJSON, nil))
	peers, err := d.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)

	byAddr := map[string]string{}
	for _, p := range peers {
		byAddr[p.MeshAddr] = p.Hostname
	}
	assert.Equal(t, "laptop", byAddr["100.64.0.5"])
	assert.Equal(t, "nas", byAddr["100.64.0.6"])
}

func TestExitStatusFromAllowedIPs(t *testing.T) {
	d := NewDirectoryWithRunner(fixedRunner(statusJSON, nil))
	addr, advertising, err := d.ExitStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.1", addr)
	assert.True(t, advertising)
}

func TestStatusCommandFailure(t *testing.T) {
	d := NewDirectoryWithRunner(fixedRunner("", errors.New("tailscaled not running")))
	_, err := d.Peers(context.Background())
	require.Error(t, err)
}

func TestSSHConfigurerCommand(t *testing.T) {
	var gotArgs []string
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return nil, nil
	}
	c := NewSSHConfigurerWithRunner(run, "")
	require.NoError(t, c.SelectExit(context.Background(), "100.64.0.1", "100.64.0.5"))
	assert.Equal(t, "ssh", gotArgs[0])
	assert.Contains(t, gotArgs, "root@100.64.0.5")
	assert.Contains(t, gotArgs, "tailscale set --exit-node=100.64.0.1 --exit-node-allow-lan-access")
}
