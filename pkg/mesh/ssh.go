package mesh

import (
	"context"
	"fmt"
	"log"
)

// SSHConfigurer points enrolled peers at this host as their exit node over
// SSH. The engine invokes it after an enrollment is applied; failures are
// advisory and never affect routing state.
type SSHConfigurer struct {
	run      Runner
	username string
}

func NewSSHConfigurer(username string) *SSHConfigurer {
	if username == "" {
		username = "root"
	}
	return &SSHConfigurer{run: execRunner, username: username}
}

// NewSSHConfigurerWithRunner injects a command runner, for tests.
func NewSSHConfigurerWithRunner(run Runner, username string) *SSHConfigurer {
	c := NewSSHConfigurer(username)
	c.run = run
	return c
}

func (c *SSHConfigurer) ssh(ctx context.Context, target, remoteCmd string) error {
	_, err := c.run(ctx, "ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=10",
		fmt.Sprintf("%s@%s", c.username, target),
		remoteCmd)
	return err
}

// SelectExit sets hostAddr as the exit node on the peer.
func (c *SSHConfigurer) SelectExit(ctx context.Context, hostAddr, peerAddr string) error {
	cmd := fmt.Sprintf("tailscale set --exit-node=%s --exit-node-allow-lan-access", hostAddr)
	if err := c.ssh(ctx, peerAddr, cmd); err != nil {
		return fmt.Errorf("set exit node on %s: %w", peerAddr, err)
	}
	log.Printf("mesh: peer %s now exits via %s", peerAddr, hostAddr)
	return nil
}

// ClearExit removes the exit-node setting on the peer.
func (c *SSHConfigurer) ClearExit(ctx context.Context, peerAddr string) error {
	if err := c.ssh(ctx, peerAddr, "tailscale set --exit-node="); err != nil {
		return fmt.Errorf("clear exit node on %s: %w", peerAddr, err)
	}
	log.Printf("mesh: peer %s exit node cleared", peerAddr)
	return nil
}
