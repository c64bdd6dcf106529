//go:build !linux

package rules

import "errors"

var errUnsupported = errors.New("kernel routing requires linux")

// LinuxKernel is a placeholder on non-linux platforms so the daemon still
// builds for development. Every operation fails.
type LinuxKernel struct{}

func NewLinuxKernel() *LinuxKernel { return &LinuxKernel{} }

func (*LinuxKernel) Apply(Directive) error            { return errUnsupported }
func (*LinuxKernel) Remove(Directive) error           { return errUnsupported }
func (*LinuxKernel) Present(Directive) (bool, error)  { return false, errUnsupported }
func (*LinuxKernel) EnableForwarding() error          { return errUnsupported }
func (*LinuxKernel) ForwardingEnabled() (bool, error) { return false, errUnsupported }
