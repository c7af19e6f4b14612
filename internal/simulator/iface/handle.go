// Package iface creates and destroys the per-client virtual network
// interfaces that give every simulated client its own source address.
package iface

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
)

// ErrUnsupported is returned when virtual interfaces cannot be created on
// the current platform.
var ErrUnsupported = errors.New("virtual interfaces are not supported on this platform")

// Step names the provisioning stage that failed.
type Step string

const (
	StepOpen    Step = "open"
	StepAttach  Step = "attach"
	StepOwner   Step = "owner"
	StepPersist Step = "persist"
	StepBind    Step = "bind"
)

// CreateError reports a failed interface creation. Whatever was partially
// set up has already been released when it is returned.
type CreateError struct {
	Step Step
	Addr net.IP
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create interface for %s: %s: %v", e.Addr, e.Step, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// Provisioner creates one interface bound to a source address.
type Provisioner interface {
	Create(addr net.IP) (*Handle, error)
}

// Handle is a provisioned interface. Destroy releases it exactly once.
type Handle struct {
	// Name is the OS interface name, e.g. "tap3".
	Name string

	// Addr is the IPv4 address bound to the interface.
	Addr net.IP

	fd      int
	closed  atomic.Bool
	release func() error
}

// NewHandle wraps an already provisioned resource. release is called on the
// first Destroy only and may be nil.
func NewHandle(name string, addr net.IP, fd int, release func() error) *Handle {
	return &Handle{
		Name:    name,
		Addr:    addr,
		fd:      fd,
		release: release,
	}
}

// FD returns the file descriptor backing the interface, or -1.
func (h *Handle) FD() int {
	return h.fd
}

// Closed reports whether Destroy has been called.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// Destroy releases the interface. Calls after the first are no-ops.
func (h *Handle) Destroy() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.release == nil {
		return nil
	}
	if err := h.release(); err != nil {
		return fmt.Errorf("destroy interface %s: %w", h.Name, err)
	}
	return nil
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s (%s, fd %d)", h.Name, h.Addr, h.fd)
}
