package iface

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// NoopProvisioner hands out handles that hold no OS resource. It is used
// when the server address is reachable without per-client interfaces and
// in tests.
type NoopProvisioner struct {
	next atomic.Int32
}

func (p *NoopProvisioner) Create(addr net.IP) (*Handle, error) {
	n := p.next.Add(1) - 1
	return NewHandle(fmt.Sprintf("noop%d", n), addr, -1, nil), nil
}

// Set is the ordered list of interfaces provisioned for one server.
type Set struct {
	mu      sync.Mutex
	handles []*Handle
}

// Add appends h to the set. Nil handles are ignored.
func (s *Set) Add(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
}

// Len returns the number of handles in the set.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Handles returns a snapshot of the set.
func (s *Set) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// DestroyAll destroys every handle in order. onDestroy, if set, is called
// once per handle with its position and the result of Destroy. Already
// destroyed handles report a nil error. All errors are joined.
func (s *Set) DestroyAll(onDestroy func(i int, h *Handle, err error)) error {
	var errs []error
	for i, h := range s.Handles() {
		err := h.Destroy()
		if onDestroy != nil {
			onDestroy(i, h, err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
