// Package netaddr hands out sequential IPv4 source addresses from a
// bounded range, one per simulated client.
package netaddr

import (
	"errors"
	"fmt"
	"net"
)

// HostsPerSubnet is the number of usable host addresses assumed per /24
// when a range spans more than one third-octet block.
const HostsPerSubnet = 254

// ErrAddressExhausted is returned by Next when the cursor would move past
// the end of the range. It is fatal for the run.
var ErrAddressExhausted = errors.New("no IP address left in range")

// AvailableCount returns how many host addresses lie between start and end.
//
// Only ranges inside a single class-B block are supported: when the first
// two octets differ, or start is above end in either of them, the result
// is 0. A multi-subnet range is counted with HostsPerSubnet hosts per
// subnet, trimmed by the unused head of the first subnet and tail of the
// last one.
func AvailableCount(start, end net.IP) int {
	s, e := start.To4(), end.To4()
	if s == nil || e == nil {
		return 0
	}
	if s[0] > e[0] || s[1] > e[1] {
		return 0
	}
	if s[0] != e[0] || s[1] != e[1] {
		return 0
	}

	if s[2] != e[2] {
		if s[2] > e[2] {
			return 0
		}
		diff := int(e[2]) - int(s[2])
		n := HostsPerSubnet*(diff+1) - (HostsPerSubnet - int(s[3])) - (int(e[3]) + 1)
		if n < 0 {
			return 0
		}
		return n
	}

	if s[3] > e[3] {
		return 0
	}
	return int(e[3]) - int(s[3]) + 1
}

// Allocator walks an address range. It is not safe for concurrent use;
// allocation happens on a single goroutine before any worker starts.
type Allocator struct {
	start net.IP
	end   net.IP
	cur   net.IP
	used  int
}

// NewAllocator returns an allocator over [start, end]. Both addresses must
// be IPv4.
func NewAllocator(start, end net.IP) (*Allocator, error) {
	s, e := start.To4(), end.To4()
	if s == nil {
		return nil, fmt.Errorf("start address %q is not IPv4", start)
	}
	if e == nil {
		return nil, fmt.Errorf("end address %q is not IPv4", end)
	}
	return &Allocator{
		start: cloneIP(s),
		end:   cloneIP(e),
		cur:   cloneIP(s),
	}, nil
}

// Next returns the next address of the range. With first set the cursor is
// rewound to the start of the range and the start address is returned.
//
// Within a subnet below the last one the fourth octet wraps from 255 to 0
// and carries into the third octet. On the last subnet the cursor stops at
// end and any further call returns ErrAddressExhausted.
func (a *Allocator) Next(first bool) (net.IP, error) {
	if first {
		copy(a.cur, a.start)
		a.used = 0
		return cloneIP(a.cur), nil
	}

	switch {
	case a.cur[2] < a.end[2]:
		a.cur[3]++
		if a.cur[3] == 255 {
			a.cur[3] = 0
			a.cur[2]++
		}
	case a.cur[2] == a.end[2] && a.cur[3] < a.end[3]:
		a.cur[3]++
	default:
		return nil, fmt.Errorf("%w (%s - %s, %d used)", ErrAddressExhausted, a.start, a.end, a.used+1)
	}

	a.used++
	return cloneIP(a.cur), nil
}

// Used returns the number of successful advances since the last rewind.
func (a *Allocator) Used() int {
	return a.used
}

// Current returns a copy of the cursor.
func (a *Allocator) Current() net.IP {
	return cloneIP(a.cur)
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
