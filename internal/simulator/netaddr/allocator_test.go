package netaddr_test

import (
	"errors"
	"net"
	"testing"

	"github.com/wesleyorama2/mailsim/internal/simulator/netaddr"
)

func TestAvailableCount(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		want  int
	}{
		{"single address", "10.0.0.5", "10.0.0.5", 1},
		{"same subnet", "10.0.0.2", "10.0.0.254", 253},
		{"three addresses", "10.0.0.1", "10.0.0.3", 3},
		{"reversed host octet", "10.0.0.9", "10.0.0.3", 0},
		{"two subnets", "10.0.0.1", "10.0.1.254", 254*2 - 253 - 255},
		{"four subnets", "192.168.1.10", "192.168.4.20", 254*4 - 244 - 21},
		{"reversed third octet", "10.0.5.1", "10.0.2.1", 0},
		{"first octet above", "11.0.0.1", "10.0.0.9", 0},
		{"second octet above", "10.2.0.1", "10.1.0.9", 0},
		{"different second octet", "10.1.0.1", "10.2.0.9", 0},
		{"different first octet", "10.0.0.1", "11.0.0.9", 0},
		{"negative clamps to zero", "10.0.0.0", "10.0.1.255", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := netaddr.AvailableCount(net.ParseIP(tt.start), net.ParseIP(tt.end))
			if got != tt.want {
				t.Errorf("AvailableCount(%s, %s) = %d, want %d", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestAvailableCount_NotIPv4(t *testing.T) {
	if got := netaddr.AvailableCount(net.ParseIP("::1"), net.ParseIP("10.0.0.1")); got != 0 {
		t.Errorf("AvailableCount with IPv6 start = %d, want 0", got)
	}
}

func TestAllocator_Sequence(t *testing.T) {
	a, err := netaddr.NewAllocator(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.3"))
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for i, w := range want {
		ip, err := a.Next(i == 0)
		if err != nil {
			t.Fatalf("Next(%v) error = %v", i == 0, err)
		}
		if ip.String() != w {
			t.Errorf("address %d = %s, want %s", i, ip, w)
		}
	}

	if a.Used() != 2 {
		t.Errorf("Used() = %d, want 2", a.Used())
	}

	if _, err := a.Next(false); !errors.Is(err, netaddr.ErrAddressExhausted) {
		t.Errorf("Next past end error = %v, want ErrAddressExhausted", err)
	}
}

func TestAllocator_RestartAlwaysReturnsStart(t *testing.T) {
	a, err := netaddr.NewAllocator(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.10"))
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	for round := 0; round < 3; round++ {
		ip, _ := a.Next(true)
		if ip.String() != "10.0.0.1" {
			t.Errorf("round %d: Next(true) = %s, want 10.0.0.1", round, ip)
		}
		if a.Used() != 0 {
			t.Errorf("round %d: Used() after restart = %d, want 0", round, a.Used())
		}
		for i := 0; i < round+2; i++ {
			if _, err := a.Next(false); err != nil {
				t.Fatalf("Next(false) error = %v", err)
			}
		}
	}
}

func TestAllocator_WrapsIntoNextSubnet(t *testing.T) {
	a, err := netaddr.NewAllocator(net.ParseIP("10.0.0.253"), net.ParseIP("10.0.1.2"))
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	want := []string{"10.0.0.253", "10.0.0.254", "10.0.1.0", "10.0.1.1", "10.0.1.2"}
	for i, w := range want {
		ip, err := a.Next(i == 0)
		if err != nil {
			t.Fatalf("step %d: Next error = %v", i, err)
		}
		if ip.String() != w {
			t.Errorf("step %d = %s, want %s", i, ip, w)
		}
	}

	if _, err := a.Next(false); !errors.Is(err, netaddr.ErrAddressExhausted) {
		t.Errorf("expected exhaustion after %s, got %v", want[len(want)-1], err)
	}
}

func TestAllocator_ReturnedAddressIsACopy(t *testing.T) {
	a, _ := netaddr.NewAllocator(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.5"))

	first, _ := a.Next(true)
	_, _ = a.Next(false)

	if first.String() != "10.0.0.1" {
		t.Errorf("earlier address mutated to %s", first)
	}
}

func TestNewAllocator_RejectsIPv6(t *testing.T) {
	if _, err := netaddr.NewAllocator(net.ParseIP("fe80::1"), net.ParseIP("10.0.0.1")); err == nil {
		t.Error("expected error for IPv6 start address")
	}
}
