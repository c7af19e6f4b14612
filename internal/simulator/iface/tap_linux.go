//go:build linux

package iface

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

const tunDevice = "/dev/net/tun"

// TAPProvisioner creates persistent TAP devices through /dev/net/tun and
// assigns each one an IPv4 address.
type TAPProvisioner struct {
	// NamePattern is handed to the kernel as the interface name. The
	// default "tap%d" lets the kernel pick the next free index.
	NamePattern string
}

// NewTAPProvisioner returns a provisioner using kernel-chosen tapN names.
func NewTAPProvisioner() *TAPProvisioner {
	return &TAPProvisioner{NamePattern: "tap%d"}
}

// Create opens a TAP device, hands it to the effective user, marks it
// persistent and binds addr to it.
func (p *TAPProvisioner) Create(addr net.IP) (*Handle, error) {
	ip4 := addr.To4()
	if ip4 == nil {
		return nil, &CreateError{Step: StepBind, Addr: addr, Err: fmt.Errorf("not an IPv4 address")}
	}

	fd, name, err := attach(p.NamePattern)
	if err != nil {
		return nil, &CreateError{Step: StepAttach, Addr: addr, Err: err}
	}

	if err := unix.IoctlSetInt(fd, unix.TUNSETOWNER, os.Geteuid()); err != nil {
		unix.Close(fd)
		return nil, &CreateError{Step: StepOwner, Addr: addr, Err: err}
	}

	if err := unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 1); err != nil {
		unix.Close(fd)
		return nil, &CreateError{Step: StepPersist, Addr: addr, Err: err}
	}

	if err := bindAddr(name, ip4); err != nil {
		_ = unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 0)
		unix.Close(fd)
		return nil, &CreateError{Step: StepBind, Addr: addr, Err: err}
	}

	release := func() error {
		defer unix.Close(fd)
		return unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 0)
	}
	return NewHandle(name, ip4, fd, release), nil
}

// Release clears persistence on an interface left behind by an earlier
// process, identified by name.
func (p *TAPProvisioner) Release(name string) error {
	fd, _, err := attach(name)
	if err != nil {
		return fmt.Errorf("attach %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 0); err != nil {
		return fmt.Errorf("clear persist on %s: %w", name, err)
	}
	return nil
}

// attach opens the clone device and binds it to a TAP interface named
// after pattern. It returns the fd and the name the kernel assigned.
func attach(pattern string) (int, string, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, "", fmt.Errorf("open %s: %w", tunDevice, err)
	}

	ifr, err := unix.NewIfreq(pattern)
	if err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	ifr.SetUint16(uint16(unix.IFF_TAP | unix.IFF_NO_PI))

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("TUNSETIFF: %w", err)
	}
	return fd, ifr.Name(), nil
}

func bindAddr(name string, ip4 net.IP) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	if err := ifr.SetInet4Addr(ip4); err != nil {
		return err
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFADDR, ifr); err != nil {
		return fmt.Errorf("SIOCSIFADDR: %w", err)
	}
	return nil
}
