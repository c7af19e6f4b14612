//go:build !linux

package iface

import "net"

// TAPProvisioner is only functional on Linux.
type TAPProvisioner struct {
	NamePattern string
}

func NewTAPProvisioner() *TAPProvisioner {
	return &TAPProvisioner{NamePattern: "tap%d"}
}

func (p *TAPProvisioner) Create(addr net.IP) (*Handle, error) {
	return nil, &CreateError{Step: StepOpen, Addr: addr, Err: ErrUnsupported}
}

func (p *TAPProvisioner) Release(name string) error {
	return ErrUnsupported
}
