package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
	"github.com/wesleyorama2/mailsim/internal/simulator/iface"
)

// Backend is the protocol client and directory for one server.
type Backend interface {
	backend.Client
	backend.Directory
}

// NewBackend returns the HTTP backend for srv, or an in-memory server
// that accepts any identity when srv has no base URL. A non-nil dump
// logger receives the request and response bodies of the HTTP backend.
func NewBackend(srv *config.ServerConfig, timeout time.Duration, dump *zap.Logger) Backend {
	if srv.BaseURL == "" {
		return backend.NewMemoryAutoCreate()
	}
	cfg := backend.DefaultHTTPConfig(srv.BaseURL)
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	cfg.Dump = dump
	return backend.NewHTTPClient(cfg)
}

// NewInterfaceProvisioner returns the provisioner for an interface mode.
func NewInterfaceProvisioner(mode string) (iface.Provisioner, error) {
	switch mode {
	case "", config.DefaultInterfaces:
		return iface.NewTAPProvisioner(), nil
	case "none":
		return &iface.NoopProvisioner{}, nil
	default:
		return nil, fmt.Errorf("unknown interface mode %q", mode)
	}
}
