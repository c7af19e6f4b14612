package identity

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
	"github.com/wesleyorama2/mailsim/internal/simulator/iface"
	"github.com/wesleyorama2/mailsim/internal/simulator/netaddr"
)

// SlotError is an identity failure confined to one client slot.
type SlotError struct {
	Index    int
	Username string
	Err      error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("identity %s (slot %d): %v", e.Username, e.Index, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}

// ProfileSaver persists provisioned profiles.
type ProfileSaver interface {
	Save(ctx context.Context, p Profile) error
}

// Slot is one entry of the launch manifest.
type Slot struct {
	Profile Profile

	// Handle is nil when the server needs no per-client interface.
	Handle *iface.Handle
}

// Manifest is the outcome of an allocation.
type Manifest struct {
	Server string
	Slots  []Slot

	// Failed lists the slots whose identity could not be provisioned.
	Failed []*SlotError

	// Interfaces holds every interface still provisioned for the server,
	// including those created before a fatal error.
	Interfaces *iface.Set

	// AddressesUsed is the allocator's advance count.
	AddressesUsed int
}

// Err joins the per-slot failures.
func (m *Manifest) Err() error {
	errs := make([]error, len(m.Failed))
	for i, e := range m.Failed {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Provisioner turns a server configuration into a launch manifest.
type Provisioner struct {
	Directory  backend.Directory
	Interfaces iface.Provisioner
	Profiles   ProfileSaver
	Logger     *zap.Logger
}

func (p *Provisioner) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Allocate provisions every client slot of srv. It runs on a single
// goroutine before any worker exists.
//
// A returned error is fatal (address exhaustion or interface creation). The
// manifest is returned in every case so the caller can tear down its
// Interfaces.
func (p *Provisioner) Allocate(ctx context.Context, srv *config.ServerConfig) (*Manifest, error) {
	m := &Manifest{Server: srv.Name, Interfaces: &iface.Set{}}
	log := p.logger().With(zap.String("server", srv.Name))

	if !srv.Ranged() {
		return m, p.allocateSingle(ctx, srv, m, log)
	}
	return m, p.allocateRange(ctx, srv, m, log)
}

func (p *Provisioner) allocateSingle(ctx context.Context, srv *config.ServerConfig, m *Manifest, log *zap.Logger) error {
	prof := NewProfile(srv, 0, nil)
	if err := p.ensure(ctx, prof); err != nil {
		m.Failed = append(m.Failed, &SlotError{Index: 0, Username: prof.Username, Err: err})
		log.Error("identity provisioning failed", zap.String("user", prof.Username), zap.Error(err))
		return nil
	}
	if err := p.save(ctx, prof); err != nil {
		m.Failed = append(m.Failed, &SlotError{Index: 0, Username: prof.Username, Err: err})
		return nil
	}
	m.Slots = append(m.Slots, Slot{Profile: prof})
	log.Debug("identity ready", zap.String("profile", prof.Name))
	return nil
}

func (p *Provisioner) allocateRange(ctx context.Context, srv *config.ServerConfig, m *Manifest, log *zap.Logger) error {
	slots := srv.Slots()
	if slots <= 0 {
		return nil
	}

	alloc, err := netaddr.NewAllocator(net.ParseIP(srv.IPRange.Start), net.ParseIP(srv.IPRange.End))
	if err != nil {
		return err
	}

	addr, err := alloc.Next(true)
	if err != nil {
		return err
	}

	// The reference identity owns the first index and address.
	ref := NewProfile(srv, srv.Range.Start, addr)
	refOK := true
	if err := p.ensure(ctx, ref); err != nil {
		refOK = false
		m.Failed = append(m.Failed, &SlotError{Index: ref.Index, Username: ref.Username, Err: err})
		log.Error("reference identity failed", zap.String("user", ref.Username), zap.Error(err))
	} else {
		h, err := p.Interfaces.Create(addr)
		if err != nil {
			return err
		}
		m.Interfaces.Add(h)
		ref.Interface = h.Name
		if err := p.save(ctx, ref); err != nil {
			_ = h.Destroy()
			m.Failed = append(m.Failed, &SlotError{Index: ref.Index, Username: ref.Username, Err: err})
		} else {
			m.Slots = append(m.Slots, Slot{Profile: ref, Handle: h})
		}
	}

	for index := srv.Range.Start + 1; index < srv.Range.End; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr, err := alloc.Next(false)
		m.AddressesUsed = alloc.Used()
		if err != nil {
			if errors.Is(err, netaddr.ErrAddressExhausted) {
				log.Error("address range exhausted",
					zap.Int("slot", index),
					zap.String("last_address", alloc.Current().String()),
					zap.Int("used", alloc.Used()))
			}
			return err
		}

		h, err := p.Interfaces.Create(addr)
		if err != nil {
			return err
		}
		m.Interfaces.Add(h)

		prof := NewProfile(srv, index, addr)
		prof.Interface = h.Name

		if srv.Templates && refOK {
			err = p.duplicate(ctx, ref.Username, prof)
		} else {
			err = p.ensure(ctx, prof)
		}
		if err == nil {
			err = p.save(ctx, prof)
		}
		if err != nil {
			if derr := h.Destroy(); derr != nil {
				log.Warn("interface release failed", zap.String("interface", h.Name), zap.Error(derr))
			}
			m.Failed = append(m.Failed, &SlotError{Index: index, Username: prof.Username, Err: err})
			log.Error("identity provisioning failed",
				zap.String("user", prof.Username),
				zap.String("address", addr.String()),
				zap.Error(err))
			continue
		}

		m.Slots = append(m.Slots, Slot{Profile: prof, Handle: h})
		log.Debug("identity ready",
			zap.String("profile", prof.Name),
			zap.String("address", addr.String()),
			zap.String("interface", h.Name))
	}

	m.AddressesUsed = alloc.Used()
	return nil
}

// ensure creates prof's identity unless it already exists.
func (p *Provisioner) ensure(ctx context.Context, prof Profile) error {
	ok, err := p.Directory.Exists(ctx, prof.Username)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	if ok {
		return nil
	}
	if err := p.Directory.Create(ctx, prof.Account()); err != nil && !errors.Is(err, backend.ErrExists) {
		return fmt.Errorf("create: %w", err)
	}
	return nil
}

// duplicate clones reference into prof. An identity left by an earlier run
// is accepted as is.
func (p *Provisioner) duplicate(ctx context.Context, reference string, prof Profile) error {
	err := p.Directory.Duplicate(ctx, reference, prof.Account())
	if err != nil && !errors.Is(err, backend.ErrExists) {
		return fmt.Errorf("duplicate from %s: %w", reference, err)
	}
	return nil
}

func (p *Provisioner) save(ctx context.Context, prof Profile) error {
	if p.Profiles == nil {
		return nil
	}
	return p.Profiles.Save(ctx, prof)
}
