// Package engine chains identity allocation, the worker pool and teardown
// into one simulation run against a single server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
	"github.com/wesleyorama2/mailsim/internal/simulator/iface"
	"github.com/wesleyorama2/mailsim/internal/simulator/identity"
	"github.com/wesleyorama2/mailsim/internal/simulator/metrics"
	"github.com/wesleyorama2/mailsim/internal/simulator/worker"
)

// ProfileStore is the profile database as the engine uses it.
type ProfileStore interface {
	identity.ProfileSaver
	List(ctx context.Context, server string) ([]identity.Profile, error)
	ClearInterfaces(ctx context.Context, server string) error
}

// Engine runs simulations described by a configuration.
type Engine struct {
	Config *config.Config
	Logger *zap.Logger

	Profiles   ProfileStore
	Directory  backend.Directory
	Interfaces iface.Provisioner
	Launcher   worker.Launcher

	// Metrics is optional.
	Metrics *metrics.Collectors

	// RunID labels logs and the result. Generated when empty.
	RunID string

	mu        sync.Mutex
	manifests map[string]*identity.Manifest
}

// Result summarizes one run.
type Result struct {
	RunID  string    `json:"run_id"`
	Server string    `json:"server"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`

	Slots          int `json:"slots"`
	Interfaces     int `json:"interfaces"`
	Launched       int `json:"launched"`
	Reaped         int `json:"reaped"`
	Abnormal       int `json:"abnormal"`
	Killed         int `json:"killed"`
	LaunchFailures int `json:"launch_failures"`

	// IdentityErrors are the slots that never got a worker.
	IdentityErrors []string `json:"identity_errors,omitempty"`

	Interrupted bool `json:"interrupted"`

	Invocations int64                 `json:"invocations"`
	Failures    int64                 `json:"failures"`
	Modules     []metrics.ModuleStats `json:"modules"`
}

// Duration returns how long the run took.
func (r *Result) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) runID() string {
	if e.RunID == "" {
		e.RunID = uuid.NewString()
	}
	return e.RunID
}

// AllocateIdentities validates srv and provisions every client slot. On a
// fatal error whatever was provisioned has been torn down again when it
// returns.
func (e *Engine) AllocateIdentities(ctx context.Context, srv *config.ServerConfig) (*identity.Manifest, error) {
	if err := e.Config.ValidateServer(srv.Name); err != nil {
		return nil, err
	}

	log := e.logger().With(zap.String("server", srv.Name))
	prov := &identity.Provisioner{
		Directory:  e.Directory,
		Interfaces: e.Interfaces,
		Profiles:   e.Profiles,
		Logger:     log,
	}

	m, err := prov.Allocate(ctx, srv)
	if m != nil {
		e.mu.Lock()
		if e.manifests == nil {
			e.manifests = make(map[string]*identity.Manifest)
		}
		e.manifests[srv.Name] = m
		e.mu.Unlock()
		if e.Metrics != nil {
			e.Metrics.Interfaces.Set(float64(m.Interfaces.Len()))
			e.Metrics.IdentityErrors.Add(float64(len(m.Failed)))
		}
	}

	if err != nil {
		log.Error("allocation failed, tearing down", zap.Error(err))
		if terr := e.Teardown(ctx, srv.Name); terr != nil {
			err = errors.Join(err, terr)
		}
		return m, fmt.Errorf("allocate identities for %s: %w", srv.Name, err)
	}

	log.Info("identities allocated",
		zap.Int("slots", len(m.Slots)),
		zap.Int("failed", len(m.Failed)),
		zap.Int("interfaces", m.Interfaces.Len()))
	return m, nil
}

// RunWorkerPool launches one worker per slot of m and waits for all of
// them. Interrupting ctx tears the interfaces down, waits out the grace
// period and kills what is left.
func (e *Engine) RunWorkerPool(ctx context.Context, m *identity.Manifest) (*worker.Pool, error) {
	jobs := make([]worker.Job, len(m.Slots))
	for i, slot := range m.Slots {
		jobs[i] = worker.Job{
			Slot:      slot.Profile.Index,
			Profile:   slot.Profile.Name,
			Address:   slot.Profile.Address,
			Interface: slot.Profile.Interface,
		}
	}

	pool := &worker.Pool{
		Launcher:   e.Launcher,
		Logger:     e.logger().With(zap.String("server", m.Server)),
		Interfaces: m.Interfaces,
		Grace:      e.Config.Options.Grace.GetDuration(config.DefaultGrace),
		Metrics:    e.Metrics,
		Pacer:      worker.NewPacer(e.Config.Options.LaunchRate),
	}
	if err := pool.Start(ctx, jobs); err != nil {
		return nil, err
	}
	return pool, pool.Wait()
}

// Teardown destroys every interface provisioned for server and forgets
// them in the profile store. It is safe to call more than once.
func (e *Engine) Teardown(ctx context.Context, server string) error {
	e.mu.Lock()
	m := e.manifests[server]
	e.mu.Unlock()
	if m == nil {
		return nil
	}

	log := e.logger().With(zap.String("server", server))
	err := m.Interfaces.DestroyAll(func(i int, h *iface.Handle, err error) {
		if err != nil {
			log.Error("interface teardown failed", zap.String("interface", h.Name), zap.Error(err))
		}
	})
	if e.Metrics != nil {
		e.Metrics.Interfaces.Set(0)
	}
	if err == nil && e.Profiles != nil && m.Interfaces.Len() > 0 {
		if cerr := e.Profiles.ClearInterfaces(context.WithoutCancel(ctx), server); cerr != nil {
			log.Warn("could not clear interface names", zap.Error(cerr))
		}
	}
	return err
}

// Run allocates, launches and tears down for the server called name.
func (e *Engine) Run(ctx context.Context, name string) (*Result, error) {
	srv, err := e.Config.Server(name)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: e.runID(), Server: srv.Name, Start: time.Now()}
	log := e.logger().With(zap.String("run_id", res.RunID), zap.String("server", srv.Name))
	log.Info("run starting", zap.Int("slots", srv.Slots()))

	m, err := e.AllocateIdentities(ctx, srv)
	if m != nil {
		res.Slots = len(m.Slots) + len(m.Failed)
		res.Interfaces = m.Interfaces.Len()
		for _, f := range m.Failed {
			res.IdentityErrors = append(res.IdentityErrors, f.Error())
		}
	}
	if err != nil {
		res.End = time.Now()
		res.Interrupted = errors.Is(err, context.Canceled)
		return res, err
	}

	pool, werr := e.RunWorkerPool(ctx, m)
	terr := e.Teardown(ctx, srv.Name)

	if pool != nil {
		for _, r := range pool.Records() {
			res.Launched++
			if r.State == worker.StateExited {
				res.Reaped++
			}
			if r.Abnormal() {
				res.Abnormal++
			}
			if r.Killed {
				res.Killed++
			}
		}
		res.LaunchFailures = len(pool.LaunchFailures())
		if stats := pool.Stats(); stats != nil {
			res.Modules = stats.Stats()
			res.Invocations, res.Failures = stats.Totals()
		}
	}
	res.End = time.Now()

	switch {
	case errors.Is(werr, context.Canceled):
		res.Interrupted = true
		log.Warn("run interrupted", zap.Int("reaped", res.Reaped))
		return res, errors.Join(werr, terr)
	case werr != nil:
		return res, errors.Join(werr, terr)
	}

	log.Info("run finished",
		zap.Int("launched", res.Launched),
		zap.Int("reaped", res.Reaped),
		zap.Int("abnormal", res.Abnormal),
		zap.Duration("duration", res.Duration()))
	return res, terr
}

// Releaser removes a leftover interface by name.
type Releaser interface {
	Release(name string) error
}

// ReleaseLeftovers removes the persistent interfaces a crashed run left
// behind for server, using the names in the profile store.
func (e *Engine) ReleaseLeftovers(ctx context.Context, server string, r Releaser) (int, error) {
	profiles, err := e.Profiles.List(ctx, server)
	if err != nil {
		return 0, err
	}

	log := e.logger().With(zap.String("server", server))
	var (
		released int
		errs     []error
	)
	for _, p := range profiles {
		if p.Interface == "" {
			continue
		}
		if err := r.Release(p.Interface); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Interface, err))
			continue
		}
		released++
		log.Info("released interface", zap.String("interface", p.Interface), zap.String("profile", p.Name))
	}

	if len(errs) > 0 {
		return released, errors.Join(errs...)
	}
	return released, e.Profiles.ClearInterfaces(ctx, server)
}
