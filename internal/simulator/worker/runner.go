package worker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
	"github.com/wesleyorama2/mailsim/internal/simulator/identity"
	"github.com/wesleyorama2/mailsim/internal/simulator/metrics"
	"github.com/wesleyorama2/mailsim/internal/simulator/module"
)

// ProfileSource loads a stored profile by name.
type ProfileSource interface {
	Get(ctx context.Context, name string) (identity.Profile, error)
}

// Runner is the body of one worker: it logs on with its profile and runs
// the scenario modules against the session.
type Runner struct {
	Profiles  ProfileSource
	Client    backend.Client
	Scenarios []config.ScenarioConfig

	// BaseDir resolves relative case file paths.
	BaseDir string

	Logger *zap.Logger
	Tracer trace.Tracer
}

// Run executes job. Identity failures (missing profile, rejected logon)
// are returned as *identity.SlotError and no module is scheduled. Module
// failures only show up in the report.
func (r *Runner) Run(ctx context.Context, job Job) (*metrics.Report, error) {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("profile", job.Profile), zap.Int("slot", job.Slot))
	log.Debug("worker state", zap.Stringer("state", StateProvisioning))

	prof, err := r.Profiles.Get(ctx, job.Profile)
	if err != nil {
		return nil, &identity.SlotError{Index: job.Slot, Username: job.Profile, Err: err}
	}

	acct := prof.Account()
	if acct.LocalAddr == nil && job.Address != nil {
		acct.LocalAddr = job.Address
	}

	session, err := r.Client.Logon(ctx, acct)
	if err != nil {
		log.Error("logon failed", zap.String("user", prof.Username), zap.Error(err))
		return nil, &identity.SlotError{Index: job.Slot, Username: prof.Username, Err: fmt.Errorf("logon: %w", err)}
	}
	defer func() {
		if err := session.Logoff(context.WithoutCancel(ctx)); err != nil {
			log.Warn("logoff failed", zap.Error(err))
		}
	}()

	stats := metrics.NewRecorder()
	reg, err := module.FromScenarios(r.Scenarios, module.Options{Logger: log, Stats: stats, Tracer: r.Tracer})
	if reg == nil {
		return nil, err
	}

	log.Debug("worker state", zap.Stringer("state", StateScheduling), zap.Int("modules", reg.Len()))
	sum := reg.Run(ctx, &module.Env{Session: session, Logger: log, BaseDir: r.BaseDir})

	log.Info("worker finished",
		zap.Int("passes", sum.Passes),
		zap.Int("invocations", sum.Invocations),
		zap.Int("failures", sum.Failures),
		zap.Bool("cleanup", sum.CleanupRan),
		zap.Bool("interrupted", sum.Interrupted))

	if sum.Interrupted {
		return stats.Report(), ctx.Err()
	}
	return stats.Report(), nil
}
