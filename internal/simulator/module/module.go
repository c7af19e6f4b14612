// Package module holds the scenario modules a worker runs and the
// round-robin scheduler that drives them.
package module

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
)

// State is the scheduling state of a module.
type State int32

const (
	// StatePending means the module still owes invocations.
	StatePending State = iota
	// StateExhausted means the repeat counter reached zero.
	StateExhausted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Env is what a module invocation runs against.
type Env struct {
	Session backend.Session
	Logger  *zap.Logger

	// BaseDir resolves relative body and attachment paths.
	BaseDir string
}

// Path resolves p against BaseDir.
func (e *Env) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || e.BaseDir == "" {
		return p
	}
	return filepath.Join(e.BaseDir, p)
}

// ClientIP returns the session's source address, or "" when unbound.
func (e *Env) ClientIP() string {
	if e.Session == nil {
		return ""
	}
	if ip := e.Session.LocalAddr(); ip != nil {
		return ip.String()
	}
	return ""
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Timing logs how long one case of scenario took.
func (e *Env) Timing(scenario, caseName string, start time.Time) {
	e.logger().Info("timing",
		zap.String("scenario", scenario),
		zap.String("client_ip", e.ClientIP()),
		zap.String("case", caseName),
		zap.Duration("duration", time.Since(start)))
}

// RunFunc performs one invocation of a module over its cases.
type RunFunc func(ctx context.Context, env *Env, cases []config.CaseConfig) error

// Module is a named unit of repeatable protocol activity.
type Module struct {
	Name        string
	Description string

	// Scenario is the configuration the module was built from, if any.
	Scenario *config.ScenarioConfig

	Cases []config.CaseConfig
	Run   RunFunc

	repeat int
}

// New returns a module owing repeat invocations. Negative counts are
// treated as zero.
func New(name, description string, repeat int, run RunFunc) *Module {
	if repeat < 0 {
		repeat = 0
	}
	return &Module{
		Name:        name,
		Description: description,
		Run:         run,
		repeat:      repeat,
	}
}

// Remaining returns the invocations still owed.
func (m *Module) Remaining() int {
	return m.repeat
}

// State returns the module's scheduling state.
func (m *Module) State() State {
	if m.repeat > 0 {
		return StatePending
	}
	return StateExhausted
}

func (m *Module) decrement() {
	if m.repeat > 0 {
		m.repeat--
	}
}
