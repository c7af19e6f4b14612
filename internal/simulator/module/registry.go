package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/metrics"
)

// ErrDuplicateModule is returned by Register for a name already present.
var ErrDuplicateModule = errors.New("module already registered")

const tracerName = "github.com/wesleyorama2/mailsim/internal/simulator/module"

// Options configures a Registry. Every field is optional.
type Options struct {
	Logger *zap.Logger
	Stats  *metrics.Recorder
	Tracer trace.Tracer
}

// Registry holds the modules of one worker in registration order. A
// Registry is owned by a single goroutine and is not safe for concurrent
// use.
type Registry struct {
	modules []*Module
	names   map[string]struct{}
	cleanup *Module

	logger *zap.Logger
	stats  *metrics.Recorder
	tracer trace.Tracer
}

// NewRegistry returns an empty registry that finishes every run with
// cleanup. A nil cleanup means there is nothing to run after the passes.
func NewRegistry(cleanup *Module, opts Options) *Registry {
	r := &Registry{
		names:   make(map[string]struct{}),
		cleanup: cleanup,
		logger:  opts.Logger,
		stats:   opts.Stats,
		tracer:  opts.Tracer,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

// Register appends m. A module whose name is already registered is not
// added.
func (r *Registry) Register(m *Module) error {
	if m == nil || m.Name == "" {
		return errors.New("module has no name")
	}
	if _, ok := r.names[m.Name]; ok {
		return fmt.Errorf("%s: %w", m.Name, ErrDuplicateModule)
	}
	r.names[m.Name] = struct{}{}
	r.modules = append(r.modules, m)
	r.logger.Debug("module loaded", zap.String("module", m.Name), zap.Int("repeat", m.repeat))
	return nil
}

// Modules returns the registered modules in order.
func (r *Registry) Modules() []*Module {
	out := make([]*Module, len(r.modules))
	copy(out, r.modules)
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(r.modules)
}

// Summary is the outcome of Run.
type Summary struct {
	Passes      int
	Invocations int
	Failures    int

	CleanupRan bool
	CleanupErr error

	// Interrupted is set when ctx ended before every module was exhausted.
	// Cleanup is skipped in that case.
	Interrupted bool
}

// Run invokes every pending module once per pass, in registration order,
// until all are exhausted, then runs cleanup exactly once. A failed
// invocation is logged and still counts against the module's repeats.
func (r *Registry) Run(ctx context.Context, env *Env) Summary {
	var sum Summary

	for r.pending() {
		if ctx.Err() != nil {
			sum.Interrupted = true
			r.logger.Warn("scheduling interrupted", zap.Int("passes", sum.Passes), zap.Error(ctx.Err()))
			return sum
		}

		sum.Passes++
		for _, m := range r.modules {
			if m.State() != StatePending {
				continue
			}
			err := r.invoke(ctx, env, m)
			m.decrement()
			sum.Invocations++
			if err != nil {
				sum.Failures++
				r.logger.Error("module run failed",
					zap.String("module", m.Name),
					zap.Int("remaining", m.repeat),
					zap.Error(err))
			}
		}
	}

	if r.cleanup != nil {
		sum.CleanupRan = true
		sum.CleanupErr = r.invoke(ctx, env, r.cleanup)
		if sum.CleanupErr != nil {
			r.logger.Error("cleanup failed", zap.String("module", r.cleanup.Name), zap.Error(sum.CleanupErr))
		}
	}
	return sum
}

func (r *Registry) pending() bool {
	for _, m := range r.modules {
		if m.State() == StatePending {
			return true
		}
	}
	return false
}

// invoke runs m once inside a span and records its latency.
func (r *Registry) invoke(ctx context.Context, env *Env, m *Module) (err error) {
	ctx, span := r.tracer.Start(ctx, "module.run",
		trace.WithAttributes(
			attribute.String("scenario", m.Name),
			attribute.String("client_ip", env.ClientIP()),
			attribute.Int("remaining", m.repeat),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("module %s panicked: %v", m.Name, p)
		}
		elapsed := time.Since(start)
		if r.stats != nil {
			r.stats.Record(m.Name, elapsed, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.logger.Debug("module invoked",
			zap.String("scenario", m.Name),
			zap.String("client_ip", env.ClientIP()),
			zap.Duration("duration", elapsed),
			zap.Bool("ok", err == nil))
	}()

	if m.Run == nil {
		return nil
	}
	return m.Run(ctx, env, m.Cases)
}
