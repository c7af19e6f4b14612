package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "mailsim"

// Collectors are the supervisor's Prometheus metrics. Each set owns its
// registry so tests and repeated runs do not collide on the default one.
type Collectors struct {
	Registry *prometheus.Registry

	WorkersActive   prometheus.Gauge
	WorkersLaunched prometheus.Counter
	WorkersAbnormal prometheus.Counter
	LaunchFailures  prometheus.Counter
	Interfaces      prometheus.Gauge
	IdentityErrors  prometheus.Counter
	Invocations     *prometheus.CounterVec
}

// NewCollectors creates and registers a fresh set of collectors.
func NewCollectors() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Worker processes currently running.",
		}),
		WorkersLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_launched_total",
			Help:      "Worker processes started.",
		}),
		WorkersAbnormal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_abnormal_exit_total",
			Help:      "Workers that exited non-zero or were killed by a signal.",
		}),
		LaunchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_launch_failures_total",
			Help:      "Workers that could not be started.",
		}),
		Interfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interfaces_provisioned",
			Help:      "Virtual interfaces currently held.",
		}),
		IdentityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_errors_total",
			Help:      "Client slots skipped because their identity could not be provisioned.",
		}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_invocations_total",
			Help:      "Scenario module invocations reported by finished workers.",
		}, []string{"module", "result"}),
	}

	c.Registry.MustRegister(
		c.WorkersActive,
		c.WorkersLaunched,
		c.WorkersAbnormal,
		c.LaunchFailures,
		c.Interfaces,
		c.IdentityErrors,
		c.Invocations,
	)
	return c
}

// ObserveReport adds a worker's module counts to the invocation counter.
func (c *Collectors) ObserveReport(rep *Report) {
	if c == nil || rep == nil {
		return
	}
	for _, m := range rep.Modules {
		c.Invocations.WithLabelValues(m.Name, "ok").Add(float64(m.Invocations - m.Failures))
		c.Invocations.WithLabelValues(m.Name, "error").Add(float64(m.Failures))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collectors) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
