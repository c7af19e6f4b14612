package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/mailsim/internal/output"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
	"github.com/wesleyorama2/mailsim/internal/simulator/engine"
	"github.com/wesleyorama2/mailsim/internal/simulator/identity"
	"github.com/wesleyorama2/mailsim/internal/simulator/metrics"
	"github.com/wesleyorama2/mailsim/internal/simulator/worker"
	"github.com/wesleyorama2/mailsim/internal/tracing"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation against one server",
		Long: `Provision one identity and source address per simulated client of the
server, start one worker per client and wait for all of them.

An interrupt tears down every provisioned interface, waits --grace for
the workers to finish and kills the rest.

  mailsim run --config sim.yaml --server exchange
  mailsim run --config sim.yaml --server exchange --in-process --no-interfaces`,
		RunE: runSimulation,
	}

	addConfigFlags(cmd, true)
	cmd.Flags().Bool("in-process", false, "Run workers as goroutines instead of processes")
	cmd.Flags().Bool("no-interfaces", false, "Do not create virtual interfaces")
	cmd.Flags().Duration("grace", 0, "How long an interrupted run waits for workers (overrides options.grace)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().String("otlp-endpoint", "", "Export module spans over OTLP/HTTP")
	cmd.Flags().Float64("launch-rate", 0, "Maximum worker launches per second (overrides options.launchRate)")
	cmd.Flags().Bool("dump-data", false, "Log a hex dump of protocol traffic at debug level")
	cmd.Flags().Bool("json", false, "Print the run summary as JSON")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print the run summary")
	return cmd
}

func runSimulation(cmd *cobra.Command, args []string) error {
	serverName, _ := cmd.Flags().GetString("server")
	inProcess, _ := cmd.Flags().GetBool("in-process")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	quiet, _ := cmd.Flags().GetBool("quiet")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunOverrides(cmd, cfg)

	srv, err := cfg.Server(serverName)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	base, err := newLogger(cmd, cfg, zap.String("run_id", runID), zap.String("server", srv.Name))
	if err != nil {
		return err
	}
	defer base.Sync()
	log := base.With(zap.String("component", "supervisor"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Setup(ctx, cfg.Options.OTLPEndpoint, "mailsim", version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Warn("trace export shutdown failed", zap.Error(err))
		}
	}()

	store, err := identity.OpenStore(cfg.Options.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	ifaces, err := engine.NewInterfaceProvisioner(cfg.Options.Interfaces)
	if err != nil {
		return err
	}

	be := engine.NewBackend(srv, cfg.Options.Timeout.GetDuration(config.DefaultTimeout), dumpLogger(cfg, base))

	var launcher worker.Launcher
	if inProcess {
		runner := &worker.Runner{
			Profiles:  store,
			Client:    be,
			Scenarios: cfg.Scenarios,
			BaseDir:   cfg.BaseDir,
			Logger:    base.With(zap.String("component", "worker")),
		}
		launcher = &worker.InProcessLauncher{Run: runner.Run}
	} else {
		launcher, err = processLauncher(cmd, cfg, srv.Name, runID)
		if err != nil {
			return err
		}
	}

	var collectors *metrics.Collectors
	if cfg.Options.MetricsAddr != "" {
		collectors = metrics.NewCollectors()
	}

	eng := &engine.Engine{
		Config:     cfg,
		Logger:     log,
		Profiles:   store,
		Directory:  be,
		Interfaces: ifaces,
		Launcher:   launcher,
		Metrics:    collectors,
		RunID:      runID,
	}

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()
	if collectors != nil {
		g.Go(func() error {
			return collectors.Serve(metricsCtx, cfg.Options.MetricsAddr, log)
		})
	}

	var res *engine.Result
	g.Go(func() error {
		defer stopMetrics()
		var err error
		res, err = eng.Run(gctx, srv.Name)
		return err
	})
	runErr := g.Wait()

	if res != nil && !quiet {
		printer := output.NewPrinter(cmd.OutOrStdout(), jsonOutput, noColor(cmd))
		if err := printer.PrintResult(res); err != nil {
			log.Warn("could not print summary", zap.Error(err))
		}
	}

	if errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	if runErr != nil {
		return runErr
	}
	if res != nil && (res.Abnormal > 0 || res.LaunchFailures > 0) {
		return fmt.Errorf("%d of %d workers failed", res.Abnormal+res.LaunchFailures, res.Slots)
	}
	return nil
}

// applyRunOverrides folds the run flags into cfg so that workers started
// from it see the same options.
func applyRunOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetBool("no-interfaces"); v {
		cfg.Options.Interfaces = "none"
	}
	if d, _ := cmd.Flags().GetDuration("grace"); d > 0 {
		cfg.Options.Grace = config.Duration(d)
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.Options.MetricsAddr = addr
	}
	if ep, _ := cmd.Flags().GetString("otlp-endpoint"); ep != "" {
		cfg.Options.OTLPEndpoint = ep
	}
	if r, _ := cmd.Flags().GetFloat64("launch-rate"); r > 0 {
		cfg.Options.LaunchRate = r
	}
	if v, _ := cmd.Flags().GetBool("dump-data"); v {
		cfg.Options.DumpData = true
	}
}

// processLauncher starts workers by re-executing this binary with the
// hidden worker command.
func processLauncher(cmd *cobra.Command, cfg *config.Config, server, runID string) (*worker.ProcessLauncher, error) {
	configFile, _ := cmd.Flags().GetString("config")
	abs, err := filepath.Abs(configFile)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--config", abs,
		"--server", server,
		"--database", cfg.Options.Database,
		"--run-id", runID,
		"--debuglevel", cfg.Options.LogLevel,
	}
	if cfg.Options.OTLPEndpoint != "" {
		args = append(args, "--otlp-endpoint", cfg.Options.OTLPEndpoint)
	}
	if cfg.Options.DumpData {
		args = append(args, "--dump-data")
	}
	return &worker.ProcessLauncher{Args: args, Stderr: cmd.ErrOrStderr()}, nil
}
