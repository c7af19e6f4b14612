package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/config"
	"github.com/wesleyorama2/mailsim/internal/simulator/engine"
	"github.com/wesleyorama2/mailsim/internal/simulator/identity"
	"github.com/wesleyorama2/mailsim/internal/simulator/worker"
	"github.com/wesleyorama2/mailsim/internal/tracing"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    worker.WorkerCommand,
		Short:  "Run one simulated client (started by run)",
		Hidden: true,
		RunE:   runWorker,
	}

	addConfigFlags(cmd, true)
	cmd.Flags().String("profile", "", "Profile name in the profile database")
	cmd.MarkFlagRequired("profile")
	cmd.Flags().Int("slot", 0, "Slot index, for logs")
	cmd.Flags().String("run-id", "", "Run id of the supervisor")
	cmd.Flags().String("otlp-endpoint", "", "Export module spans over OTLP/HTTP")
	cmd.Flags().Bool("dump-data", false, "Log a hex dump of protocol traffic at debug level")
	return cmd
}

// runWorker logs on with one stored profile, runs every scenario and
// writes the latency report to stdout for the supervisor.
func runWorker(cmd *cobra.Command, args []string) error {
	serverName, _ := cmd.Flags().GetString("server")
	profile, _ := cmd.Flags().GetString("profile")
	slot, _ := cmd.Flags().GetInt("slot")
	runID, _ := cmd.Flags().GetString("run-id")
	endpoint, _ := cmd.Flags().GetString("otlp-endpoint")

	// Interrupts are the supervisor's to handle. In-flight work runs on
	// until the supervisor kills the process.
	signal.Ignore(os.Interrupt)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetBool("dump-data"); v {
		cfg.Options.DumpData = true
	}
	srv, err := cfg.Server(serverName)
	if err != nil {
		return err
	}

	log, err := newLogger(cmd, cfg,
		zap.String("component", "worker"),
		zap.String("run_id", runID),
		zap.String("server", srv.Name),
		zap.Int("pid", os.Getpid()))
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	shutdown, err := tracing.Setup(ctx, endpoint, "mailsim-worker", version)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown(flushCtx)
	}()

	store, err := identity.OpenStore(cfg.Options.Database)
	if err != nil {
		log.Error("profile database unavailable", zap.Error(err))
		return err
	}
	defer store.Close()

	runner := &worker.Runner{
		Profiles:  store,
		Client:    engine.NewBackend(srv, cfg.Options.Timeout.GetDuration(config.DefaultTimeout), dumpLogger(cfg, log)),
		Scenarios: cfg.Scenarios,
		BaseDir:   cfg.BaseDir,
		Logger:    log,
	}

	rep, runErr := runner.Run(ctx, worker.Job{Slot: slot, Profile: profile})
	if rep != nil {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(rep); err != nil {
			log.Error("could not write report", zap.Error(err))
		}
	}
	if runErr != nil {
		log.Error("worker failed", zap.String("profile", profile), zap.Error(runErr))
	}
	return runErr
}
