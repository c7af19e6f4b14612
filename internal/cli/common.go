package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/logging"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
)

// addConfigFlags registers the flags shared by commands that target one
// server of a configuration file.
func addConfigFlags(cmd *cobra.Command, withServer bool) {
	cmd.Flags().StringP("config", "c", "", "Configuration file")
	cmd.MarkFlagRequired("config")
	if withServer {
		cmd.Flags().StringP("server", "s", "", "Name of the server to target")
		cmd.MarkFlagRequired("server")
	}
	cmd.Flags().String("database", "", "Profile database path (overrides options.database)")
	cmd.Flags().String("debuglevel", "", "Log level: debug, info, warn, error, or a number")
}

// loadConfig reads the configuration named by --config and applies the
// command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	if db, _ := cmd.Flags().GetString("database"); db != "" {
		cfg.Options.Database = db
	}
	if lvl, _ := cmd.Flags().GetString("debuglevel"); lvl != "" {
		cfg.Options.LogLevel = lvl
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config, fields ...zap.Field) (*zap.Logger, error) {
	log, err := logging.New(logging.Options{Level: cfg.Options.LogLevel, Output: cmd.ErrOrStderr()})
	if err != nil {
		return nil, err
	}
	return log.With(fields...), nil
}

// dumpLogger returns the logger that receives protocol dumps, or nil when
// options.dumpData is off.
func dumpLogger(cfg *config.Config, log *zap.Logger) *zap.Logger {
	if !cfg.Options.DumpData {
		return nil
	}
	return log.Named("dump")
}

func noColor(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("no-color")
	return v
}
