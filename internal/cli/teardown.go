package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/engine"
	"github.com/wesleyorama2/mailsim/internal/simulator/iface"
	"github.com/wesleyorama2/mailsim/internal/simulator/identity"
)

func newTeardownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Remove interfaces left behind by a crashed run",
		Long: `Delete the persistent virtual interfaces recorded in the profile
database for a server. Nothing is recreated.`,
		RunE: runTeardown,
	}
	addConfigFlags(cmd, true)
	return cmd
}

func runTeardown(cmd *cobra.Command, args []string) error {
	serverName, _ := cmd.Flags().GetString("server")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, err := cfg.Server(serverName); err != nil {
		return err
	}

	log, err := newLogger(cmd, cfg, zap.String("component", "teardown"), zap.String("server", serverName))
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := identity.OpenStore(cfg.Options.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := &engine.Engine{Config: cfg, Logger: log, Profiles: store}
	n, err := eng.ReleaseLeftovers(cmd.Context(), serverName, iface.NewTAPProvisioner())
	fmt.Fprintf(cmd.OutOrStdout(), "released %d interface(s) for %s\n", n, serverName)
	return err
}
