package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mailsim/internal/output"
)

// errInvalidConfig is returned by check once the problems are printed.
var errInvalidConfig = errors.New("configuration is invalid")

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file and print, for every server, how many
client slots it defines and how many source addresses its range holds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			verr := cfg.Validate()
			printer := output.NewPrinter(cmd.OutOrStdout(), jsonOutput, noColor(cmd))
			if err := printer.PrintCheck(cfg, verr); err != nil {
				return err
			}
			if verr != nil {
				return errInvalidConfig
			}
			return nil
		},
	}

	cmd.Flags().StringP("config", "c", "", "Configuration file")
	cmd.MarkFlagRequired("config")
	cmd.Flags().Bool("json", false, "Print the result as JSON")
	return cmd
}
