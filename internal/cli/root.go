package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mailsim/internal/simulator/worker"
)

var version = "0.1.0"

// NewRootCmd builds the mailsim command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "mailsim",
		Short:   "Synthetic load generator for messaging servers",
		Version: version,
		Long: `Mailsim drives a messaging server with many concurrent simulated clients.
Each client gets its own source address and identity, runs the configured
scenarios a fixed number of times, cleans up its mailbox and exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			cmd.Help()
		},
	}

	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	root.AddCommand(newRunCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newTeardownCmd())
	root.AddCommand(newWorkerCmd())
	return root
}

// Execute runs the command line and reports a failure on stderr.
func Execute() error {
	return ExecuteContext(context.Background(), os.Args[1:])
}

// ExecuteContext runs the command line with args.
func ExecuteContext(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil && !isWorkerInvocation(args) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return err
}

// Workers log their own failure; a second line on the shared stderr
// would only repeat it.
func isWorkerInvocation(args []string) bool {
	return len(args) > 0 && args[0] == worker.WorkerCommand
}
