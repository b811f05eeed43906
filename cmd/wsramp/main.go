package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/torosent/wsramp/internal/config"
)

const (
	progressInterval = time.Second
	historyInterval  = time.Second

	exitFailure          = 1
	exitThresholdsFailed = 99
)

var errThresholdsFailed = errors.New("one or more thresholds failed")

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and maps the outcome to a process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errThresholdsFailed):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitThresholdsFailed
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "wsramp [plan]",
		Short: "Ramp WebSocket subscriber sessions against a pub/sub broker",
		Long: "wsramp opens subscriber sessions against a Pusher-compatible broker, follows\n" +
			"a plan of concurrency stages and reports message delivery delay.",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader().LoadFlags(cmd.Flags(), args)
			if err != nil {
				return err
			}
			return runPlan(cmd.Context(), cfg, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	config.RegisterFlags(root)
	root.AddCommand(newPlansCommand(stdout), newValidateCommand(stdout))
	return root
}
