// Package cli implements the tracerec command-line interface using Cobra.
// It records programs under ptrace and inspects the recorded sessions.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/majorcontext/tracerec/internal/config"
	"github.com/majorcontext/tracerec/internal/log"
)

var (
	verbose bool
	quiet   bool
	jsonOut bool

	// globalCfg is loaded before every command runs.
	globalCfg = config.DefaultGlobalConfig()
)

var rootCmd = &cobra.Command{
	Use:   "tracerec",
	Short: "tracerec - deterministic ptrace recorder",
	Long: `tracerec runs a program under ptrace and records every syscall, signal
and timing read of every thread in a single, replayable order.

Threads are driven one at a time by a cooperative scheduler, so the
recorded order is the order the program actually ran in.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadGlobal()
		if err != nil {
			cmd.PrintErrf("Warning: %v; using defaults\n", err)
			cfg = config.DefaultGlobalConfig()
		}
		globalCfg = cfg

		if err := log.Init(log.Options{
			Verbose:       verbose,
			Quiet:         quiet,
			JSON:          jsonOut,
			DebugDir:      config.DebugDir(),
			RetentionDays: cfg.Debug.RetentionDays,
		}); err != nil {
			// Recording still works with the default logger.
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every classified stop to stderr")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log errors to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}
