package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/majorcontext/tracerec/internal/config"
	"github.com/majorcontext/tracerec/internal/doctor"
	"github.com/majorcontext/tracerec/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this machine can record",
	Long: `Displays diagnostic information about the recording environment:

- platform support and the Yama ptrace restriction
- the effective configuration
- the sessions directory`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ui.Bold("tracerec doctor"))
	fmt.Fprintln(out)

	reg := doctor.NewRegistry()
	reg.Register(doctor.NewPtraceSection())
	reg.Register(&doctor.ConfigSection{
		Cfg:  globalCfg,
		Path: filepath.Join(config.GlobalConfigDir(), "config.yaml"),
	})
	reg.Register(&doctor.SessionsSection{Dir: globalCfg.SessionsDir()})

	if n := reg.Run(out); n > 0 {
		return fmt.Errorf("%d check(s) failed", n)
	}
	return nil
}
