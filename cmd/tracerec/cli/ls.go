package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/tracerec/internal/storage"
	"github.com/majorcontext/tracerec/internal/ui"
)

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List recorded sessions",
	Long:    `Show every recorded session, newest first.`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listSessions(cmd.OutOrStdout(), globalCfg.SessionsDir(), jsonOut)
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

func listSessions(out io.Writer, dir string, asJSON bool) error {
	sessions, err := storage.List(dir)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if asJSON {
		if sessions == nil {
			sessions = []storage.Metadata{}
		}
		return json.NewEncoder(out).Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATE\tAGE\tDURATION\tTHREADS\tEVENTS\tSTORE\tCOMMAND")
	for _, m := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			m.ID,
			sessionState(m),
			formatAge(m.CreatedAt),
			formatDuration(m.Duration()),
			m.Threads,
			m.Events,
			m.Backend,
			truncate(strings.Join(m.Command, " "), 40),
		)
	}
	return w.Flush()
}

// sessionState is plain text so tabwriter can align it.
func sessionState(m storage.Metadata) string {
	switch {
	case m.Error != "":
		return "failed"
	case m.StoppedAt.IsZero():
		return "incomplete"
	case m.ExitCode != nil:
		return fmt.Sprintf("exit %d", *m.ExitCode)
	}
	return "done"
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Microsecond).String()
	}
	return d.Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + ui.Dim("…")
}
