package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/tracerec/internal/config"
	"github.com/majorcontext/tracerec/internal/id"
	"github.com/majorcontext/tracerec/internal/storage"
	"github.com/majorcontext/tracerec/internal/trace"
	"github.com/majorcontext/tracerec/internal/ui"
)

var showCmd = &cobra.Command{
	Use:   "show <session|trace-file>",
	Short: "Decode a recorded session",
	Long: `Print the events of a recorded session in the order they were recorded,
followed by a per-thread summary and any problem that would make the trace
unsafe to replay.

The argument is a session id, a unique prefix of one, or the path of a
trace.json or trace.db file.

Examples:
  tracerec show rec_3f2a
  tracerec show --tid 4242 ./trace.json
  tracerec show --summary rec_3f2a9c01b7de`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

var showFlags struct {
	tid     int
	summary bool
	limit   int
}

func init() {
	rootCmd.AddCommand(showCmd)

	showCmd.Flags().IntVar(&showFlags.tid, "tid", 0, "only show events of this thread")
	showCmd.Flags().BoolVar(&showFlags.summary, "summary", false, "skip the event listing")
	showCmd.Flags().IntVar(&showFlags.limit, "limit", 0, "show at most this many events (0 shows all)")
}

func runShow(cmd *cobra.Command, args []string) error {
	t, err := loadTrace(globalCfg, args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(t)
	}
	return printTrace(cmd.OutOrStdout(), t, showOptions{
		TID:     showFlags.tid,
		Summary: showFlags.summary,
		Limit:   showFlags.limit,
	})
}

// loadTrace resolves arg as a trace file or a session and loads its trace.
func loadTrace(cfg *config.GlobalConfig, arg string) (*trace.Trace, error) {
	path := arg
	if _, err := os.Stat(arg); err != nil {
		if !id.Valid(arg) && !strings.HasPrefix(arg, id.SessionPrefix+"_") {
			return nil, fmt.Errorf("%s is neither a trace file nor a session id", arg)
		}
		ss, err := storage.Open(cfg.SessionsDir(), arg)
		if err != nil {
			return nil, err
		}
		meta, err := ss.LoadMetadata()
		if err != nil {
			return nil, err
		}
		path = ss.TracePath(meta.Backend)
	}
	return readTrace(path)
}

func readTrace(path string) (*trace.Trace, error) {
	if !strings.HasSuffix(path, ".db") {
		t, err := trace.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading trace: %w", err)
		}
		return t, nil
	}

	st, err := trace.OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Trace()
}

type showOptions struct {
	TID     int
	Summary bool
	Limit   int
}

func printTrace(w io.Writer, t *trace.Trace, opts showOptions) error {
	m := t.Metadata
	fmt.Fprintln(w, ui.Bold("Trace "+m.TraceID))
	fmt.Fprintf(w, "  session:  %s\n", m.SessionID)
	fmt.Fprintf(w, "  command:  %s\n", strings.Join(m.Command, " "))
	fmt.Fprintf(w, "  recorded: %s (%s)\n", m.Timestamp.Format(time.RFC3339), m.Arch)
	fmt.Fprintf(w, "  events:   %d\n", len(t.Events))
	fmt.Fprintln(w)

	if !opts.Summary {
		shown := 0
		for _, d := range t.Decode() {
			if opts.TID != 0 && d.TID != opts.TID {
				continue
			}
			if opts.Limit > 0 && shown == opts.Limit {
				fmt.Fprintln(w, ui.Dim("..."))
				break
			}
			line := d.Decoded
			if !d.Committed {
				line = ui.Dim(line)
			}
			fmt.Fprintf(w, "%6d %s %s\n", d.Seq, ui.Cyan(fmt.Sprintf("[%d]", d.TID)), line)
			shown++
		}
		fmt.Fprintln(w)
	}

	ui.Section(w, "Threads")
	for _, s := range t.Summarize() {
		state := "running"
		if s.Exited {
			state = "exited"
		}
		fmt.Fprintf(w, "  %-8d %-8s %5d events  %4d syscalls  %3d signals  %3d sched  %3d timing\n",
			s.TID, state, s.Events, s.Syscalls, s.Signals, s.Sched, s.Timing)
		if len(s.TopCalls) > 0 {
			fmt.Fprintf(w, "           %s\n", ui.Dim(topCalls(s.TopCalls, 5)))
		}
	}
	fmt.Fprintln(w)

	issues := t.FindIssues()
	if len(issues) == 0 {
		fmt.Fprintf(w, "%s trace is consistent\n", ui.OKTag())
		return nil
	}
	for _, issue := range issues {
		fmt.Fprintf(w, "%s %s\n", ui.WarnTag(), issue)
	}
	return nil
}

func topCalls(calls []trace.CallCount, n int) string {
	if len(calls) > n {
		calls = calls[:n]
	}
	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = fmt.Sprintf("%s×%d", c.Name, c.Count)
	}
	return strings.Join(parts, " ")
}
