package doctor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/majorcontext/tracerec/internal/config"
	"github.com/majorcontext/tracerec/internal/storage"
	"github.com/majorcontext/tracerec/internal/ui"
)

// YamaScopePath is where the Yama LSM exposes its ptrace restriction.
const YamaScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// PtraceSection checks that the platform is supported and that Yama lets
// a process trace the children it launches.
type PtraceSection struct {
	ScopePath string
	GOOS      string
	GOARCH    string
}

// NewPtraceSection returns a PtraceSection for the running system.
func NewPtraceSection() *PtraceSection {
	return &PtraceSection{ScopePath: YamaScopePath, GOOS: runtime.GOOS, GOARCH: runtime.GOARCH}
}

func (s *PtraceSection) Name() string { return "Ptrace" }

func (s *PtraceSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Platform:\t%s/%s\n", s.GOOS, s.GOARCH)
	if s.GOOS != "linux" || s.GOARCH != "amd64" {
		tw.Flush()
		return fmt.Errorf("recording needs linux/amd64")
	}

	data, err := os.ReadFile(s.ScopePath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(tw, "Yama ptrace_scope:\t%s not enforced\n", ui.OKTag())
		return tw.Flush()
	}
	if err != nil {
		tw.Flush()
		return err
	}

	scope, err := ParseScope(data)
	if err != nil {
		tw.Flush()
		return err
	}
	fmt.Fprintf(tw, "Yama ptrace_scope:\t%d (%s)\n", scope, scopeMeaning(scope))
	if err := tw.Flush(); err != nil {
		return err
	}
	// Scope 3 forbids PTRACE_TRACEME too.
	if scope >= 3 {
		return fmt.Errorf("ptrace is disabled system-wide; tracerec cannot record")
	}
	return nil
}

// ParseScope parses the contents of the Yama ptrace_scope file.
func ParseScope(data []byte) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unexpected ptrace_scope %q", strings.TrimSpace(string(data)))
	}
	return n, nil
}

func scopeMeaning(scope int) string {
	switch scope {
	case 0:
		return "classic"
	case 1:
		return "descendants only"
	case 2:
		return "admin only"
	}
	return "disabled"
}

// ConfigSection shows the effective configuration and whether it is valid.
type ConfigSection struct {
	Cfg  *config.GlobalConfig
	Path string
}

func (s *ConfigSection) Name() string { return "Configuration" }

func (s *ConfigSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := os.Stat(s.Path); err == nil {
		fmt.Fprintf(tw, "Config file:\t%s\n", s.Path)
	} else {
		fmt.Fprintf(tw, "Config file:\t%s\n", ui.Dim("none (defaults)"))
	}
	rc := s.Cfg.Record
	fmt.Fprintf(tw, "Sched signal:\t%d\n", rc.SchedSignal)
	fmt.Fprintf(tw, "Slice polls:\t%d\n", rc.SlicePolls)
	fmt.Fprintf(tw, "Idle backoff:\t%s\n", rc.IdleBackoff)
	fmt.Fprintf(tw, "Single-step:\t%v\n", rc.SingleStep)
	fmt.Fprintf(tw, "Timing traps:\t%v\n", rc.TimingTraps)
	fmt.Fprintf(tw, "Store:\t%s\n", s.Cfg.Store.Backend)
	if s.Cfg.Metrics.Addr != "" {
		fmt.Fprintf(tw, "Metrics:\t%s\n", s.Cfg.Metrics.Addr)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return s.Cfg.Validate()
}

// SessionsSection shows where sessions are kept and how many exist.
type SessionsSection struct {
	Dir string
}

func (s *SessionsSection) Name() string { return "Sessions" }

func (s *SessionsSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Directory:\t%s\n", s.Dir)

	sessions, err := storage.List(s.Dir)
	if err != nil {
		tw.Flush()
		return err
	}
	failed := 0
	for _, m := range sessions {
		if m.Error != "" {
			failed++
		}
	}
	fmt.Fprintf(tw, "Recorded:\t%d\n", len(sessions))
	if failed > 0 {
		fmt.Fprintf(tw, "Failed:\t%d\n", failed)
	}
	if len(sessions) > 0 {
		fmt.Fprintf(tw, "Latest:\t%s\n", sessions[0].ID)
	}
	return tw.Flush()
}
