package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/majorcontext/tracerec/internal/ptrace"
)

// FormatVersion is the version of the trace document layout.
const FormatVersion = 1

// Trace is a complete recording.
type Trace struct {
	Metadata Metadata `json:"metadata"`
	Events   []Event  `json:"events"`
}

// Metadata describes how and what was recorded.
type Metadata struct {
	Version     int       `json:"version"`
	TraceID     string    `json:"trace_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Command     []string  `json:"command"`
	Arch        string    `json:"arch"`
	SchedSignal int       `json:"sched_signal"`
	SingleStep  bool      `json:"single_step,omitempty"`
	TimingTraps bool      `json:"timing_traps,omitempty"`
}

// Event is one recorded event.
type Event struct {
	Seq           uint64      `json:"seq"`
	TimestampNano int64       `json:"ts"` // nanoseconds since recording started
	TID           int         `json:"tid"`
	Code          int64       `json:"code"`
	Committed     bool        `json:"committed"`
	Signal        int         `json:"signal,omitempty"`
	Value         uint64      `json:"value,omitempty"`
	Result        int64       `json:"result,omitempty"`
	Data          []byte      `json:"data,omitempty"` // base64 in JSON
	Truncated     bool        `json:"truncated,omitempty"`
	Regs          ptrace.Regs `json:"regs"`
}

// Load reads a trace document.
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing trace %s: %w", path, err)
	}
	if t.Metadata.Version > FormatVersion {
		return nil, fmt.Errorf("trace %s has version %d, newest supported is %d", path, t.Metadata.Version, FormatVersion)
	}
	return &t, nil
}

// Save writes the trace document, replacing path atomically.
func (t *Trace) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
