package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInit_FileLogging(t *testing.T) {
	dir := t.TempDir()
	if err := Init(Options{DebugDir: dir, Stderr: &bytes.Buffer{}}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Debug("thread registered", "tid", 41)
	Close()

	content, err := os.ReadFile(filepath.Join(dir, time.Now().Format(dayLayout)+".jsonl"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), `"msg":"thread registered"`) {
		t.Errorf("debug record missing from file: %s", content)
	}
	if !strings.Contains(string(content), `"tid":41`) {
		t.Errorf("tid attribute missing from file: %s", content)
	}
}

func TestInit_StderrLevels(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		visible []string
		hidden  []string
	}{
		{
			name:    "default",
			visible: []string{"warn message", "error message"},
			hidden:  []string{"debug message", "info message"},
		},
		{
			name:    "verbose",
			opts:    Options{Verbose: true},
			visible: []string{"debug message", "info message", "warn message", "error message"},
		},
		{
			name:    "quiet wins over verbose",
			opts:    Options{Verbose: true, Quiet: true},
			visible: []string{"error message"},
			hidden:  []string{"debug message", "info message", "warn message"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			opts := tt.opts
			opts.Stderr = &stderr
			if err := Init(opts); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			defer Close()

			Debug("debug message")
			Info("info message")
			Warn("warn message")
			Error("error message")

			out := stderr.String()
			for _, msg := range tt.visible {
				if !strings.Contains(out, msg) {
					t.Errorf("%q should appear on stderr", msg)
				}
			}
			for _, msg := range tt.hidden {
				if strings.Contains(out, msg) {
					t.Errorf("%q should not appear on stderr", msg)
				}
			}
		})
	}
}

func TestInit_JSON(t *testing.T) {
	var stderr bytes.Buffer
	if err := Init(Options{JSON: true, Stderr: &stderr}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Close()

	Warn("slice exhausted", "tid", 7)
	if !strings.HasPrefix(stderr.String(), "{") {
		t.Errorf("expected JSON output, got: %s", stderr.String())
	}
}

func TestSession(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	SetSession("rec_0123abcd")
	Info("recording")
	ClearSession()
	Info("done")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "session=rec_0123abcd") {
		t.Errorf("first line should carry the session: %s", lines[0])
	}
	if strings.Contains(lines[1], "session=") {
		t.Errorf("session should be cleared: %s", lines[1])
	}
}
