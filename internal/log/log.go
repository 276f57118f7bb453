// Package log is the process-wide structured logger.
//
// Records go to stderr at Warn and above (Debug and above with Verbose) and,
// when a debug directory is configured, to a daily JSON file at every level.
// The scheduler logs each classified stop at Debug, so the debug file of a
// session is a readable account of how it was recorded.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var (
	logger *slog.Logger
	base   *slog.Logger // logger without session attributes
	file   *FileWriter
)

// Options configures the logger.
type Options struct {
	// Verbose lowers the stderr level to Debug.
	Verbose bool
	// Quiet raises the stderr level to Error. It wins over Verbose.
	Quiet bool
	// JSON formats stderr output as JSON instead of text.
	JSON bool
	// DebugDir receives one JSON file per day. Empty disables file logging.
	DebugDir string
	// RetentionDays removes debug files older than this many days. Zero keeps all.
	RetentionDays int
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Init replaces the global logger.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelWarn
	switch {
	case opts.Quiet:
		level = slog.LevelError
	case opts.Verbose:
		level = slog.LevelDebug
	}
	ho := &slog.HandlerOptions{Level: level}

	var handlers fanout
	if opts.JSON {
		handlers = append(handlers, slog.NewJSONHandler(stderr, ho))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, ho))
	}

	Close()
	if opts.DebugDir != "" {
		if opts.RetentionDays > 0 {
			Cleanup(opts.DebugDir, opts.RetentionDays)
		}
		fw, err := NewFileWriter(opts.DebugDir)
		if err != nil {
			return err
		}
		file = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	set(slog.New(handlers))
	return nil
}

func set(l *slog.Logger) {
	base = l
	logger = l
	slog.SetDefault(l)
}

// Close closes the debug file, if any.
func Close() {
	if file != nil {
		file.Close()
		file = nil
	}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { logger.Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { logger.Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { logger.Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { logger.Error(msg, args...) }

// With returns the current logger with extra attributes.
func With(args ...any) *slog.Logger { return logger.With(args...) }

// SetOutput sends everything to w as text. Used by tests.
func SetOutput(w io.Writer) {
	set(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// SetSession tags every following record with the recording session id.
func SetSession(id string) {
	logger = base.With(slog.String("session", id))
	slog.SetDefault(logger)
}

// ClearSession drops the session tag.
func ClearSession() {
	logger = base
	slog.SetDefault(logger)
}

func init() {
	base = slog.Default()
	logger = base
}
