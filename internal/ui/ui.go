// Package ui formats terminal output for the tracerec commands.
//
// Styles are applied only when the stream is a terminal and NO_COLOR is
// unset. Messages go to stderr so they never mix with a recorded program's
// stdout.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

var writer io.Writer = os.Stderr

// SetWriter overrides the message writer. nil restores stderr.
func SetWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

var (
	stdoutColor = detectColor(os.Stdout)
	stderrColor = detectColor(os.Stderr)
)

func detectColor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColorEnabled overrides color detection for both streams.
func SetColorEnabled(enabled bool) {
	stdoutColor = enabled
	stderrColor = enabled
}

func style(on bool, code, s string) string {
	if !on {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// Bold styles s for stdout.
func Bold(s string) string { return style(stdoutColor, "1", s) }

// Dim styles s for stdout. Used for provisional events.
func Dim(s string) string { return style(stdoutColor, "2", s) }

// Green styles s for stdout.
func Green(s string) string { return style(stdoutColor, "32", s) }

// Yellow styles s for stdout.
func Yellow(s string) string { return style(stdoutColor, "33", s) }

// Cyan styles s for stdout. Used for thread ids.
func Cyan(s string) string { return style(stdoutColor, "36", s) }

// Section writes a bold title with a thin underline.
func Section(w io.Writer, title string) {
	fmt.Fprintln(w, Bold(title))
	fmt.Fprintln(w, Dim(strings.Repeat("─", len(title))))
}

// OKTag is a green check mark.
func OKTag() string { return Green("✓") }

// WarnTag is a yellow warning sign.
func WarnTag() string { return Yellow("⚠") }

// Warnf writes a warning to stderr.
func Warnf(format string, args ...any) {
	fmt.Fprintf(writer, "%s %s\n", style(stderrColor, "33", "Warning:"), fmt.Sprintf(format, args...))
}

// Errorf writes an error to stderr.
func Errorf(format string, args ...any) {
	fmt.Fprintf(writer, "%s %s\n", style(stderrColor, "31", "Error:"), fmt.Sprintf(format, args...))
}

// Infof writes a message to stderr with no prefix.
func Infof(format string, args ...any) {
	fmt.Fprintf(writer, format+"\n", args...)
}
