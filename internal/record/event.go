package record

import (
	"github.com/majorcontext/tracerec/internal/ptrace"
)

// Pseudo event codes. Syscall events use the syscall number as the code.
const (
	// CodeInitial marks the register state of the first thread before it runs.
	CodeInitial int64 = -1000
	// CodeExit marks a thread's final event.
	CodeExit int64 = -1001
	// CodeSched marks a stop on the scheduler signal.
	CodeSched int64 = -1002
	// CodeTimingTrap marks an emulated timestamp-counter read.
	CodeTimingTrap int64 = -1003
	// CodeSignal marks a signal that will be delivered on the next resume.
	CodeSignal int64 = -1004
)

// Event is one classified stop handed to the Sink.
//
// Committed events are authoritative for replay. Uncommitted ones are
// observations made before the action they precede completes.
type Event struct {
	TID       int
	Code      int64
	Committed bool

	Signal int         // for CodeSignal and CodeSched
	Regs   ptrace.Regs // registers at the stop
	Value  uint64      // emulated counter value for CodeTimingTrap

	// Set on committed syscall events.
	Result    int64
	Data      []byte
	Truncated bool
}

// Sink receives events in recording order. It must not fail; I/O errors are
// its own concern and surface when the trace is closed.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Record calls f(e).
func (f SinkFunc) Record(e Event) { f(e) }
