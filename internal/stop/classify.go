// Package stop classifies ptrace stops of a traced thread.
//
// Classify is a pure function of the raw wait status and a few facts read
// from the stopped thread. It never drops a status: anything it cannot
// categorize is reported as a fatal.UnrecognizedStop error.
package stop

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/fatal"
)

// Kind discriminates classified stops.
type Kind uint8

const (
	// PseudoTrap is a synthetic timing trap (SIGSEGV on a trapped rdtsc).
	PseudoTrap Kind = iota + 1
	// SyscallEntry is a stop at syscall dispatch, before the kernel runs it.
	SyscallEntry
	// SyscallExit is a stop after the kernel finished a syscall.
	SyscallExit
	// Extended is a lifecycle event: clone, fork, vfork, vfork-done, exec or exit.
	Extended
	// Signal is an ordinary signal delivery.
	Signal
)

func (k Kind) String() string {
	switch k {
	case PseudoTrap:
		return "pseudo-trap"
	case SyscallEntry:
		return "syscall-entry"
	case SyscallExit:
		return "syscall-exit"
	case Extended:
		return "extended"
	case Signal:
		return "signal"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event is an extended lifecycle event.
type Event uint8

const (
	Clone Event = iota + 1
	Fork
	VFork
	VForkDone
	Exec
	Exit
)

func (e Event) String() string {
	switch e {
	case Clone:
		return "clone"
	case Fork:
		return "fork"
	case VFork:
		return "vfork"
	case VForkDone:
		return "vfork-done"
	case Exec:
		return "exec"
	case Exit:
		return "exit"
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// Spawns reports whether the event creates a new traced thread.
func (e Event) Spawns() bool {
	return e == Clone || e == Fork || e == VFork
}

func (e Event) bits() int {
	switch e {
	case Clone:
		return _PTRACE_EVENT_CLONE
	case Fork:
		return _PTRACE_EVENT_FORK
	case VFork:
		return _PTRACE_EVENT_VFORK
	case VForkDone:
		return _PTRACE_EVENT_VFORK_DONE
	case Exec:
		return _PTRACE_EVENT_EXEC
	case Exit:
		return _PTRACE_EVENT_EXIT
	}
	return 0
}

var eventsByBits = map[int]Event{
	_PTRACE_EVENT_CLONE:      Clone,
	_PTRACE_EVENT_FORK:       Fork,
	_PTRACE_EVENT_VFORK:      VFork,
	_PTRACE_EVENT_VFORK_DONE: VForkDone,
	_PTRACE_EVENT_EXEC:       Exec,
	_PTRACE_EVENT_EXIT:       Exit,
}

// Input is everything the classifier needs about a stopped thread.
type Input struct {
	TID    int
	Status Status

	// SyscallNo is the original syscall number register at the stop.
	SyscallNo int64

	// InSyscall is true when the thread was resumed from a syscall-entry
	// stop, so the next syscall stop is its exit.
	InSyscall bool

	// TimingTrap is true when the faulting instruction is a trapped
	// timestamp-counter read.
	TimingTrap bool
}

// Stop is a classified stop.
type Stop struct {
	Kind   Kind
	Code   int64       // syscall number for SyscallEntry and SyscallExit
	Event  Event       // for Extended
	Signal unix.Signal // for Signal and PseudoTrap
	Status Status

	// Reaped is set when the thread is already gone (exited or killed)
	// rather than stopped at PTRACE_EVENT_EXIT.
	Reaped bool
}

func (s Stop) String() string {
	switch s.Kind {
	case SyscallEntry, SyscallExit:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Code)
	case Extended:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Event)
	case Signal, PseudoTrap:
		return fmt.Sprintf("%s(%s)", s.Kind, unix.SignalName(s.Signal))
	}
	return s.Kind.String()
}

// Classify categorizes a stop.
func Classify(in Input) (Stop, error) {
	st := in.Status
	out := Stop{Status: st}

	switch {
	case st.Exited() || st.Signaled():
		out.Kind = Extended
		out.Event = Exit
		out.Reaped = true
		return out, nil

	case !st.Stopped():
		return Stop{}, unrecognized(in, "not a stop")

	case st.SyscallStop():
		out.Code = in.SyscallNo
		out.Kind = SyscallEntry
		if in.InSyscall {
			out.Kind = SyscallExit
		}
		return out, nil
	}

	sig := st.StopSignal()
	if bits := st.EventBits(); bits != 0 {
		ev, ok := eventsByBits[bits]
		if !ok || sig != unix.SIGTRAP {
			return Stop{}, unrecognized(in, fmt.Sprintf("ptrace event %d", bits))
		}
		out.Kind = Extended
		out.Event = ev
		return out, nil
	}

	out.Signal = sig
	if sig == unix.SIGSEGV && in.TimingTrap {
		out.Kind = PseudoTrap
		return out, nil
	}
	if sig <= 0 || sig >= 0x80 {
		return Stop{}, unrecognized(in, fmt.Sprintf("stop signal %d", int(sig)))
	}
	out.Kind = Signal
	return out, nil
}

func unrecognized(in Input, what string) error {
	return fatal.New(fatal.UnrecognizedStop, in.TID, "", uint32(in.Status), "%s", what)
}
