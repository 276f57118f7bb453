package stop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Extended ptrace event numbers from linux/ptrace.h. They live in bits 16-23
// of a SIGTRAP stop status.
const (
	_PTRACE_EVENT_FORK       = 1
	_PTRACE_EVENT_VFORK      = 2
	_PTRACE_EVENT_CLONE      = 3
	_PTRACE_EVENT_EXEC       = 4
	_PTRACE_EVENT_VFORK_DONE = 5
	_PTRACE_EVENT_EXIT       = 6

	// syscallTrapBit is or'ed into SIGTRAP for syscall stops under
	// PTRACE_O_TRACESYSGOOD.
	syscallTrapBit = 0x80
)

// Status is a raw wait status as returned by wait4.
type Status uint32

// Exited reports whether the thread terminated normally.
func (s Status) Exited() bool { return s&0x7f == 0 }

// ExitCode returns the exit code of an exited thread.
func (s Status) ExitCode() int { return int(s>>8) & 0xff }

// Signaled reports whether the thread was terminated by a signal.
func (s Status) Signaled() bool { return s&0x7f != 0x7f && s&0x7f != 0 }

// Stopped reports whether the thread is in a ptrace stop.
func (s Status) Stopped() bool { return s&0xff == 0x7f }

// StopSignal returns the signal that caused a stop, including the
// TRACESYSGOOD bit.
func (s Status) StopSignal() unix.Signal {
	if !s.Stopped() {
		return 0
	}
	return unix.Signal(s>>8) & 0xff
}

// TermSignal returns the signal that terminated a signaled thread.
func (s Status) TermSignal() unix.Signal {
	if !s.Signaled() {
		return 0
	}
	return unix.Signal(s & 0x7f)
}

// EventBits returns the extended event number carried by a SIGTRAP stop.
func (s Status) EventBits() int { return int(s>>16) & 0xff }

// SyscallStop reports whether s is a TRACESYSGOOD syscall stop.
func (s Status) SyscallStop() bool {
	return s.StopSignal() == unix.SIGTRAP|syscallTrapBit
}

func (s Status) String() string {
	switch {
	case s.Exited():
		return fmt.Sprintf("exited(%d)", s.ExitCode())
	case s.Signaled():
		return fmt.Sprintf("killed(%s)", unix.SignalName(s.TermSignal()))
	case s.SyscallStop():
		return "syscall-stop"
	case s.Stopped():
		if ev := s.EventBits(); ev != 0 {
			return fmt.Sprintf("event-stop(%d)", ev)
		}
		return fmt.Sprintf("signal-stop(%s)", unix.SignalName(s.StopSignal()))
	}
	return fmt.Sprintf("status(%#x)", uint32(s))
}

// MakeStatus builds the wait status for a stop with the given signal and
// extended event. It is the inverse of StopSignal and EventBits.
func MakeStatus(sig unix.Signal, event int) Status {
	return Status(uint32(event)<<16 | uint32(sig&0xff)<<8 | 0x7f)
}

// SyscallStatus is the status of a TRACESYSGOOD syscall stop.
func SyscallStatus() Status { return MakeStatus(unix.SIGTRAP|syscallTrapBit, 0) }

// EventStatus is the status of a PTRACE_EVENT_* stop.
func EventStatus(ev Event) Status { return MakeStatus(unix.SIGTRAP, ev.bits()) }
