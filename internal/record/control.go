package record

import (
	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/inst"
	"github.com/majorcontext/tracerec/internal/ptrace"
	"github.com/majorcontext/tracerec/internal/stop"
	"github.com/majorcontext/tracerec/internal/syscalls"
)

// Control is the process-control backend. *ptrace.Tracer implements it.
//
// Errors are expected to be *fatal.Error of kind ControlOpFailed; others
// are wrapped as such.
type Control interface {
	// Resume continues the thread to its next syscall stop or signal,
	// delivering sig if non-zero. It does not wait.
	Resume(tid int, sig unix.Signal) error
	// ResumeBlocking resumes and waits for the next stop.
	ResumeBlocking(tid int) (stop.Status, error)
	// Poll returns the thread's stop status, if it has stopped.
	Poll(tid int) (stop.Status, bool, error)
	// WaitStop blocks until the thread stops.
	WaitStop(tid int) (stop.Status, error)
	// SingleStep executes one instruction and waits for the stop.
	SingleStep(tid int, sig unix.Signal) (stop.Status, error)

	Registers(tid int) (ptrace.Regs, error)
	EventMsg(tid int) (int, error)
	ArmOptions(tid int) error
	ReadMemory(tid int, addr uint64, buf []byte) (int, error)

	// EmulateTimingRead completes a trapped timestamp read in place.
	EmulateTimingRead(tid int, length int, rdtscp bool) (uint64, error)
	// Interrupt sends sig to one thread.
	Interrupt(tid int, sig unix.Signal) error
	// Release lets a deregistered thread run to completion.
	Release(tid int) error
}

var _ Control = (*ptrace.Tracer)(nil)

// SyscallHandler captures the outcome of a finished syscall. It sees only
// the thread id and registers, so it cannot change the thread's phase.
type SyscallHandler interface {
	OnSyscallExit(tid int, regs ptrace.Regs) (syscalls.Capture, error)
}

var _ SyscallHandler = (*syscalls.Handler)(nil)

// Decoder is the instruction source used to recognize timing traps and to
// find syscall instructions while single-stepping.
type Decoder interface {
	DecodeAt(tid int, addr uint64) (inst.Instruction, error)
}

var _ Decoder = (*inst.Decoder)(nil)
