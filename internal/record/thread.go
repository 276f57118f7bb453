package record

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/inst"
	"github.com/majorcontext/tracerec/internal/ptrace"
	"github.com/majorcontext/tracerec/internal/stop"
)

// Phase is the position of a thread in its execution state machine.
type Phase uint8

const (
	// Start: the thread runs user code until a syscall entry or a signal.
	Start Phase = iota
	// SyscallEntryTrapped: stopped at syscall dispatch, syscall not yet run.
	SyscallEntryTrapped
	// InSyscall: the kernel is executing the syscall.
	InSyscall
)

func (p Phase) String() string {
	switch p {
	case Start:
		return "start"
	case SyscallEntryTrapped:
		return "syscall_entry_trapped"
	case InSyscall:
		return "in_syscall"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Thread is the recorder's context for one traced OS thread. It is owned by
// the Scheduler and only touched from its loop.
type Thread struct {
	TID           int
	Phase         Phase
	LastEvent     int64
	PendingSignal unix.Signal
	RawStatus     stop.Status
	SwitchAllowed bool

	// Parent is the thread whose clone, fork or vfork created this one.
	Parent int

	regs    ptrace.Regs
	trap    inst.Instruction // faulting timing instruction of a PseudoTrap
	running bool             // resumed and no stop observed yet
	yielded bool             // last step ended on a not-ready poll
	polls   int              // consecutive not-ready polls in Start
	kicked  bool             // scheduler signal sent for this run
	events  int              // events recorded for this thread

	// vforkChild is set on a vfork parent until its child records an event.
	vforkChild int
	// inherited is set on a vfork child whose first step completes the
	// vfork syscall it shares with its parent.
	inherited bool
}

func newThread(tid, parent int) *Thread {
	return &Thread{TID: tid, Parent: parent, Phase: Start}
}

// Regs returns the registers captured at the thread's last stop.
func (t *Thread) Regs() ptrace.Regs {
	return t.regs
}

// Running reports whether the thread was resumed and has not stopped since.
func (t *Thread) Running() bool {
	return t.running
}
