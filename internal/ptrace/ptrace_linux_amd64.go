//go:build linux && amd64

package ptrace

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/fatal"
	"github.com/majorcontext/tracerec/internal/stop"
)

// Options are the ptrace options armed on every traced thread. vfork-done
// is left out so a vfork parent finishes its syscall like any other.
const Options = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_EXITKILL

// Tracer issues ptrace requests for a recording session.
type Tracer struct {
	start time.Time
	last  atomic.Uint64 // last emulated timestamp counter value
}

// New returns a Tracer. It does not attach to anything.
func New() (*Tracer, error) {
	return &Tracer{start: time.Now()}, nil
}

// Resume continues the thread until its next syscall boundary or signal,
// delivering sig if it is non-zero.
func (t *Tracer) Resume(tid int, sig unix.Signal) error {
	if err := unix.PtraceSyscall(tid, int(sig)); err != nil {
		return fatal.Control(tid, "ptrace(PTRACE_SYSCALL)", err)
	}
	return nil
}

// ResumeBlocking resumes the thread and waits for its next stop.
func (t *Tracer) ResumeBlocking(tid int) (stop.Status, error) {
	if err := t.Resume(tid, 0); err != nil {
		return 0, err
	}
	return t.WaitStop(tid)
}

// Poll checks for a stop without blocking. ok is false if the thread is
// still running.
func (t *Tracer) Poll(tid int) (status stop.Status, ok bool, err error) {
	return t.wait(tid, unix.WNOHANG)
}

// WaitStop blocks until the thread stops.
func (t *Tracer) WaitStop(tid int) (stop.Status, error) {
	st, _, err := t.wait(tid, 0)
	return st, err
}

func (t *Tracer) wait(tid int, flags int) (stop.Status, bool, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(tid, &ws, flags|unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, false, fatal.Control(tid, "wait4", err)
		}
		if wpid == 0 {
			return 0, false, nil
		}
		return stop.Status(ws), true, nil
	}
}

// SingleStep executes one instruction and waits for the resulting stop.
func (t *Tracer) SingleStep(tid int, sig unix.Signal) (stop.Status, error) {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return 0, fatal.Control(tid, "ptrace(PTRACE_SINGLESTEP)", errno)
	}
	return t.WaitStop(tid)
}

// Registers reads the thread's registers.
func (t *Tracer) Registers(tid int) (Regs, error) {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &r); err != nil {
		return Regs{}, fatal.Control(tid, "ptrace(PTRACE_GETREGS)", err)
	}
	return Regs{
		SyscallNo: int64(r.Orig_rax),
		Ret:       int64(r.Rax),
		Args:      [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9},
		IP:        r.Rip,
		SP:        r.Rsp,
	}, nil
}

// EventMsg returns the message of the last PTRACE_EVENT stop, which is the
// new thread id for clone, fork and vfork.
func (t *Tracer) EventMsg(tid int) (int, error) {
	msg, err := unix.PtraceGetEventMsg(tid)
	if err != nil {
		return 0, fatal.Control(tid, "ptrace(PTRACE_GETEVENTMSG)", err)
	}
	return int(msg), nil
}

// ArmOptions applies Options to a stopped thread.
func (t *Tracer) ArmOptions(tid int) error {
	if err := unix.PtraceSetOptions(tid, Options); err != nil {
		return fatal.Control(tid, "ptrace(PTRACE_SETOPTIONS)", err)
	}
	return nil
}

// ReadMemory copies tracee memory at addr into buf. A short count with an
// error means the read ran into an unmapped page.
func (t *Tracer) ReadMemory(tid int, addr uint64, buf []byte) (int, error) {
	n, err := unix.PtracePeekData(tid, uintptr(addr), buf)
	if err != nil {
		return n, fatal.Control(tid, "ptrace(PTRACE_PEEKDATA)", err)
	}
	return n, nil
}

// EmulateTimingRead completes a trapped rdtsc (length 2) or rdtscp
// (length 3) by writing a monotonic counter into edx:eax and stepping over
// the instruction. It returns the value the thread observed.
func (t *Tracer) EmulateTimingRead(tid int, length int, rdtscp bool) (uint64, error) {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &r); err != nil {
		return 0, fatal.Control(tid, "ptrace(PTRACE_GETREGS)", err)
	}

	v := t.nextCounter()
	r.Rax = v & 0xffffffff
	r.Rdx = v >> 32
	if rdtscp {
		r.Rcx = 0
	}
	r.Rip += uint64(length)

	if err := unix.PtraceSetRegs(tid, &r); err != nil {
		return 0, fatal.Control(tid, "ptrace(PTRACE_SETREGS)", err)
	}
	return v, nil
}

func (t *Tracer) nextCounter() uint64 {
	for {
		prev := t.last.Load()
		v := uint64(time.Since(t.start).Nanoseconds())
		if v <= prev {
			v = prev + 1
		}
		if t.last.CompareAndSwap(prev, v) {
			return v
		}
	}
}

// Interrupt sends sig to a single thread.
func (t *Tracer) Interrupt(tid int, sig unix.Signal) error {
	_, _, errno := unix.Syscall(unix.SYS_TKILL, uintptr(tid), uintptr(sig), 0)
	if errno != 0 {
		return fatal.Control(tid, "tkill", errno)
	}
	return nil
}

// Release detaches a thread that is no longer recorded so it can run to
// completion.
func (t *Tracer) Release(tid int) error {
	err := unix.PtraceDetach(tid)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fatal.Control(tid, "ptrace(PTRACE_DETACH)", err)
	}
	return nil
}
