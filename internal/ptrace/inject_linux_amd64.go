//go:build linux && amd64

package ptrace

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/stop"
)

// syscallInsn encodes the x86-64 syscall instruction.
var syscallInsn = []byte{0x0f, 0x05}

// ArmTimingTraps makes rdtsc and rdtscp fault with SIGSEGV in the stopped
// thread tid by running prctl(PR_SET_TSC, PR_TSC_SIGSEGV) in its context.
// Threads and processes it creates inherit the setting, and exec keeps it.
func ArmTimingTraps(tid int) error {
	return injectSyscall(tid, unix.SYS_PRCTL, unix.PR_SET_TSC, unix.PR_TSC_SIGSEGV)
}

// injectSyscall executes one syscall in a thread that is stopped outside a
// syscall, then puts back its code and registers. The single step over the
// patched instruction has to end in a plain SIGTRAP stop.
func injectSyscall(tid int, nr uint64, args ...uint64) error {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &saved); err != nil {
		return fmt.Errorf("reading registers of %d: %w", tid, err)
	}
	addr := uintptr(saved.Rip)

	orig := make([]byte, len(syscallInsn))
	if _, err := unix.PtracePeekText(tid, addr, orig); err != nil {
		return fmt.Errorf("reading code of %d at %#x: %w", tid, addr, err)
	}
	if _, err := unix.PtracePokeText(tid, addr, syscallInsn); err != nil {
		return fmt.Errorf("patching code of %d at %#x: %w", tid, addr, err)
	}

	regs := saved
	regs.Rax = nr
	regs.Orig_rax = ^uint64(0) // not inside a syscall, no restart
	for i, r := range []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9} {
		*r = 0
		if i < len(args) {
			*r = args[i]
		}
	}

	err := stepInjected(tid, nr, &regs)

	if _, perr := unix.PtracePokeText(tid, addr, orig); perr != nil {
		err = errors.Join(err, fmt.Errorf("restoring code of %d at %#x: %w", tid, addr, perr))
	}
	if serr := unix.PtraceSetRegs(tid, &saved); serr != nil {
		err = errors.Join(err, fmt.Errorf("restoring registers of %d: %w", tid, serr))
	}
	return err
}

func stepInjected(tid int, nr uint64, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(tid, regs); err != nil {
		return fmt.Errorf("setting registers of %d: %w", tid, err)
	}
	if err := unix.PtraceSingleStep(tid); err != nil {
		return fmt.Errorf("stepping %d: %w", tid, err)
	}

	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(tid, &ws, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("waiting for %d: %w", tid, err)
		}
		break
	}
	if st := stop.Status(ws); !st.Stopped() || st.StopSignal() != unix.SIGTRAP {
		return fmt.Errorf("syscall %d injected into %d ended in %s", nr, tid, st)
	}

	var out unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &out); err != nil {
		return fmt.Errorf("reading registers of %d: %w", tid, err)
	}
	if ret := int64(out.Rax); ret < 0 && ret >= -4095 {
		return fmt.Errorf("syscall %d injected into %d: %w", nr, tid, unix.Errno(-ret))
	}
	return nil
}
