// Package ptrace implements process-control primitives for the recorder on
// top of Linux ptrace(2).
//
// All calls for a traced process must come from the OS thread that attached
// to it. Callers lock the controlling goroutine with runtime.LockOSThread
// before Launch and keep it locked for the whole session.
package ptrace

import (
	"errors"
)

// EntrySentinel is the value of the return register while a thread sits at
// a syscall-entry stop (-ENOSYS on x86-64).
const EntrySentinel int64 = -38

// ErrUnsupported is returned on platforms without a ptrace backend.
var ErrUnsupported = errors.New("ptrace recording is only supported on linux/amd64")

// Regs is the architecture-neutral view of a stopped thread's registers.
type Regs struct {
	SyscallNo int64     `json:"syscall_no"` // orig_rax
	Ret       int64     `json:"ret"`        // rax
	Args      [6]uint64 `json:"args"`       // rdi, rsi, rdx, r10, r8, r9
	IP        uint64    `json:"ip"`
	SP        uint64    `json:"sp"`
}

// Failed reports whether Ret holds a negative errno for a finished syscall.
func (r Regs) Failed() bool {
	return r.Ret < 0 && r.Ret >= -4095 && r.Ret != EntrySentinel
}
