// Package syscalls knows the recording ABI (x86-64 Linux) syscall table and
// captures syscall results for the trace.
package syscalls

import "strconv"

// Syscall numbers of the x86-64 Linux ABI used by the recorder.
const (
	SysRead           = 0
	SysWrite          = 1
	SysRtSigreturn    = 15
	SysPread64        = 17
	SysNanosleep      = 35
	SysGetpid         = 39
	SysRecvfrom       = 45
	SysClone          = 56
	SysFork           = 57
	SysVfork          = 58
	SysExecve         = 59
	SysExit           = 60
	SysWait4          = 61
	SysKill           = 62
	SysGettid         = 186
	SysTkill          = 200
	SysFutex          = 202
	SysRestartSyscall = 219
	SysClockGettime   = 228
	SysExitGroup      = 231
	SysTgkill         = 234
	SysOpenat         = 257
	SysGetrandom      = 318
	SysExecveat       = 322
	SysClone3         = 435
)

type info struct {
	name string
	args int
}

var table = map[int64]info{
	SysRead:           {"read", 3},
	SysWrite:          {"write", 3},
	SysRtSigreturn:    {"rt_sigreturn", 0},
	SysPread64:        {"pread64", 4},
	SysNanosleep:      {"nanosleep", 2},
	SysGetpid:         {"getpid", 0},
	SysRecvfrom:       {"recvfrom", 6},
	SysClone:          {"clone", 5},
	SysFork:           {"fork", 0},
	SysVfork:          {"vfork", 0},
	SysExecve:         {"execve", 3},
	SysExit:           {"exit", 1},
	SysWait4:          {"wait4", 4},
	SysKill:           {"kill", 2},
	SysGettid:         {"gettid", 0},
	SysTkill:          {"tkill", 2},
	SysFutex:          {"futex", 6},
	SysRestartSyscall: {"restart_syscall", 0},
	SysClockGettime:   {"clock_gettime", 2},
	SysExitGroup:      {"exit_group", 1},
	SysTgkill:         {"tgkill", 3},
	SysOpenat:         {"openat", 4},
	SysGetrandom:      {"getrandom", 3},
	SysExecveat:       {"execveat", 5},
	SysClone3:         {"clone3", 2},
}

// Name returns the syscall name, or "syscall_<n>" for numbers outside the table.
func Name(nr int64) string {
	if i, ok := table[nr]; ok {
		return i.name
	}
	return "syscall_" + strconv.FormatInt(nr, 10)
}

// Arity returns how many argument registers the syscall reads. Unknown
// syscalls report all six.
func Arity(nr int64) int {
	if i, ok := table[nr]; ok {
		return i.args
	}
	return 6
}

// Futex operations from linux/futex.h.
const (
	futexWake          = 1
	futexWakeOp        = 5
	futexPrivateFlag   = 128
	futexClockRealtime = 256
	futexCmdMask       = ^(futexPrivateFlag | futexClockRealtime)
)

// NeedsFinish reports whether a syscall entry is a legal rescheduling point.
//
// Only futex wake operations qualify. Adding a syscall to this list changes
// the recorded interleaving of every trace.
func NeedsFinish(nr int64, args [6]uint64) bool {
	if nr != SysFutex {
		return false
	}
	switch int64(args[1]) & futexCmdMask {
	case futexWake, futexWakeOp:
		return true
	}
	return false
}
