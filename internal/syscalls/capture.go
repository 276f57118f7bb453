package syscalls

import (
	"fmt"

	"github.com/majorcontext/tracerec/internal/ptrace"
)

// DefaultMaxCapture bounds the bytes copied out of tracee memory per syscall.
const DefaultMaxCapture = 64 * 1024

// MemoryReader reads memory of a stopped traced thread.
type MemoryReader interface {
	ReadMemory(tid int, addr uint64, buf []byte) (int, error)
}

// Capture is what the recorder keeps about a finished syscall.
type Capture struct {
	Result    int64  `json:"result"`
	Data      []byte `json:"data,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Handler captures syscall results and the buffers the kernel wrote into
// tracee memory, so a replayer can reproduce them without the kernel.
type Handler struct {
	Mem        MemoryReader
	MaxCapture int
}

// NewHandler returns a Handler reading through mem.
func NewHandler(mem MemoryReader) *Handler {
	return &Handler{Mem: mem, MaxCapture: DefaultMaxCapture}
}

// outBuffer returns the user buffer argument a syscall fills, if any.
func outBuffer(nr int64, args [6]uint64) (uint64, bool) {
	switch nr {
	case SysRead, SysPread64, SysRecvfrom:
		return args[1], true
	case SysGetrandom:
		return args[0], true
	}
	return 0, false
}

// OnSyscallExit captures the result of the syscall a thread just finished.
// It never changes the thread's state.
func (h *Handler) OnSyscallExit(tid int, regs ptrace.Regs) (Capture, error) {
	c := Capture{Result: regs.Ret}

	addr, ok := outBuffer(regs.SyscallNo, regs.Args)
	if !ok || regs.Ret <= 0 || addr == 0 || h.Mem == nil {
		return c, nil
	}

	n := int(regs.Ret)
	limit := h.MaxCapture
	if limit <= 0 {
		limit = DefaultMaxCapture
	}
	if n > limit {
		n = limit
		c.Truncated = true
	}

	buf := make([]byte, n)
	got, err := h.Mem.ReadMemory(tid, addr, buf)
	if err != nil {
		return c, fmt.Errorf("reading %s buffer at %#x: %w", Name(regs.SyscallNo), addr, err)
	}
	c.Data = buf[:got]
	return c, nil
}
