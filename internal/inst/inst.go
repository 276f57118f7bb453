// Package inst decodes instructions in a traced thread's memory.
package inst

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// maxLen is the longest legal x86 instruction.
const maxLen = 15

// MemoryReader reads memory of a stopped traced thread.
type MemoryReader interface {
	ReadMemory(tid int, addr uint64, buf []byte) (int, error)
}

// Instruction is a decoded instruction.
type Instruction struct {
	Op       x86asm.Op
	Len      int
	Mnemonic string
	Vector   int64 // immediate of INT
}

// IsSyscallEntry reports whether executing the instruction enters the kernel.
func (i Instruction) IsSyscallEntry() bool {
	switch i.Op {
	case x86asm.SYSCALL, x86asm.SYSENTER:
		return true
	case x86asm.INT:
		return i.Vector == 0x80
	}
	return false
}

// IsTimingRead reports whether the instruction reads the timestamp counter.
// With PR_TSC_SIGSEGV these fault and are emulated by the recorder.
func (i Instruction) IsTimingRead() bool {
	return i.Op == x86asm.RDTSC || i.Op == x86asm.RDTSCP
}

// WritesAux reports whether the timing read also loads TSC_AUX into ecx.
func (i Instruction) WritesAux() bool {
	return i.Op == x86asm.RDTSCP
}

// Decoder decodes 64-bit x86 instructions straight from tracee memory.
type Decoder struct {
	mem MemoryReader
}

// NewDecoder returns a Decoder reading through mem.
func NewDecoder(mem MemoryReader) *Decoder {
	return &Decoder{mem: mem}
}

// DecodeAt decodes the instruction at addr in the thread's address space.
func (d *Decoder) DecodeAt(tid int, addr uint64) (Instruction, error) {
	buf := make([]byte, maxLen)
	n, err := d.mem.ReadMemory(tid, addr, buf)
	if err != nil && n == 0 {
		return Instruction{}, fmt.Errorf("reading instruction at %#x: %w", addr, err)
	}
	return Decode(buf[:n])
}

// Decode decodes the first instruction in code.
func Decode(code []byte) (Instruction, error) {
	in, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("decoding instruction: %w", err)
	}

	out := Instruction{
		Op:       in.Op,
		Len:      in.Len,
		Mnemonic: strings.ToLower(in.Op.String()),
	}
	if in.Op == x86asm.INT {
		if imm, ok := in.Args[0].(x86asm.Imm); ok {
			out.Vector = int64(imm)
		}
	}
	return out, nil
}
