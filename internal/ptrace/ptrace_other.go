//go:build !(linux && amd64)

package ptrace

import (
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/stop"
)

// Tracer is unavailable on this platform.
type Tracer struct{}

// New returns ErrUnsupported.
func New() (*Tracer, error) {
	return nil, ErrUnsupported
}

func (t *Tracer) Resume(tid int, sig unix.Signal) error { return ErrUnsupported }

func (t *Tracer) ResumeBlocking(tid int) (stop.Status, error) { return 0, ErrUnsupported }

func (t *Tracer) Poll(tid int) (stop.Status, bool, error) { return 0, false, ErrUnsupported }

func (t *Tracer) WaitStop(tid int) (stop.Status, error) { return 0, ErrUnsupported }

func (t *Tracer) SingleStep(tid int, sig unix.Signal) (stop.Status, error) {
	return 0, ErrUnsupported
}

func (t *Tracer) Registers(tid int) (Regs, error) { return Regs{}, ErrUnsupported }

func (t *Tracer) EventMsg(tid int) (int, error) { return 0, ErrUnsupported }

func (t *Tracer) ArmOptions(tid int) error { return ErrUnsupported }

func (t *Tracer) ReadMemory(tid int, addr uint64, buf []byte) (int, error) {
	return 0, ErrUnsupported
}

func (t *Tracer) EmulateTimingRead(tid int, length int, rdtscp bool) (uint64, error) {
	return 0, ErrUnsupported
}

func (t *Tracer) Interrupt(tid int, sig unix.Signal) error { return ErrUnsupported }

func (t *Tracer) Release(tid int) error { return ErrUnsupported }

// LaunchConfig describes the program to record.
type LaunchConfig struct {
	Argv   []string
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	TimingTraps bool
}

// Process is unavailable on this platform.
type Process struct {
	Pid int
}

// Launch returns ErrUnsupported.
func Launch(cfg LaunchConfig) (*Process, error) {
	return nil, ErrUnsupported
}

func (p *Process) Kill() error { return ErrUnsupported }

func (p *Process) Reap(timeout time.Duration) (int, error) { return -1, ErrUnsupported }
