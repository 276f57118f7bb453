//go:build linux && amd64

package ptrace

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/stop"
)

// LaunchConfig describes the program to record.
type LaunchConfig struct {
	Argv   []string
	Env    []string // nil inherits the recorder's environment
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// TimingTraps arms the rdtsc and rdtscp fault before the first
	// instruction runs, so every timestamp read is emulated and recorded.
	TimingTraps bool
}

// Process is a launched, traced program stopped at its first instruction.
type Process struct {
	Pid int
	cmd *exec.Cmd
}

// Launch starts cfg.Argv under PTRACE_TRACEME and waits for the exec stop.
// The calling goroutine must be locked to its OS thread and stay locked
// while the process is traced.
func Launch(cfg LaunchConfig) (*Process, error) {
	if len(cfg.Argv) == 0 {
		return nil, errors.New("no command to record")
	}

	path, err := exec.LookPath(cfg.Argv[0])
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.Argv[0], err)
	}

	cmd := exec.Command(path, cfg.Argv[1:]...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir
	cmd.Stdin = cfg.Stdin
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("waiting for exec stop of %d: %w", pid, err)
	}
	if st := stop.Status(ws); !st.Stopped() || st.StopSignal() != unix.SIGTRAP {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("process %d did not stop at exec: %s", pid, st)
	}

	if cfg.TimingTraps {
		if err := ArmTimingTraps(pid); err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("arming timing traps in %d: %w", pid, err)
		}
	}

	if err := unix.PtraceSetOptions(pid, Options); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("setting ptrace options on %d: %w", pid, err)
	}

	return &Process{Pid: pid, cmd: cmd}, nil
}

// Kill terminates the traced process.
func (p *Process) Kill() error {
	return unix.Kill(p.Pid, unix.SIGKILL)
}

// Reap collects the exit status of the process after recording finished.
// Untraced stops that arrive meanwhile are continued. It gives up after
// timeout and returns -1 if the exit status was never seen.
func (p *Process) Reap(timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	code := -1
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WALL, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return code, nil
		case err != nil:
			return code, fmt.Errorf("reaping %d: %w", p.Pid, err)
		}

		if wpid == 0 {
			if code >= 0 || time.Now().After(deadline) {
				return code, nil
			}
			time.Sleep(time.Millisecond)
			continue
		}

		st := stop.Status(ws)
		switch {
		case wpid == p.Pid && st.Exited():
			code = st.ExitCode()
		case wpid == p.Pid && st.Signaled():
			code = 128 + int(st.TermSignal())
		case st.Stopped():
			_ = unix.PtraceCont(wpid, 0)
		}
	}
}
