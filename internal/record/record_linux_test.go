//go:build linux && amd64

package record

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/tracerec/internal/inst"
	"github.com/majorcontext/tracerec/internal/ptrace"
	"github.com/majorcontext/tracerec/internal/syscalls"
)

const helperEnv = "TRACEREC_TEST_HELPER"

// TestHelperProcess is the program recorded by the threads case. It does
// nothing unless started by that case.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "threads" {
		return
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
		n  int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Never unlocked, so the thread exits with the goroutine.
			runtime.LockOSThread()
			for j := 0; j < 200; j++ {
				mu.Lock()
				n++
				mu.Unlock()
				runtime.Gosched()
			}
		}()
	}
	wg.Wait()

	if err := exec.Command("true").Run(); err != nil || n != 800 {
		os.Exit(2)
	}
	os.Exit(0)
}

// timingProgram writes a static x86-64 executable that reads the timestamp
// counter with rdtsc and rdtscp and then calls exit_group(0).
func timingProgram(t *testing.T) string {
	t.Helper()

	const base = 0x400000
	code := []byte{
		0x0f, 0x31, // rdtsc
		0x0f, 0x01, 0xf9, // rdtscp
		0xb8, 0xe7, 0x00, 0x00, 0x00, // mov eax, 231
		0x31, 0xff, // xor edi, edi
		0x0f, 0x05, // syscall
	}
	hdrSize := uint64(binary.Size(elf.Header64{}))
	phSize := uint64(binary.Size(elf.Prog64{}))
	size := hdrSize + phSize + uint64(len(code))

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     base + hdrSize + phSize,
		Phoff:     hdrSize,
		Ehsize:    uint16(hdrSize),
		Phentsize: uint16(phSize),
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	ph := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  base,
		Paddr:  base,
		Filesz: size,
		Memsz:  size,
		Align:  0x1000,
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, ph))
	buf.Write(code)

	path := filepath.Join(t.TempDir(), "timing")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o755))
	return path
}

// recordProgram records cfg.Argv to completion and returns the scheduler,
// the root tid, the recorded events and the exit code.
func recordProgram(t *testing.T, cfg ptrace.LaunchConfig, sc Config) (*Scheduler, int, []Event, int) {
	t.Helper()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	proc, err := ptrace.Launch(cfg)
	if err != nil {
		t.Skipf("cannot launch %s under ptrace here: %v", cfg.Argv[0], err)
	}
	tracer, err := ptrace.New()
	require.NoError(t, err)

	out := &sink{}
	sc.Control = tracer
	sc.Sink = out
	sc.Syscalls = syscalls.NewHandler(tracer)
	sc.Decoder = inst.NewDecoder(tracer)
	s := New(sc)
	_, err = s.AddRoot(proc.Pid)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		_ = proc.Kill()
		_, _ = proc.Reap(5 * time.Second)
		t.Fatalf("Run: %v", err)
	}

	code, err := proc.Reap(5 * time.Second)
	require.NoError(t, err)
	return s, proc.Pid, out.events, code
}

func hasEvent(events []Event, match func(Event) bool) bool {
	for _, e := range events {
		if match(e) {
			return true
		}
	}
	return false
}

func committed(code int64) func(Event) bool {
	return func(e Event) bool { return e.Code == code && e.Committed }
}

// assertThreadsExited checks that every recorded thread ends with a
// committed exit event.
func assertThreadsExited(t *testing.T, events []Event) {
	t.Helper()
	last := make(map[int]Event)
	for _, e := range events {
		last[e.TID] = e
	}
	for tid, e := range last {
		assert.Equal(t, CodeExit, e.Code, "last event of tid %d", tid)
		assert.True(t, e.Committed, "last event of tid %d", tid)
	}
}

func TestRecordRealProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ptrace test in short mode")
	}

	tests := []struct {
		name  string
		need  string // tool that must be on PATH
		argv  func(t *testing.T) []string
		env   []string
		traps bool
		sc    Config
		check func(t *testing.T, s *Scheduler, root int, events []Event)
	}{
		{
			name: "single thread",
			need: "true",
			argv: func(*testing.T) []string { return []string{"true"} },
			check: func(t *testing.T, s *Scheduler, root int, events []Event) {
				assert.Equal(t, 1, s.Registered())
				assert.True(t, hasEvent(events, func(e Event) bool {
					return e.Code == syscalls.SysExitGroup && !e.Committed
				}), "exit_group entry should be recorded")
			},
		},
		{
			name:  "timing reads",
			argv:  func(t *testing.T) []string { return []string{timingProgram(t)} },
			traps: true,
			check: func(t *testing.T, s *Scheduler, root int, events []Event) {
				codes := make([]int64, len(events))
				for i, e := range events {
					codes[i] = e.Code
					assert.Equal(t, root, e.TID)
				}
				assert.Equal(t, []int64{CodeInitial, CodeTimingTrap, CodeTimingTrap, syscalls.SysExitGroup, CodeExit}, codes)
				if len(events) == 5 {
					assert.NotZero(t, events[1].Value)
					assert.Greater(t, events[2].Value, events[1].Value)
				}
			},
		},
		{
			name: "fork and exec",
			need: "sh",
			argv: func(*testing.T) []string { return []string{"sh", "-c", "/bin/true | /bin/true"} },
			check: func(t *testing.T, s *Scheduler, root int, events []Event) {
				assert.GreaterOrEqual(t, s.Registered(), 3)
				assert.True(t, hasEvent(events, func(e Event) bool {
					return e.TID != root && e.Code == syscalls.SysExecve && e.Committed
				}), "children should exec")
			},
		},
		{
			name: "preemption",
			need: "sh",
			argv: func(*testing.T) []string {
				return []string{"sh", "-c", "i=0; while [ $i -lt 2000 ]; do i=$((i+1)); done"}
			},
			sc: Config{SliceBudget: 1},
			check: func(t *testing.T, s *Scheduler, root int, events []Event) {
				assert.True(t, hasEvent(events, func(e Event) bool { return e.Code == CodeSched }),
					"a busy thread should be interrupted")
			},
		},
		{
			name: "threads futex and vfork",
			need: "true",
			argv: func(*testing.T) []string { return []string{os.Args[0], "-test.run=^TestHelperProcess$"} },
			env:  append(os.Environ(), helperEnv+"=threads"),
			sc:   Config{SliceBudget: 2000},
			check: func(t *testing.T, s *Scheduler, root int, events []Event) {
				assert.GreaterOrEqual(t, s.Registered(), 3)
				assert.True(t, hasEvent(events, committed(syscalls.SysFutex)), "threads should wait on futexes")
				assert.True(t, hasEvent(events, func(e Event) bool {
					return (e.Code == syscalls.SysClone || e.Code == syscalls.SysClone3) && e.Committed && e.Result > 0
				}), "clone should be recorded")
				assert.True(t, hasEvent(events, func(e Event) bool {
					return e.TID != root && e.Code == syscalls.SysExecve && e.Committed
				}), "the vforked child should exec")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.need != "" {
				if _, err := exec.LookPath(tt.need); err != nil {
					t.Skipf("%s not found", tt.need)
				}
			}

			s, root, events, code := recordProgram(t, ptrace.LaunchConfig{
				Argv:        tt.argv(t),
				Env:         tt.env,
				TimingTraps: tt.traps,
			}, tt.sc)
			assert.Equal(t, 0, code)

			require.NotEmpty(t, events)
			assert.Equal(t, CodeInitial, events[0].Code)
			assert.Equal(t, root, events[0].TID)
			assertThreadsExited(t, events)
			tt.check(t, s, root, events)
		})
	}
}
