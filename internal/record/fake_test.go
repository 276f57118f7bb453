package record

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/ptrace"
	"github.com/majorcontext/tracerec/internal/stop"
)

// step is one scripted stop of a fake thread.
type step struct {
	status   stop.Status
	regs     ptrace.Regs
	msg      int // PTRACE_GETEVENTMSG value at this stop
	notReady int // polls that find the thread running before this stop
}

func entry(nr int64, args ...uint64) step {
	s := step{status: stop.SyscallStatus(), regs: ptrace.Regs{SyscallNo: nr, Ret: ptrace.EntrySentinel}}
	copy(s.regs.Args[:], args)
	return s
}

func exit(nr, ret int64, args ...uint64) step {
	s := step{status: stop.SyscallStatus(), regs: ptrace.Regs{SyscallNo: nr, Ret: ret}}
	copy(s.regs.Args[:], args)
	return s
}

func event(ev stop.Event, nr int64, msg int) step {
	return step{status: stop.EventStatus(ev), regs: ptrace.Regs{SyscallNo: nr, Ret: ptrace.EntrySentinel}, msg: msg}
}

func exitEvent() step {
	return step{status: stop.EventStatus(stop.Exit), regs: ptrace.Regs{SyscallNo: -1}}
}

func signal(sig unix.Signal) step {
	return step{status: stop.MakeStatus(sig, 0)}
}

func (s step) after(polls int) step {
	s.notReady = polls
	return s
}

func (s step) at(ip uint64) step {
	s.regs.IP = ip
	return s
}

// fakeControl is a scripted process-control backend.
type fakeControl struct {
	t *testing.T

	queue   map[int][]step
	regs    map[int]ptrace.Regs
	msg     map[int]int
	running map[int]bool
	mem     map[uint64][]byte
	fail    map[string]error

	calls    []string
	armed    []int
	released []int
	counter  uint64
}

var _ Control = (*fakeControl)(nil)

func newFake(t *testing.T) *fakeControl {
	return &fakeControl{
		t:       t,
		queue:   make(map[int][]step),
		regs:    make(map[int]ptrace.Regs),
		msg:     make(map[int]int),
		running: make(map[int]bool),
		mem:     make(map[uint64][]byte),
		fail:    make(map[string]error),
	}
}

func (f *fakeControl) script(tid int, steps ...step) {
	f.queue[tid] = append(f.queue[tid], steps...)
}

func (f *fakeControl) log(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeControl) pop(tid int) step {
	q := f.queue[tid]
	if len(q) == 0 {
		f.t.Fatalf("tid %d: no stop scripted", tid)
	}
	s := q[0]
	f.queue[tid] = q[1:]
	f.running[tid] = false
	f.regs[tid] = s.regs
	f.msg[tid] = s.msg
	return s
}

func (f *fakeControl) Resume(tid int, sig unix.Signal) error {
	f.log("resume %d %d", tid, int(sig))
	if err := f.fail["resume"]; err != nil {
		return err
	}
	if f.running[tid] {
		f.t.Errorf("tid %d resumed while running", tid)
	}
	f.running[tid] = true
	return nil
}

func (f *fakeControl) ResumeBlocking(tid int) (stop.Status, error) {
	if err := f.Resume(tid, 0); err != nil {
		return 0, err
	}
	return f.pop(tid).status, nil
}

func (f *fakeControl) Poll(tid int) (stop.Status, bool, error) {
	if !f.running[tid] {
		f.t.Errorf("tid %d polled while stopped", tid)
	}
	q := f.queue[tid]
	if len(q) == 0 {
		f.t.Fatalf("tid %d: no stop scripted", tid)
	}
	if q[0].notReady > 0 {
		q[0].notReady--
		return 0, false, nil
	}
	return f.pop(tid).status, true, nil
}

func (f *fakeControl) WaitStop(tid int) (stop.Status, error) {
	f.log("wait %d", tid)
	return f.pop(tid).status, nil
}

func (f *fakeControl) SingleStep(tid int, sig unix.Signal) (stop.Status, error) {
	f.log("singlestep %d %d", tid, int(sig))
	return f.pop(tid).status, nil
}

func (f *fakeControl) Registers(tid int) (ptrace.Regs, error) {
	if err := f.fail["registers"]; err != nil {
		return ptrace.Regs{}, err
	}
	return f.regs[tid], nil
}

func (f *fakeControl) EventMsg(tid int) (int, error) {
	return f.msg[tid], nil
}

func (f *fakeControl) ArmOptions(tid int) error {
	f.armed = append(f.armed, tid)
	return nil
}

func (f *fakeControl) ReadMemory(tid int, addr uint64, buf []byte) (int, error) {
	data, ok := f.mem[addr]
	if !ok {
		return 0, unix.EIO
	}
	return copy(buf, data), nil
}

func (f *fakeControl) EmulateTimingRead(tid int, length int, rdtscp bool) (uint64, error) {
	f.log("rdtsc %d len=%d aux=%v", tid, length, rdtscp)
	f.counter++
	r := f.regs[tid]
	r.IP += uint64(length)
	f.regs[tid] = r
	return f.counter, nil
}

func (f *fakeControl) Interrupt(tid int, sig unix.Signal) error {
	f.log("interrupt %d %d", tid, int(sig))
	f.queue[tid] = append([]step{signal(sig)}, f.queue[tid]...)
	return nil
}

func (f *fakeControl) Release(tid int) error {
	f.log("release %d", tid)
	f.released = append(f.released, tid)
	return nil
}

// sink collects events.
type sink struct {
	events []Event
}

func (s *sink) Record(e Event) { s.events = append(s.events, e) }

// brief is an event reduced to what ordering tests compare.
type brief struct {
	TID       int
	Code      int64
	Committed bool
}

func (s *sink) brief() []brief {
	out := make([]brief, len(s.events))
	for i, e := range s.events {
		out[i] = brief{e.TID, e.Code, e.Committed}
	}
	return out
}
