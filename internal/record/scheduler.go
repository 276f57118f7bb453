package record

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/fatal"
	"github.com/majorcontext/tracerec/internal/log"
)

// DefaultSchedSignal is SIGSTKFLT on Linux, which no libc uses.
const DefaultSchedSignal = unix.Signal(16)

// Config configures a Scheduler.
type Config struct {
	Control  Control
	Sink     Sink
	Syscalls SyscallHandler // nil records results without buffers
	Decoder  Decoder        // nil disables timing traps and single-stepping
	Metrics  *Metrics

	// SchedSignal marks a rescheduling point. It is swallowed, never
	// delivered to the tracee.
	SchedSignal unix.Signal

	// SliceBudget is how many consecutive not-ready polls a thread in Start
	// gets before it is interrupted with SchedSignal. Zero disables it.
	SliceBudget int

	// IdleBackoff is slept after a full round in which every thread yielded.
	IdleBackoff time.Duration

	// SingleStep explores to each syscall instruction one instruction at a
	// time instead of relying on syscall stops alone.
	SingleStep bool

	// StepLimit bounds one single-step exploration. Zero means DefaultStepLimit.
	StepLimit int
}

// Scheduler owns the registry of traced threads and drives them.
type Scheduler struct {
	cfg Config

	threads map[int]*Thread
	order   []int // registration order, walked round-robin
	cursor  int   // index in order of the last round-robin pick

	current    *Thread
	idle       int // consecutive steps that yielded
	started    bool
	registered int // threads ever registered
}

// New returns a Scheduler with an empty registry.
func New(cfg Config) *Scheduler {
	if cfg.SchedSignal == 0 {
		cfg.SchedSignal = DefaultSchedSignal
	}
	return &Scheduler{
		cfg:     cfg,
		threads: make(map[int]*Thread),
		cursor:  -1,
	}
}

// AddRoot registers the first thread of a session. Its ptrace options must
// already be armed.
func (s *Scheduler) AddRoot(tid int) (*Thread, error) {
	return s.add(0, tid)
}

// RegisterThread registers a thread created by parent and arms its ptrace
// options. The new thread starts in phase Start.
func (s *Scheduler) RegisterThread(parent, tid int) (*Thread, error) {
	t, err := s.add(parent, tid)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Control.ArmOptions(tid); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Scheduler) add(parent, tid int) (*Thread, error) {
	if _, ok := s.threads[tid]; ok {
		return nil, fatal.New(fatal.UnexpectedState, tid, "", 0, "thread registered twice (parent %d)", parent)
	}
	t := newThread(tid, parent)
	s.threads[tid] = t
	s.order = append(s.order, tid)
	s.registered++
	s.cfg.Metrics.registered(len(s.order))
	log.Info("thread registered", "tid", tid, "parent", parent, "threads", len(s.order))
	return t, nil
}

// DeregisterThread removes a thread from the registry.
func (s *Scheduler) DeregisterThread(tid int) error {
	if _, ok := s.threads[tid]; !ok {
		return fatal.New(fatal.UnexpectedState, tid, "", 0, "deregistering unknown thread")
	}
	delete(s.threads, tid)
	for i, id := range s.order {
		if id != tid {
			continue
		}
		s.order = append(s.order[:i], s.order[i+1:]...)
		if i <= s.cursor {
			s.cursor--
		}
		break
	}
	s.cfg.Metrics.deregistered(len(s.order))
	log.Info("thread deregistered", "tid", tid, "threads", len(s.order))
	return nil
}

// ActiveThreadCount returns the number of registered threads.
func (s *Scheduler) ActiveThreadCount() int {
	return len(s.order)
}

// Registered returns how many threads were ever registered.
func (s *Scheduler) Registered() int {
	return s.registered
}

// Thread returns the registered thread with the given id.
func (s *Scheduler) Thread(tid int) (*Thread, bool) {
	t, ok := s.threads[tid]
	return t, ok
}

// SelectNext chooses the thread to drive next.
//
// The previous thread is selected again while it has order-critical work
// left: its last step made progress and did not end at a point where
// switching is allowed. Otherwise threads are taken round-robin in
// registration order.
func (s *Scheduler) SelectNext(prev *Thread) *Thread {
	if len(s.order) == 0 {
		return nil
	}
	if prev != nil && s.threads[prev.TID] == prev && !prev.SwitchAllowed && !prev.yielded {
		return prev
	}
	s.cursor = (s.cursor + 1) % len(s.order)
	return s.threads[s.order[s.cursor]]
}

// Step selects a thread and advances its state machine by one phase.
func (s *Scheduler) Step() error {
	prev := s.current
	t := s.SelectNext(prev)
	if t == nil {
		return nil
	}
	if prev != nil && prev != t {
		s.cfg.Metrics.contextSwitch()
	}
	s.current = t
	s.cfg.Metrics.step()

	phase := t.Phase
	if err := s.advance(t); err != nil {
		return s.annotate(err, t, phase)
	}

	if t.yielded {
		s.idle++
		s.cfg.Metrics.yield()
	} else {
		s.idle = 0
	}
	return nil
}

// Run records until the registry is empty. It returns a *fatal.Error if the
// session must be aborted, or ctx.Err() if ctx is cancelled first.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recordInitial(); err != nil {
		return err
	}

	for s.ActiveThreadCount() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Step(); err != nil {
			log.Error("recording aborted", "error", err)
			return err
		}
		if s.cfg.IdleBackoff > 0 && s.idle >= s.ActiveThreadCount() {
			time.Sleep(s.cfg.IdleBackoff)
			s.idle = 0
		}
	}
	return nil
}

// recordInitial records the register file of the first thread before it
// executes anything.
func (s *Scheduler) recordInitial() error {
	if s.started || len(s.order) == 0 {
		return nil
	}
	s.started = true

	t := s.threads[s.order[0]]
	regs, err := s.cfg.Control.Registers(t.TID)
	if err != nil {
		return s.annotate(err, t, t.Phase)
	}
	t.regs = regs
	t.LastEvent = CodeInitial
	s.emit(t, Event{Code: CodeInitial})
	return nil
}

// annotate turns err into a *fatal.Error carrying the thread's context.
func (s *Scheduler) annotate(err error, t *Thread, phase Phase) error {
	var fe *fatal.Error
	if !errors.As(err, &fe) {
		fe = &fatal.Error{Kind: fatal.ControlOpFailed, Err: err}
	}
	c := *fe
	if c.TID == 0 {
		c.TID = t.TID
	}
	if c.Phase == "" {
		c.Phase = phase.String()
	}
	if c.Status == 0 {
		c.Status = uint32(t.RawStatus)
	}
	return &c
}
