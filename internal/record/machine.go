package record

import (
	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/fatal"
	"github.com/majorcontext/tracerec/internal/log"
	"github.com/majorcontext/tracerec/internal/ptrace"
	"github.com/majorcontext/tracerec/internal/stop"
	"github.com/majorcontext/tracerec/internal/syscalls"
)

// advance runs one step of t's state machine.
func (s *Scheduler) advance(t *Thread) error {
	t.yielded = false
	switch t.Phase {
	case Start:
		return s.stepStart(t)
	case SyscallEntryTrapped:
		return s.stepEntryTrapped(t)
	case InSyscall:
		return s.stepInSyscall(t)
	}
	return fatal.New(fatal.UnexpectedState, t.TID, t.Phase.String(), 0, "no transition defined")
}

func (s *Scheduler) stepStart(t *Thread) error {
	ctl := s.cfg.Control

	if !t.running {
		if s.cfg.SingleStep && s.cfg.Decoder != nil {
			st, stopped, err := s.exploreToSyscall(t)
			if err != nil {
				return err
			}
			if stopped {
				return s.onStartStop(t, st)
			}
		}
		if err := ctl.Resume(t.TID, t.PendingSignal); err != nil {
			return err
		}
		t.PendingSignal = 0
		s.resumed(t)
	}

	st, ok, err := ctl.Poll(t.TID)
	if err != nil {
		return err
	}
	if !ok {
		s.yield(t)
		if s.cfg.SliceBudget > 0 && t.polls >= s.cfg.SliceBudget && !t.kicked {
			if err := ctl.Interrupt(t.TID, s.cfg.SchedSignal); err != nil {
				return err
			}
			t.kicked = true
			s.cfg.Metrics.preempt()
			log.Debug("slice exhausted", "tid", t.TID, "polls", t.polls)
		}
		return nil
	}
	t.running = false
	return s.onStartStop(t, st)
}

func (s *Scheduler) onStartStop(t *Thread, st stop.Status) error {
	cls, err := s.observe(t, st, false)
	if err != nil {
		return err
	}

	switch {
	case cls.Kind == stop.PseudoTrap:
		v, err := s.cfg.Control.EmulateTimingRead(t.TID, t.trap.Len, t.trap.WritesAux())
		if err != nil {
			return err
		}
		t.SwitchAllowed = true
		t.LastEvent = CodeTimingTrap
		s.emit(t, Event{Code: CodeTimingTrap, Signal: int(cls.Signal), Value: v})

	case cls.Kind == stop.Signal && cls.Signal == s.cfg.SchedSignal:
		t.SwitchAllowed = true
		t.LastEvent = CodeSched
		s.emit(t, Event{Code: CodeSched, Signal: int(cls.Signal)})

	case cls.Kind == stop.Signal:
		t.PendingSignal = cls.Signal
		t.SwitchAllowed = false
		t.LastEvent = CodeSignal
		s.emit(t, Event{Code: CodeSignal, Signal: int(cls.Signal)})

	case cls.Kind == stop.SyscallEntry:
		if cls.Code == syscalls.SysRestartSyscall {
			return fatal.New(fatal.UnexpectedState, t.TID, "", uint32(st), "restart_syscall is not supported")
		}
		t.Phase = SyscallEntryTrapped
		t.LastEvent = cls.Code
		t.SwitchAllowed = syscalls.NeedsFinish(cls.Code, t.regs.Args)
		s.emit(t, Event{Code: cls.Code})

	case cls.Kind == stop.Extended && cls.Event == stop.Exit:
		// Killed by a sibling's exit_group or a fatal signal outside a syscall.
		return s.exitThread(t, cls)

	default:
		return fatal.New(fatal.UnexpectedState, t.TID, "", uint32(st), "%s outside a syscall", cls)
	}
	return nil
}

func (s *Scheduler) stepEntryTrapped(t *Thread) error {
	if t.PendingSignal != 0 {
		return fatal.New(fatal.UnexpectedState, t.TID, "", 0, "signal %d pending at syscall entry", int(t.PendingSignal))
	}

	regs, err := s.cfg.Control.Registers(t.TID)
	if err != nil {
		return err
	}
	if regs.Ret != ptrace.EntrySentinel {
		t.Phase = Start
		return fatal.New(fatal.EntryTrapMismatch, t.TID, "", 0,
			"%s entry has return register %d, want %d", syscalls.Name(t.LastEvent), regs.Ret, ptrace.EntrySentinel)
	}
	t.regs = regs

	if err := s.cfg.Control.Resume(t.TID, 0); err != nil {
		return err
	}
	s.resumed(t)
	t.Phase = InSyscall
	return nil
}

func (s *Scheduler) stepInSyscall(t *Thread) error {
	if t.inherited {
		return s.finishInherited(t)
	}
	if t.vforkChild != 0 {
		if child, ok := s.threads[t.vforkChild]; ok && child.events == 0 {
			s.yield(t)
			return nil
		}
		t.vforkChild = 0
	}

	ctl := s.cfg.Control
	if !t.running {
		if err := ctl.Resume(t.TID, 0); err != nil {
			return err
		}
		s.resumed(t)
	}

	st, ok, err := ctl.Poll(t.TID)
	if err != nil {
		return err
	}
	if !ok {
		s.yield(t)
		return nil
	}
	t.running = false

	cls, err := s.observe(t, st, true)
	if err != nil {
		return err
	}

	switch {
	case cls.Kind == stop.Extended && cls.Event.Spawns():
		err = s.spawn(t, cls)
	case cls.Kind == stop.Extended && cls.Event == stop.Exec:
		err = s.roundTrip(t, cls)
	case cls.Kind == stop.Extended:
		err = s.exitThread(t, cls)
	case cls.Kind == stop.SyscallExit:
		err = s.finishSyscall(t)
	default:
		err = fatal.New(fatal.UnexpectedState, t.TID, "", uint32(st), "%s during %s", cls, syscalls.Name(t.LastEvent))
	}
	t.SwitchAllowed = false
	return err
}

// spawn registers the thread created by a clone, fork or vfork.
func (s *Scheduler) spawn(t *Thread, cls stop.Stop) error {
	ctl := s.cfg.Control

	newTID, err := ctl.EventMsg(t.TID)
	if err != nil {
		return err
	}
	if newTID <= 0 || t.regs.Failed() {
		return fatal.New(fatal.CloneFailed, t.TID, "", uint32(cls.Status),
			"%s returned %d, new tid %d", syscalls.Name(t.LastEvent), t.regs.Ret, newTID)
	}

	childStatus, err := ctl.WaitStop(newTID)
	if err != nil {
		return err
	}
	if !childStatus.Stopped() {
		return fatal.New(fatal.UnexpectedState, newTID, "", uint32(childStatus), "new thread did not stop")
	}

	child, err := s.RegisterThread(t.TID, newTID)
	if err != nil {
		return err
	}
	child.RawStatus = childStatus

	if cls.Event == stop.VFork {
		// The kernel holds the parent until the child execs or exits.
		child.Phase = InSyscall
		child.inherited = true
		child.LastEvent = t.LastEvent
		t.vforkChild = newTID
		s.emit(t, Event{Code: t.LastEvent})
		return nil
	}
	return s.roundTrip(t, cls)
}

// roundTrip resumes t once and blocks for the syscall-exit stop that
// follows a clone, fork or exec event.
func (s *Scheduler) roundTrip(t *Thread, after stop.Stop) error {
	st, err := s.cfg.Control.ResumeBlocking(t.TID)
	if err != nil {
		return err
	}
	cls, err := s.observe(t, st, true)
	if err != nil {
		return err
	}
	if cls.Kind != stop.SyscallExit {
		return fatal.New(fatal.UnexpectedState, t.TID, "", uint32(st), "%s after %s", cls, after.Event)
	}
	return s.finishSyscall(t)
}

// finishSyscall commits the syscall t just completed.
func (s *Scheduler) finishSyscall(t *Thread) error {
	ev := Event{Code: t.LastEvent, Committed: true, Result: t.regs.Ret}
	if s.cfg.Syscalls != nil {
		c, err := s.cfg.Syscalls.OnSyscallExit(t.TID, t.regs)
		if err != nil {
			return err
		}
		ev.Result = c.Result
		ev.Data = c.Data
		ev.Truncated = c.Truncated
	}
	s.emit(t, ev)
	t.Phase = Start
	return nil
}

// finishInherited commits the vfork a child returns from without having
// entered it.
func (s *Scheduler) finishInherited(t *Thread) error {
	regs, err := s.cfg.Control.Registers(t.TID)
	if err != nil {
		return err
	}
	t.regs = regs
	t.inherited = false
	s.emit(t, Event{Code: t.LastEvent, Committed: true, Result: regs.Ret})
	t.Phase = Start
	t.SwitchAllowed = false
	return nil
}

// exitThread commits the final event of t and drops it from the registry.
func (s *Scheduler) exitThread(t *Thread, cls stop.Stop) error {
	t.LastEvent = CodeExit
	s.emit(t, Event{Code: CodeExit, Committed: true})
	if err := s.DeregisterThread(t.TID); err != nil {
		return err
	}
	if !cls.Reaped {
		if err := s.cfg.Control.Release(t.TID); err != nil {
			return err
		}
	}
	return nil
}

// observe reads what the classifier needs from a stopped thread and
// classifies the stop.
func (s *Scheduler) observe(t *Thread, st stop.Status, inSyscall bool) (stop.Stop, error) {
	t.RawStatus = st
	in := stop.Input{TID: t.TID, Status: st, InSyscall: inSyscall}

	if st.Stopped() {
		regs, err := s.cfg.Control.Registers(t.TID)
		if err != nil {
			return stop.Stop{}, err
		}
		t.regs = regs
		in.SyscallNo = regs.SyscallNo

		if st.StopSignal() == unix.SIGSEGV && s.cfg.Decoder != nil {
			ins, err := s.cfg.Decoder.DecodeAt(t.TID, regs.IP)
			switch {
			case err != nil:
				log.Debug("decoding faulting instruction", "tid", t.TID, "ip", regs.IP, "error", err)
			case ins.IsTimingRead():
				in.TimingTrap = true
				t.trap = ins
			}
		}
	}

	cls, err := stop.Classify(in)
	if err != nil {
		return stop.Stop{}, err
	}
	log.Debug("stop", "tid", t.TID, "phase", t.Phase.String(), "stop", cls.String())
	return cls, nil
}

func (s *Scheduler) emit(t *Thread, ev Event) {
	ev.TID = t.TID
	ev.Regs = t.regs
	t.events++
	s.cfg.Sink.Record(ev)
	s.cfg.Metrics.event(ev.Committed)
}

func (s *Scheduler) resumed(t *Thread) {
	t.running = true
	t.polls = 0
	t.kicked = false
}

func (s *Scheduler) yield(t *Thread) {
	t.yielded = true
	t.polls++
}
