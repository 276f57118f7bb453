package record

import (
	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/fatal"
	"github.com/majorcontext/tracerec/internal/log"
	"github.com/majorcontext/tracerec/internal/stop"
)

// DefaultStepLimit bounds one single-step exploration.
const DefaultStepLimit = 1 << 20

// exploreToSyscall single-steps t until the next instruction enters the
// kernel. It reports stopped when a stop other than the single-step trap
// interrupts the walk; that stop is returned for normal handling.
func (s *Scheduler) exploreToSyscall(t *Thread) (stop.Status, bool, error) {
	limit := s.cfg.StepLimit
	if limit <= 0 {
		limit = DefaultStepLimit
	}
	ctl := s.cfg.Control

	for n := 0; n < limit; n++ {
		regs, err := ctl.Registers(t.TID)
		if err != nil {
			return 0, false, err
		}
		ins, err := s.cfg.Decoder.DecodeAt(t.TID, regs.IP)
		if err == nil {
			if ins.IsSyscallEntry() {
				return 0, false, nil
			}
			log.Debug("single-step", "tid", t.TID, "ip", regs.IP, "insn", ins.Mnemonic)
		}

		st, err := ctl.SingleStep(t.TID, t.PendingSignal)
		if err != nil {
			return 0, false, err
		}
		t.PendingSignal = 0
		s.cfg.Metrics.singleStep()

		if !st.Stopped() || st.StopSignal() != unix.SIGTRAP || st.EventBits() != 0 {
			return st, true, nil
		}
	}
	return 0, false, fatal.New(fatal.UnexpectedState, t.TID, "", 0, "no syscall within %d instructions", limit)
}
