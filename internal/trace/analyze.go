package trace

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/record"
	"github.com/majorcontext/tracerec/internal/syscalls"
)

// maxShownData bounds the captured bytes printed per event.
const maxShownData = 32

// DecodedEvent is an event with a human-readable rendering.
type DecodedEvent struct {
	Event
	Decoded string
}

// Decode renders every event of the trace.
func (t *Trace) Decode() []DecodedEvent {
	out := make([]DecodedEvent, 0, len(t.Events))
	for _, e := range t.Events {
		out = append(out, DecodedEvent{Event: e, Decoded: DecodeEvent(e)})
	}
	return out
}

// DecodeEvent renders one event, strace style for syscalls:
//
//	getpid() ...           entry
//	getpid() = 4242        committed result
//	openat(...) = -2 ENOENT
func DecodeEvent(e Event) string {
	switch e.Code {
	case record.CodeInitial:
		return fmt.Sprintf("INITIAL ip=%#x sp=%#x", e.Regs.IP, e.Regs.SP)
	case record.CodeExit:
		return "EXIT"
	case record.CodeSched:
		return "SCHED"
	case record.CodeTimingTrap:
		return fmt.Sprintf("RDTSC = %#x", e.Value)
	case record.CodeSignal:
		return "SIGNAL " + signalName(e.Signal)
	}

	call := fmt.Sprintf("%s(%s)", syscalls.Name(e.Code), formatArgs(e.Code, e.Regs.Args))
	if !e.Committed {
		return call + " ..."
	}

	var b strings.Builder
	b.WriteString(call)
	b.WriteString(" = ")
	b.WriteString(strconv.FormatInt(e.Result, 10))
	if e.Result < 0 && e.Result >= -4095 {
		if name := unix.ErrnoName(syscall.Errno(-e.Result)); name != "" {
			b.WriteString(" ")
			b.WriteString(name)
		}
	}
	if len(e.Data) > 0 {
		data := e.Data
		suffix := ""
		if len(data) > maxShownData {
			data = data[:maxShownData]
			suffix = "..."
		}
		if e.Truncated {
			suffix = "... (truncated)"
		}
		fmt.Fprintf(&b, " %q%s", data, suffix)
	}
	return b.String()
}

func formatArgs(nr int64, args [6]uint64) string {
	n := syscalls.Arity(nr)
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%#x", args[i])
	}
	return strings.Join(parts, ", ")
}

func signalName(sig int) string {
	if name := unix.SignalName(syscall.Signal(sig)); name != "" {
		return name
	}
	return "signal " + strconv.Itoa(sig)
}

// ThreadSummary counts what one thread did in a trace.
type ThreadSummary struct {
	TID      int
	Events   int
	Syscalls int // committed syscalls
	Signals  int
	Sched    int
	Timing   int
	Exited   bool
	FirstSeq uint64
	LastSeq  uint64
	TopCalls []CallCount
}

// CallCount is how often a syscall was committed.
type CallCount struct {
	Name  string
	Count int
}

// Summarize returns one summary per thread in order of first appearance.
func (t *Trace) Summarize() []ThreadSummary {
	byTID := make(map[int]*ThreadSummary)
	calls := make(map[int]map[string]int)
	var order []int

	for _, e := range t.Events {
		s, ok := byTID[e.TID]
		if !ok {
			s = &ThreadSummary{TID: e.TID, FirstSeq: e.Seq}
			byTID[e.TID] = s
			calls[e.TID] = make(map[string]int)
			order = append(order, e.TID)
		}
		s.Events++
		s.LastSeq = e.Seq

		switch e.Code {
		case record.CodeExit:
			s.Exited = true
		case record.CodeSignal:
			s.Signals++
		case record.CodeSched:
			s.Sched++
		case record.CodeTimingTrap:
			s.Timing++
		case record.CodeInitial:
		default:
			if e.Committed {
				s.Syscalls++
				calls[e.TID][syscalls.Name(e.Code)]++
			}
		}
	}

	out := make([]ThreadSummary, 0, len(order))
	for _, tid := range order {
		s := byTID[tid]
		for name, n := range calls[tid] {
			s.TopCalls = append(s.TopCalls, CallCount{Name: name, Count: n})
		}
		sort.Slice(s.TopCalls, func(i, j int) bool {
			if s.TopCalls[i].Count != s.TopCalls[j].Count {
				return s.TopCalls[i].Count > s.TopCalls[j].Count
			}
			return s.TopCalls[i].Name < s.TopCalls[j].Name
		})
		out = append(out, *s)
	}
	return out
}

// FindIssues reports structural problems that make a trace unsafe to
// replay: sequence numbers that do not increase, events after a thread's
// exit, and threads that never exit.
func (t *Trace) FindIssues() []string {
	var issues []string
	exited := make(map[int]uint64)
	seen := make(map[int]bool)
	var order []int
	var last uint64

	for i, e := range t.Events {
		if i > 0 && e.Seq <= last {
			issues = append(issues, fmt.Sprintf("event %d: sequence %d after %d", i, e.Seq, last))
		}
		last = e.Seq

		if !seen[e.TID] {
			seen[e.TID] = true
			order = append(order, e.TID)
		}
		if at, ok := exited[e.TID]; ok {
			issues = append(issues, fmt.Sprintf("event %d: tid %d recorded after its exit at seq %d", i, e.TID, at))
		}
		if e.Code == record.CodeExit {
			exited[e.TID] = e.Seq
		}
	}
	for _, tid := range order {
		if _, ok := exited[tid]; !ok {
			issues = append(issues, fmt.Sprintf("tid %d has no exit event", tid))
		}
	}
	return issues
}
