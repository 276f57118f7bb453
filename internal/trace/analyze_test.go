package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/majorcontext/tracerec/internal/ptrace"
	"github.com/majorcontext/tracerec/internal/record"
	"github.com/majorcontext/tracerec/internal/syscalls"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "initial",
			event: Event{Code: record.CodeInitial, Regs: ptrace.Regs{IP: 0x401000, SP: 0x7ffc0000}},
			want:  "INITIAL ip=0x401000 sp=0x7ffc0000",
		},
		{
			name:  "exit",
			event: Event{Code: record.CodeExit, Committed: true},
			want:  "EXIT",
		},
		{
			name:  "sched",
			event: Event{Code: record.CodeSched, Signal: 16},
			want:  "SCHED",
		},
		{
			name:  "timing trap",
			event: Event{Code: record.CodeTimingTrap, Value: 0x2a},
			want:  "RDTSC = 0x2a",
		},
		{
			name:  "signal",
			event: Event{Code: record.CodeSignal, Signal: 11},
			want:  "SIGNAL SIGSEGV",
		},
		{
			name:  "syscall entry",
			event: Event{Code: syscalls.SysGetpid},
			want:  "getpid() ...",
		},
		{
			name:  "syscall result",
			event: Event{Code: syscalls.SysGetpid, Committed: true, Result: 4242},
			want:  "getpid() = 4242",
		},
		{
			name: "errno",
			event: Event{
				Code:      syscalls.SysOpenat,
				Committed: true,
				Result:    -2,
				Regs:      ptrace.Regs{Args: [6]uint64{0xffffff9c, 0x1000, 0, 0}},
			},
			want: "openat(0xffffff9c, 0x1000, 0x0, 0x0) = -2 ENOENT",
		},
		{
			name: "captured data",
			event: Event{
				Code:      syscalls.SysRead,
				Committed: true,
				Result:    3,
				Data:      []byte("hi\n"),
				Regs:      ptrace.Regs{Args: [6]uint64{0, 0x2000, 64}},
			},
			want: `read(0x0, 0x2000, 0x40) = 3 "hi\n"`,
		},
		{
			name: "truncated data",
			event: Event{
				Code:      syscalls.SysGetrandom,
				Committed: true,
				Result:    2,
				Data:      []byte{0xff, 0x00},
				Truncated: true,
				Regs:      ptrace.Regs{Args: [6]uint64{0x3000, 2, 0}},
			},
			want: `getrandom(0x3000, 0x2, 0x0) = 2 "\xff\x00"... (truncated)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeEvent(tt.event))
		})
	}
}

func TestDecodeLongData(t *testing.T) {
	data := make([]byte, maxShownData+8)
	for i := range data {
		data[i] = 'a'
	}
	got := DecodeEvent(Event{Code: syscalls.SysRead, Committed: true, Result: int64(len(data)), Data: data})
	assert.Contains(t, got, `"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"...`)
}

func sampleTrace() *Trace {
	return &Trace{Events: []Event{
		{Seq: 1, TID: 100, Code: record.CodeInitial},
		{Seq: 2, TID: 100, Code: syscalls.SysClone},
		{Seq: 3, TID: 100, Code: syscalls.SysClone, Committed: true, Result: 101},
		{Seq: 4, TID: 101, Code: syscalls.SysGetpid},
		{Seq: 5, TID: 101, Code: syscalls.SysGetpid, Committed: true, Result: 100},
		{Seq: 6, TID: 101, Code: syscalls.SysGetpid},
		{Seq: 7, TID: 101, Code: syscalls.SysGetpid, Committed: true, Result: 100},
		{Seq: 8, TID: 101, Code: record.CodeSched, Signal: 16},
		{Seq: 9, TID: 100, Code: record.CodeTimingTrap, Value: 1},
		{Seq: 10, TID: 100, Code: record.CodeSignal, Signal: 10},
		{Seq: 11, TID: 101, Code: record.CodeExit, Committed: true},
		{Seq: 12, TID: 100, Code: record.CodeExit, Committed: true},
	}}
}

func TestSummarize(t *testing.T) {
	sums := sampleTrace().Summarize()
	assert.Len(t, sums, 2)

	main := sums[0]
	assert.Equal(t, 100, main.TID)
	assert.Equal(t, 6, main.Events)
	assert.Equal(t, 1, main.Syscalls)
	assert.Equal(t, 1, main.Timing)
	assert.Equal(t, 1, main.Signals)
	assert.True(t, main.Exited)
	assert.Equal(t, uint64(1), main.FirstSeq)
	assert.Equal(t, uint64(12), main.LastSeq)

	child := sums[1]
	assert.Equal(t, 101, child.TID)
	assert.Equal(t, 2, child.Syscalls)
	assert.Equal(t, 1, child.Sched)
	assert.Equal(t, []CallCount{{Name: "getpid", Count: 2}}, child.TopCalls)
}

func TestFindIssues(t *testing.T) {
	assert.Empty(t, sampleTrace().FindIssues())

	tr := sampleTrace()
	tr.Events = append(tr.Events[:10:10],
		Event{Seq: 11, TID: 101, Code: record.CodeExit, Committed: true},
		Event{Seq: 11, TID: 101, Code: syscalls.SysGetpid},
	)
	issues := tr.FindIssues()
	assert.Len(t, issues, 3)
	assert.Contains(t, issues[0], "sequence 11 after 11")
	assert.Contains(t, issues[1], "tid 101 recorded after its exit")
	assert.Contains(t, issues[2], "tid 100 has no exit event")
}
