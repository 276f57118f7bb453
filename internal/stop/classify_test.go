package stop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/fatal"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Stop
	}{
		{
			name: "syscall entry",
			in:   Input{Status: SyscallStatus(), SyscallNo: 39},
			want: Stop{Kind: SyscallEntry, Code: 39},
		},
		{
			name: "syscall exit",
			in:   Input{Status: SyscallStatus(), SyscallNo: 39, InSyscall: true},
			want: Stop{Kind: SyscallExit, Code: 39},
		},
		{
			name: "clone event",
			in:   Input{Status: EventStatus(Clone)},
			want: Stop{Kind: Extended, Event: Clone},
		},
		{
			name: "fork event",
			in:   Input{Status: EventStatus(Fork)},
			want: Stop{Kind: Extended, Event: Fork},
		},
		{
			name: "vfork event",
			in:   Input{Status: EventStatus(VFork)},
			want: Stop{Kind: Extended, Event: VFork},
		},
		{
			name: "vfork done event",
			in:   Input{Status: EventStatus(VForkDone)},
			want: Stop{Kind: Extended, Event: VForkDone},
		},
		{
			name: "exec event",
			in:   Input{Status: EventStatus(Exec)},
			want: Stop{Kind: Extended, Event: Exec},
		},
		{
			name: "exit event",
			in:   Input{Status: EventStatus(Exit)},
			want: Stop{Kind: Extended, Event: Exit},
		},
		{
			name: "timing trap",
			in:   Input{Status: MakeStatus(unix.SIGSEGV, 0), TimingTrap: true},
			want: Stop{Kind: PseudoTrap, Signal: unix.SIGSEGV},
		},
		{
			name: "real segfault",
			in:   Input{Status: MakeStatus(unix.SIGSEGV, 0)},
			want: Stop{Kind: Signal, Signal: unix.SIGSEGV},
		},
		{
			name: "plain sigtrap",
			in:   Input{Status: MakeStatus(unix.SIGTRAP, 0)},
			want: Stop{Kind: Signal, Signal: unix.SIGTRAP},
		},
		{
			name: "sigchld",
			in:   Input{Status: MakeStatus(unix.SIGCHLD, 0), SyscallNo: -1},
			want: Stop{Kind: Signal, Signal: unix.SIGCHLD},
		},
		{
			name: "timing flag ignored for other signals",
			in:   Input{Status: MakeStatus(unix.SIGUSR1, 0), TimingTrap: true},
			want: Stop{Kind: Signal, Signal: unix.SIGUSR1},
		},
		{
			name: "exited",
			in:   Input{Status: Status(3 << 8)},
			want: Stop{Kind: Extended, Event: Exit, Reaped: true},
		},
		{
			name: "killed",
			in:   Input{Status: Status(unix.SIGKILL)},
			want: Stop{Kind: Extended, Event: Exit, Reaped: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.in)
			require.NoError(t, err)
			tt.want.Status = tt.in.Status
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyUnrecognized(t *testing.T) {
	tests := []struct {
		name   string
		status Status
	}{
		{"continued", Status(0xffff)},
		{"group stop event", MakeStatus(unix.SIGSTOP, 0x80)},
		{"seccomp event", MakeStatus(unix.SIGTRAP, 7)},
		{"event on non-trap signal", MakeStatus(unix.SIGUSR1, _PTRACE_EVENT_CLONE)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(Input{TID: 99, Status: tt.status})
			require.Error(t, err)
			assert.ErrorIs(t, err, fatal.ErrUnrecognizedStop)

			var fe *fatal.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, 99, fe.TID)
			assert.Equal(t, uint32(tt.status), fe.Status)
		})
	}
}

func TestStatusRoundTrip(t *testing.T) {
	st := MakeStatus(unix.SIGTRAP, _PTRACE_EVENT_EXEC)
	assert.True(t, st.Stopped())
	assert.False(t, st.Exited())
	assert.False(t, st.Signaled())
	assert.Equal(t, unix.SIGTRAP, st.StopSignal())
	assert.Equal(t, _PTRACE_EVENT_EXEC, st.EventBits())

	exited := Status(7 << 8)
	assert.True(t, exited.Exited())
	assert.Equal(t, 7, exited.ExitCode())
	assert.Equal(t, "exited(7)", exited.String())

	killed := Status(unix.SIGKILL)
	assert.True(t, killed.Signaled())
	assert.Equal(t, unix.SIGKILL, killed.TermSignal())
}

func TestEventSpawns(t *testing.T) {
	for _, ev := range []Event{Clone, Fork, VFork} {
		assert.True(t, ev.Spawns(), ev.String())
	}
	for _, ev := range []Event{VForkDone, Exec, Exit} {
		assert.False(t, ev.Spawns(), ev.String())
	}
}
