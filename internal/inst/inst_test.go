package inst

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		code       []byte
		mnemonic   string
		length     int
		syscall    bool
		timingRead bool
	}{
		{"syscall", []byte{0x0f, 0x05}, "syscall", 2, true, false},
		{"int 0x80", []byte{0xcd, 0x80}, "int", 2, true, false},
		{"rdtsc", []byte{0x0f, 0x31}, "rdtsc", 2, false, true},
		{"rdtscp", []byte{0x0f, 0x01, 0xf9}, "rdtscp", 3, false, true},
		{"nop", []byte{0x90, 0x90}, "nop", 1, false, false},
		{"mov eax, 39", []byte{0xb8, 0x27, 0x00, 0x00, 0x00}, "mov", 5, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.mnemonic, in.Mnemonic)
			assert.Equal(t, tt.length, in.Len)
			assert.Equal(t, tt.syscall, in.IsSyscallEntry())
			assert.Equal(t, tt.timingRead, in.IsTimingRead())
		})
	}
}

type memFunc func(tid int, addr uint64, buf []byte) (int, error)

func (f memFunc) ReadMemory(tid int, addr uint64, buf []byte) (int, error) {
	return f(tid, addr, buf)
}

func TestDecoderDecodeAt(t *testing.T) {
	var gotAddr uint64
	mem := memFunc(func(tid int, addr uint64, buf []byte) (int, error) {
		gotAddr = addr
		// Partial read near the end of a mapping.
		return copy(buf, []byte{0x0f, 0x05}), errors.New("EIO")
	})

	in, err := NewDecoder(mem).DecodeAt(5, 0x401000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), gotAddr)
	assert.True(t, in.IsSyscallEntry())
}

func TestDecoderReadFailure(t *testing.T) {
	mem := memFunc(func(int, uint64, []byte) (int, error) {
		return 0, errors.New("EFAULT")
	})

	_, err := NewDecoder(mem).DecodeAt(5, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading instruction at 0x0")
}
