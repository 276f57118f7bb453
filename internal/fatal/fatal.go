// Package fatal defines the errors that end a recording session.
//
// Every error in this package means the trace can no longer be trusted for
// replay: a missed or misclassified stop silently breaks determinism. Callers
// abort the session and report the offending thread, phase and raw status.
//
// Each *Error matches its kind sentinel with errors.Is:
//
//	if errors.Is(err, fatal.ErrCloneFailed) {
//	    ...
//	}
package fatal

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a fatal session error.
type Kind string

const (
	// UnrecognizedStop means the classifier saw a wait status it cannot categorize.
	UnrecognizedStop Kind = "unrecognized_stop"

	// EntryTrapMismatch means a syscall-entry stop did not carry the entry sentinel.
	EntryTrapMismatch Kind = "entry_trap_mismatch"

	// UnexpectedState means a phase/event combination has no defined transition.
	UnexpectedState Kind = "unexpected_state"

	// ControlOpFailed means an OS-level process-control call returned an error.
	ControlOpFailed Kind = "control_op_failed"

	// CloneFailed means a traced clone, fork or vfork reported failure.
	CloneFailed Kind = "clone_failed"
)

// Sentinels for errors.Is.
var (
	ErrUnrecognizedStop  = errors.New("unrecognized stop")
	ErrEntryTrapMismatch = errors.New("syscall entry trap mismatch")
	ErrUnexpectedState   = errors.New("unexpected state")
	ErrControlOpFailed   = errors.New("control operation failed")
	ErrCloneFailed       = errors.New("clone failed")

	errSession = errors.New("recording session failed")
)

func (k Kind) sentinel() error {
	switch k {
	case UnrecognizedStop:
		return ErrUnrecognizedStop
	case EntryTrapMismatch:
		return ErrEntryTrapMismatch
	case UnexpectedState:
		return ErrUnexpectedState
	case ControlOpFailed:
		return ErrControlOpFailed
	case CloneFailed:
		return ErrCloneFailed
	}
	return errSession
}

// Error is a fatal session error with enough context to diagnose it.
type Error struct {
	Kind   Kind
	TID    int
	Phase  string // empty when raised outside a thread step
	Status uint32 // raw wait status, zero if none was involved
	Msg    string
	Err    error // underlying cause, if any
}

// New returns an Error of the given kind with a formatted message.
func New(kind Kind, tid int, phase string, status uint32, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		TID:    tid,
		Phase:  phase,
		Status: status,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// Control wraps an OS-level failure of a process-control primitive.
func Control(tid int, op string, err error) *Error {
	return &Error{
		Kind: ControlOpFailed,
		TID:  tid,
		Msg:  op,
		Err:  err,
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.sentinel().Error())
	fmt.Fprintf(&b, ": tid %d", e.TID)
	if e.Phase != "" {
		fmt.Fprintf(&b, " phase %s", e.Phase)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status %#x", e.Status)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
