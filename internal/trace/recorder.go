package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/majorcontext/tracerec/internal/record"
)

// EventWriter persists events as they are recorded.
type EventWriter interface {
	Append(Event) error
	Close() error
}

// Recorder turns scheduler events into trace events. It implements
// record.Sink.
//
// Without an EventWriter all events are kept in memory until Save. With one,
// each event is appended immediately and only the count is kept. The first
// write error stops further writes and is returned by Err and Close.
type Recorder struct {
	mu    sync.Mutex
	trace *Trace
	start time.Time
	now   func() time.Time
	w     EventWriter
	seq   uint64
	err   error
}

var _ record.Sink = (*Recorder)(nil)

// NewRecorder returns a Recorder. w may be nil.
func NewRecorder(meta Metadata, w EventWriter) *Recorder {
	if meta.Version == 0 {
		meta.Version = FormatVersion
	}
	now := time.Now
	if meta.Timestamp.IsZero() {
		meta.Timestamp = now()
	}
	return &Recorder{
		trace: &Trace{Metadata: meta, Events: make([]Event, 0)},
		start: now(),
		now:   now,
		w:     w,
	}
}

// Record appends one event.
func (r *Recorder) Record(ev record.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := Event{
		Seq:           r.seq,
		TimestampNano: r.now().Sub(r.start).Nanoseconds(),
		TID:           ev.TID,
		Code:          ev.Code,
		Committed:     ev.Committed,
		Signal:        ev.Signal,
		Value:         ev.Value,
		Result:        ev.Result,
		Truncated:     ev.Truncated,
		Regs:          ev.Regs,
	}
	if len(ev.Data) > 0 {
		// The capture buffer belongs to the caller.
		e.Data = append([]byte(nil), ev.Data...)
	}

	if r.w == nil {
		r.trace.Events = append(r.trace.Events, e)
		return
	}
	if r.err != nil {
		return
	}
	if err := r.w.Append(e); err != nil {
		r.err = fmt.Errorf("appending event %d: %w", e.Seq, err)
	}
}

// Len returns how many events were recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.seq)
}

// Trace returns a copy of the in-memory trace. Streamed events are not
// included.
func (r *Recorder) Trace() *Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Trace{
		Metadata: r.trace.Metadata,
		Events:   append([]Event(nil), r.trace.Events...),
	}
}

// Save writes the in-memory trace to path.
func (r *Recorder) Save(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trace.Save(path)
}

// Err returns the first write error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the EventWriter, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	cerr := r.w.Close()
	r.w = nil
	if r.err != nil {
		return r.err
	}
	return cerr
}
