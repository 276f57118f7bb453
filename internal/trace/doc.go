// Package trace stores and reads recorded event logs.
//
// A Recorder receives events from the scheduler in recording order and
// assigns each a sequence number. Events are kept in memory and written as a
// single JSON document on Save, or streamed to an EventWriter such as the
// SQLite Store as they arrive.
//
//	rec := trace.NewRecorder(meta, store)
//	sched := record.New(record.Config{Control: tracer, Sink: rec})
//	err := sched.Run(ctx)
//	if cerr := rec.Close(); err == nil {
//	    err = cerr
//	}
//
// Load and OpenStore read a recording back. Decode and Summarize render it
// for people.
package trace
