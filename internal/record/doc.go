// Package record drives traced threads through their execution state
// machine and decides in which order they run.
//
// A Scheduler owns the registry of live threads. Each call to Step selects
// one thread and advances it by one phase of
//
//	Start -> SyscallEntryTrapped -> InSyscall -> Start
//
// Resuming is always non-blocking: when a poll finds the thread still
// running, the step yields and another thread may be selected. The only
// blocking waits are the extra round trips after clone, fork and exec.
//
// Threads are switched only at points marked safe (timing traps, scheduler
// signals, futex wake entries) or when the current thread has nothing to do
// but wait. Replaying the recorded events in order reproduces the same
// interleaving.
//
// Every error returned by Step is a *fatal.Error and ends the session. Run
// also returns ctx.Err() when it is cancelled between steps.
package record
