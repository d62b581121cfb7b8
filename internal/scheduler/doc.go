// Package scheduler owns the job collection. It admits waiting jobs into a
// bounded concurrency window on every poll tick, exposes the control
// operations (start, pause, cancel and their bulk forms), and reacts to an
// anti-automation challenge from any worker by pausing every job until the
// challenge is resolved out of band.
//
// The Scheduler is the only writer of job records. Workers report through a
// bounded inbox that is drained at the top of every tick; subscribers observe
// the resulting state changes through a progress.Emitter.
package scheduler
