// Package scheduler owns the process-local map from task id to live timer.
//
// Its one job: given a task id and a delay, guarantee the executor is
// invoked no earlier than the due time, using timers that are individually
// capped at MaxDelay. Delays longer than MaxDelay are decomposed into a
// chain of capped timers; each intermediate fire re-arms with the remainder
// until the tail fits in a single timer.
//
// The map is never persisted. It is rebuilt from the store at startup by
// the recovery pass and torn down by Stop on shutdown. Arm and Cancel are
// the only mutators; nothing else may touch the timer state.
package scheduler
