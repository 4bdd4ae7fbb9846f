package scheduler

import (
	"context"
	"time"
)

// Executor performs the at-most-once delivery attempt for one task.
// Implementations must contain their own errors; a fired timer has nowhere
// to report one.
type Executor interface {
	Execute(ctx context.Context, taskID string)
}

// Config controls the scheduler.
//
// MaxDelay is the longest single timer the scheduler will arm. The default
// mirrors the 32-bit signed millisecond bound (~24.8 days) that the chaining
// design exists to overcome; tests shrink it to exercise chains quickly.
type Config struct {
	MaxDelay time.Duration
}

// DefaultMaxDelay is 2^31-1 milliseconds.
const DefaultMaxDelay = (1<<31 - 1) * time.Millisecond

// State describes where a tracked timer is in its life.
type State string

const (
	// StateChaining: the armed timer is an intermediate hop; more delay
	// remains after it fires.
	StateChaining State = "chaining"
	// StateArmed: the armed timer is terminal; its fire executes the task.
	StateArmed State = "armed"
)

// TimerInfo is a point-in-time view of one tracked timer.
type TimerInfo struct {
	TaskID    string        `json:"task_id"`
	State     State         `json:"state"`
	Remaining time.Duration `json:"remaining_after_current"` // delay still owed after the current timer fires
	HopsLeft  int           `json:"hops_left"`               // intermediate fires still ahead
	ArmedAt   time.Time     `json:"armed_at"`
}

// Stats are best-effort operational counters.
type Stats struct {
	Active    int    `json:"active"`
	Armed     uint64 `json:"armed_total"`
	ChainHops uint64 `json:"chain_hops_total"`
	Fired     uint64 `json:"fired_total"`
	Cancelled uint64 `json:"cancelled_total"`
}
