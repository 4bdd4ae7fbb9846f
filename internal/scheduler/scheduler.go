package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "remindd/pkg/logx"
)

var ErrNotStarted = errors.New("scheduler not started")

type entry struct {
	id    string
	state State
	// remaining is the delay still owed after the currently armed timer
	// fires. Zero for a terminal (StateArmed) timer.
	remaining time.Duration
	armedAt   time.Time
	timer     *time.Timer
	// gen invalidates stale timer callbacks. A fire whose generation no
	// longer matches the entry lost to a Cancel or re-Arm and must not act.
	gen uint64
}

// Service arms, chains, and cancels one-shot timers keyed by task id.
// All map access is mutex-guarded; timer callbacks re-validate their
// generation under the same mutex, so a cancel cannot race a chain hop.
type Service struct {
	mu      sync.Mutex
	entries map[string]*entry
	genSeq  uint64
	runCtx  context.Context
	cancel  context.CancelFunc

	maxDelay time.Duration
	exec     Executor
	log      logx.Logger

	armed     atomic.Uint64
	chainHops atomic.Uint64
	fired     atomic.Uint64
	cancelled atomic.Uint64
}

func New(cfg Config, exec Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Service{
		entries:  map[string]*entry{},
		maxDelay: maxDelay,
		exec:     exec,
		log:      log,
	}
}

// Start makes the scheduler accept Arm calls. The context bounds every
// executor invocation the scheduler makes, including immediate ones.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.log.Info("scheduler started", logx.Duration("max_delay", s.maxDelay))
}

// Stop cancels every live timer and then stops accepting work. Callers must
// tear down the store only after Stop returns, so no timer fires into a
// closed execution path. A timer already inside its fire callback may still
// complete its delivery attempt.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.runCtx, s.cancel = nil, nil
	n := len(s.entries)
	for _, e := range s.entries {
		e.timer.Stop()
	}
	s.entries = map[string]*entry{}
	s.mu.Unlock()

	cancel()
	s.log.Info("scheduler stopped", logx.Int("cancelled_timers", n))
}

// Arm schedules the executor invocation for taskID after delay.
//
// delay <= 0 executes synchronously on the calling goroutine; no timer is
// armed and the recovery pass relies on this to drain overdue tasks in
// enumeration order. Re-arming an id that already has a live timer replaces
// it.
func (s *Service) Arm(taskID string, delay time.Duration) error {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	ctx := s.runCtx

	if delay <= 0 {
		// An existing timer for the id loses to the direct execution.
		s.dropLocked(taskID)
		s.mu.Unlock()
		s.fired.Add(1)
		s.safeExecute(ctx, taskID)
		return nil
	}

	s.dropLocked(taskID)
	s.genSeq++
	e := &entry{id: taskID, gen: s.genSeq}
	s.entries[taskID] = e
	s.armLocked(e, delay)
	s.armed.Add(1)
	s.mu.Unlock()
	return nil
}

// Cancel stops and forgets the timer for taskID, if any. A cancelled task
// does not fire even if a chain hop was in flight.
func (s *Service) Cancel(taskID string) bool {
	s.mu.Lock()
	ok := s.dropLocked(taskID)
	s.mu.Unlock()
	if ok {
		s.cancelled.Add(1)
	}
	return ok
}

// armLocked arms the next timer segment for e. Caller holds s.mu.
func (s *Service) armLocked(e *entry, delay time.Duration) {
	gen := e.gen
	e.armedAt = time.Now()
	if delay > s.maxDelay {
		e.state = StateChaining
		e.remaining = delay - s.maxDelay
		e.timer = time.AfterFunc(s.maxDelay, func() { s.chainHop(e.id, gen) })
		return
	}
	e.state = StateArmed
	e.remaining = 0
	e.timer = time.AfterFunc(delay, func() { s.fire(e.id, gen) })
}

// chainHop re-arms an intermediate timer with the remaining delay.
func (s *Service) chainHop(taskID string, gen uint64) {
	s.mu.Lock()
	e := s.entries[taskID]
	if e == nil || e.gen != gen || s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	s.chainHops.Add(1)
	s.armLocked(e, e.remaining)
	s.mu.Unlock()
}

// fire is the terminal timer callback.
func (s *Service) fire(taskID string, gen uint64) {
	s.mu.Lock()
	e := s.entries[taskID]
	if e == nil || e.gen != gen || s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	delete(s.entries, taskID)
	s.mu.Unlock()

	s.fired.Add(1)
	s.safeExecute(ctx, taskID)
}

func (s *Service) dropLocked(taskID string) bool {
	e, ok := s.entries[taskID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, taskID)
	return true
}

// safeExecute keeps a panicking executor from killing the timer machinery.
func (s *Service) safeExecute(ctx context.Context, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("executor panicked",
				logx.String("task", taskID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	s.exec.Execute(ctx, taskID)
}
