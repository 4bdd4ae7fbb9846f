// Package executor performs the at-most-once delivery attempt for one task.
//
// The protocol is reload-check-send-commit: re-read the task from the
// store (never trust the in-memory copy a timer was armed with), bail if
// it is gone or already executed, deliver, then commit the outcome with a
// conditional update. Two triggers for the same id collapse into one
// delivery: in-process overlap is serialized by a per-id lock, and the
// store-side compare-and-swap closes the cross-trigger window.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"remindd/internal/directory"
	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

type Engine struct {
	store     store.Store
	resolver  directory.Resolver
	transport notify.Transport
	bus       eventbus.Bus
	log       logx.Logger

	// Per-task exclusive sections, held across the full execute call.
	lmu   sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func New(st store.Store, resolver directory.Resolver, transport notify.Transport, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:     st,
		resolver:  resolver,
		transport: transport,
		bus:       bus,
		log:       log,
		locks:     map[string]*taskLock{},
	}
}

// Execute runs the delivery attempt for taskID. It never returns an error:
// failures are recorded on the task and must not escape into the timer
// machinery.
func (e *Engine) Execute(ctx context.Context, taskID string) {
	release := e.acquire(taskID)
	defer release()

	start := time.Now()
	log := e.log.With(logx.String("task", taskID))

	// Enforcement point for at-most-once: what the store says now wins
	// over whatever state armed the timer.
	t, err := e.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("task gone before execution; skipping")
		return
	}
	if err != nil {
		log.Error("task reload failed; leaving task pending", logx.Err(err))
		return
	}
	if t.Status == store.StatusExecuted {
		log.Debug("task already executed; skipping")
		return
	}
	// Pending or failed: failed tasks are only ever reached here by an
	// explicit manual re-fire, never by a timer (none is re-armed for them).

	target, err := e.resolver.Resolve(ctx, t.SubjectName)
	if err != nil {
		e.commitFailure(ctx, t, start, err)
		return
	}

	if err := e.transport.Deliver(ctx, target, t.RenderedMessage); err != nil {
		e.commitFailure(ctx, t, start, err)
		return
	}

	now := time.Now().UTC()
	swapped, err := e.store.MarkExecuted(ctx, taskID, now)
	if err != nil {
		// Delivered but not committed; the known write-after-send gap.
		log.Error("executed status write failed after delivery", logx.Err(err))
		return
	}
	if !swapped {
		log.Warn("task turned terminal mid-execution; delivery may be duplicated")
		return
	}

	log.Info("task executed",
		logx.String("rule", t.RuleID),
		logx.String("subject", t.SubjectName),
		logx.Duration("took", time.Since(start)))
	e.publish(eventbus.TypeTaskExecuted, t, "", time.Since(start))
}

func (e *Engine) commitFailure(ctx context.Context, t store.Task, start time.Time, cause error) {
	log := e.log.With(logx.String("task", t.ID))
	swapped, err := e.store.MarkFailed(ctx, t.ID, cause.Error())
	if err != nil {
		log.Error("failed status write failed", logx.Err(err))
		return
	}
	if !swapped {
		log.Debug("failure not recorded; task gone or already executed")
		return
	}
	// Left failed on purpose: no automatic retry, an operator re-arms.
	log.Warn("task failed",
		logx.String("rule", t.RuleID),
		logx.String("subject", t.SubjectName),
		logx.Err(cause))
	e.publish(eventbus.TypeTaskFailed, t, cause.Error(), time.Since(start))
}

func (e *Engine) publish(typ string, t store.Task, errStr string, took time.Duration) {
	if e.bus == nil {
		return
	}
	action := "executed"
	if typ == eventbus.TypeTaskFailed {
		action = "failed"
	}
	e.bus.Publish(eventbus.Event{
		Type: typ,
		Data: store.AuditEntry{
			At:      time.Now().UTC(),
			TaskID:  t.ID,
			Subject: t.SubjectName,
			RuleID:  t.RuleID,
			Action:  action,
			Error:   errStr,
			TookMS:  took.Milliseconds(),
		},
	})
}

// acquire takes the per-task lock, creating it on first use and dropping
// it when the last holder releases (the map must not grow forever).
func (e *Engine) acquire(taskID string) (release func()) {
	e.lmu.Lock()
	l := e.locks[taskID]
	if l == nil {
		l = &taskLock{}
		e.locks[taskID] = l
	}
	l.refs++
	e.lmu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.lmu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, taskID)
		}
		e.lmu.Unlock()
	}
}
