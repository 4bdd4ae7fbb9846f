// Package lifecycle orchestrates the scheduling pipeline: inbound event ->
// rule expansion -> persisted tasks -> armed timers. It also owns the two
// bulk paths, cancellation and startup recovery.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindd/internal/directory"
	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/rules"
	"remindd/internal/scheduler"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

var (
	ErrMalformedEvent  = errors.New("malformed event")
	ErrNoRecipient     = errors.New("no recipient for subject")
	ErrAlreadyExecuted = errors.New("task already executed")
)

// Event is one parsed work-item lifecycle event.
type Event struct {
	Category rules.Category
	Subject  string
	Anchor   time.Time
}

// Result reports what one event produced.
type Result struct {
	Scheduled []store.Task `json:"scheduled"`
	Immediate int          `json:"immediate"`
}

type Service struct {
	store     store.Store
	sched     *scheduler.Service
	resolver  directory.Resolver
	transport notify.Transport
	bus       eventbus.Bus
	log       logx.Logger

	now func() time.Time
}

func New(st store.Store, sched *scheduler.Service, resolver directory.Resolver, transport notify.Transport, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:     st,
		sched:     sched,
		resolver:  resolver,
		transport: transport,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}
}

// HandleEvent expands an event into tasks and arms their timers.
//
// The recipient is resolved once, up front: if the subject has no delivery
// address, the whole expansion aborts and nothing is persisted. Same-day
// specs (offset 0) are delivered immediately and never written to the
// store; they are delivered before anything is persisted, so a dead
// transport also aborts the event without a partial schedule.
func (s *Service) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	if err := validate(ev); err != nil {
		return Result{}, err
	}

	target, err := s.resolver.Resolve(ctx, ev.Subject)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNoRecipient, ev.Subject)
		}
		return Result{}, err
	}

	specs, err := rules.Expand(ev.Category, ev.Subject)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var res Result
	now := s.now().UTC()

	for _, spec := range specs {
		if spec.Immediate() {
			if err := s.transport.Deliver(ctx, target, spec.MessageTemplate); err != nil {
				return Result{}, fmt.Errorf("immediate send for rule %s: %w", spec.RuleID, err)
			}
			res.Immediate++
		}
	}

	for _, spec := range specs {
		if spec.Immediate() {
			continue
		}
		t := store.Task{
			ID:              uuid.NewString(),
			SubjectName:     ev.Subject,
			RuleID:          spec.RuleID,
			RenderedMessage: spec.MessageTemplate,
			DueAt:           spec.DueAt(ev.Anchor).UTC(),
			Status:          store.StatusPending,
			CreatedAt:       now,
		}
		if err := s.store.CreateTask(ctx, t); err != nil {
			return res, fmt.Errorf("persist task for rule %s: %w", spec.RuleID, err)
		}
		if err := s.sched.Arm(t.ID, t.DueAt.Sub(s.now())); err != nil {
			return res, fmt.Errorf("arm timer for rule %s: %w", spec.RuleID, err)
		}
		res.Scheduled = append(res.Scheduled, t)
	}

	s.log.Info("event scheduled",
		logx.String("category", string(ev.Category)),
		logx.String("subject", ev.Subject),
		logx.Time("anchor", ev.Anchor),
		logx.Int("scheduled", len(res.Scheduled)),
		logx.Int("immediate", res.Immediate))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeEventIngested, Data: ev})
	}
	return res, nil
}

// CancelSubject removes every task for a subject: live timers first, then
// the durable rows, so a timer cannot fire between the two steps and
// resurrect a deleted task.
func (s *Service) CancelSubject(ctx context.Context, subject string) (int64, error) {
	if strings.TrimSpace(subject) == "" {
		return 0, ErrMalformedEvent
	}
	tasks, err := s.store.FindBySubject(ctx, subject)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if t.Status == store.StatusPending {
			s.sched.Cancel(t.ID)
		}
	}
	n, err := s.store.DeleteBySubject(ctx, subject)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("subject tasks cancelled", logx.String("subject", subject), logx.Int64("deleted", n))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTasksDeleted, Data: map[string]any{"subject": subject, "count": n}})
		}
	}
	return n, nil
}

// CancelByStatus removes every task in the given status (e.g. clearing out
// failed tasks after manual remediation).
func (s *Service) CancelByStatus(ctx context.Context, status store.Status) (int64, error) {
	if status == store.StatusPending {
		tasks, err := s.store.ListTasks(ctx, &status)
		if err != nil {
			return 0, err
		}
		for _, t := range tasks {
			s.sched.Cancel(t.ID)
		}
	}
	n, err := s.store.DeleteByStatus(ctx, status)
	if err != nil {
		return 0, err
	}
	if n > 0 && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTasksDeleted, Data: map[string]any{"status": status, "count": n}})
	}
	return n, nil
}

// Refire triggers one more delivery attempt for a task, regardless of its
// due time. Executed tasks are rejected by the executor's own guard; the
// usual caller is an operator re-driving a failed task after fixing the
// transport or the directory.
func (s *Service) Refire(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == store.StatusExecuted {
		return fmt.Errorf("%w: %s", ErrAlreadyExecuted, id)
	}
	return s.sched.Arm(id, 0)
}

// Recover re-derives scheduler state from the store. It runs once, before
// intake accepts work. Overdue tasks execute inline in enumeration order
// (Arm resolves non-positive delays synchronously); future tasks get
// timers. An unreachable store is fatal: the process must not come up
// believing it owns tasks it cannot enumerate.
func (s *Service) Recover(ctx context.Context) error {
	pending, err := s.store.FindPending(ctx, nil)
	if err != nil {
		return fmt.Errorf("recovery enumeration: %w", err)
	}

	overdue := 0
	for _, t := range pending {
		delay := t.DueAt.Sub(s.now())
		if delay <= 0 {
			overdue++
		}
		if err := s.sched.Arm(t.ID, delay); err != nil {
			return fmt.Errorf("recovery arm %s: %w", t.ID, err)
		}
	}

	s.log.Info("recovery complete",
		logx.Int("pending", len(pending)),
		logx.Int("overdue", overdue))
	return nil
}

func validate(ev Event) error {
	if strings.TrimSpace(ev.Subject) == "" {
		return fmt.Errorf("%w: subject is empty", ErrMalformedEvent)
	}
	if ev.Anchor.IsZero() {
		return fmt.Errorf("%w: anchor date is missing", ErrMalformedEvent)
	}
	if _, err := rules.ParseCategory(string(ev.Category)); err != nil {
		return fmt.Errorf("%w: category %q", ErrMalformedEvent, ev.Category)
	}
	return nil
}
