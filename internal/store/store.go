package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "remindd/pkg/logx"
)

var (
	// ErrNotFound is returned when a task id has no row (never created, or
	// deleted by an external cancellation).
	ErrNotFound = errors.New("task not found")

	// ErrUnavailable wraps backend failures where the store itself could not
	// be reached, as opposed to a well-formed negative answer.
	ErrUnavailable = errors.New("store unavailable")
)

// Status is the task lifecycle state.
//
// Pending means not yet attempted. Executed is terminal. Failed means one
// delivery attempt was made and errored; the task stays failed until an
// operator intervenes (there is no automatic retry).
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusExecuted:
		return StatusExecuted, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// Task is one durable, individually-trackable scheduled notification.
//
// DueAt is computed once at creation (anchor + rule offset) and never
// recomputed; rescheduling is not supported. RenderedMessage has its
// placeholders substituted at creation time, not at fire time.
type Task struct {
	ID              string     `json:"id"`
	SubjectName     string     `json:"subject_name"`
	RuleID          string     `json:"rule_id"`
	RenderedMessage string     `json:"rendered_message"`
	DueAt           time.Time  `json:"due_at"`
	Status          Status     `json:"status"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// AuditEntry records one execution outcome for operator visibility.
type AuditEntry struct {
	At      time.Time
	TaskID  string
	Subject string
	RuleID  string
	Action  string // "executed" | "failed"
	Error   string
	TookMS  int64
}

// Store is the persistence API used by the scheduling pipeline.
//
// MarkExecuted and MarkFailed are conditional updates: they transition the
// row only if it has not been executed, and report whether the swap
// happened. A false return with nil error means the task was already
// executed or deleted, and the caller must treat the attempt as a no-op.
// Failed rows stay updatable so a manual re-fire can land its outcome.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)

	MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, lastError string) (bool, error)

	// FindPending returns every pending task, however far in the past or
	// future its due time is. dueBefore, when non-nil, restricts the result.
	FindPending(ctx context.Context, dueBefore *time.Time) ([]Task, error)

	FindBySubject(ctx context.Context, subject string) ([]Task, error)
	ListTasks(ctx context.Context, status *Status) ([]Task, error)

	DeleteBySubject(ctx context.Context, subject string) (int64, error)
	DeleteByStatus(ctx context.Context, status Status) (int64, error)

	PruneExecutedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Config configures the store backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store. An empty driver defaults to memory,
// which keeps development and tests zero-setup.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
