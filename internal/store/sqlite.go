package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, subject, rule_id, message, due_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		t.ID, t.SubjectName, t.RuleID, t.RenderedMessage,
		t.DueAt.UnixMilli(), string(t.Status), t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject, rule_id, message, due_at, status, executed_at, last_error, created_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return t, nil
}

// MarkExecuted is the compare-and-swap half of at-most-once delivery:
// the transition only lands if the row has not been executed yet. Failed
// rows may transition (a manual re-fire that succeeded); executed rows
// never transition twice.
func (s *sqliteStore) MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, executed_at = ?, last_error = NULL
		 WHERE id = ? AND status != ?`,
		string(StatusExecuted), at.UnixMilli(), id, string(StatusExecuted),
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s.log.Debug("executed update skipped; task gone or already executed", logx.String("task", id))
	}
	return n > 0, nil
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ? WHERE id = ? AND status != ?`,
		string(StatusFailed), nullStr(lastError), id, string(StatusExecuted),
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s.log.Debug("failed update skipped; task gone or already executed", logx.String("task", id))
	}
	return n > 0, nil
}

func (s *sqliteStore) FindPending(ctx context.Context, dueBefore *time.Time) ([]Task, error) {
	q := `SELECT id, subject, rule_id, message, due_at, status, executed_at, last_error, created_at
	      FROM tasks WHERE status = ?`
	args := []any{string(StatusPending)}
	if dueBefore != nil {
		q += ` AND due_at < ?`
		args = append(args, dueBefore.UnixMilli())
	}
	q += ` ORDER BY due_at ASC`
	return s.queryTasks(ctx, q, args...)
}

func (s *sqliteStore) FindBySubject(ctx context.Context, subject string) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, subject, rule_id, message, due_at, status, executed_at, last_error, created_at
		 FROM tasks WHERE subject = ? ORDER BY due_at ASC`, subject)
}

func (s *sqliteStore) ListTasks(ctx context.Context, status *Status) ([]Task, error) {
	q := `SELECT id, subject, rule_id, message, due_at, status, executed_at, last_error, created_at
	      FROM tasks`
	args := []any{}
	if status != nil {
		q += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	q += ` ORDER BY due_at ASC`
	return s.queryTasks(ctx, q, args...)
}

func (s *sqliteStore) DeleteBySubject(ctx context.Context, subject string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE subject = ?`, subject)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) DeleteByStatus(ctx context.Context, status Status) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) PruneExecutedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status = ? AND executed_at < ?`,
		string(StatusExecuted), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, task_id, subject, rule_id, action, err, took_ms)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.TaskID, e.Subject, e.RuleID, e.Action, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PruneAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t          Task
		dueMS      int64
		createdMS  int64
		status     string
		executedMS sql.NullInt64
		lastError  sql.NullString
	)
	if err := r.Scan(&t.ID, &t.SubjectName, &t.RuleID, &t.RenderedMessage,
		&dueMS, &status, &executedMS, &lastError, &createdMS); err != nil {
		return Task{}, err
	}
	t.DueAt = time.UnixMilli(dueMS).UTC()
	t.CreatedAt = time.UnixMilli(createdMS).UTC()
	t.Status = Status(status)
	if executedMS.Valid {
		at := time.UnixMilli(executedMS.Int64).UTC()
		t.ExecutedAt = &at
	}
	if lastError.Valid {
		t.LastError = lastError.String
	}
	return t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
