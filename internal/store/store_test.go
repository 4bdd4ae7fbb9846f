package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "remindd/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func mkTask(id, subject string, due time.Time) Task {
	return Task{
		ID:              id,
		SubjectName:     subject,
		RuleID:          "onboarding.welcome",
		RenderedMessage: "Welcome " + subject,
		DueAt:           due,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	due := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.CreateTask(ctx, mkTask("t1", "Jane Doe", due)); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			got, err := st.GetTask(ctx, "t1")
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if got.SubjectName != "Jane Doe" || got.Status != StatusPending {
				t.Fatalf("unexpected task: %+v", got)
			}
			if !got.DueAt.Equal(due) {
				t.Fatalf("DueAt = %v, want %v", got.DueAt, due)
			}
			if got.ExecutedAt != nil {
				t.Fatalf("ExecutedAt should be nil on a pending task")
			}

			if _, err := st.GetTask(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMarkExecutedIsConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now().UTC()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.CreateTask(ctx, mkTask("t1", "Jane Doe", now)); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}

			swapped, err := st.MarkExecuted(ctx, "t1", now)
			if err != nil || !swapped {
				t.Fatalf("first MarkExecuted = (%v, %v), want (true, nil)", swapped, err)
			}

			// Second swap must lose: the row is already executed.
			swapped, err = st.MarkExecuted(ctx, "t1", now)
			if err != nil || swapped {
				t.Fatalf("second MarkExecuted = (%v, %v), want (false, nil)", swapped, err)
			}

			// Same for a late failure report.
			swapped, err = st.MarkFailed(ctx, "t1", "boom")
			if err != nil || swapped {
				t.Fatalf("MarkFailed after executed = (%v, %v), want (false, nil)", swapped, err)
			}

			got, err := st.GetTask(ctx, "t1")
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if got.Status != StatusExecuted || got.ExecutedAt == nil {
				t.Fatalf("unexpected terminal state: %+v", got)
			}
			if got.LastError != "" {
				t.Fatalf("LastError should stay empty, got %q", got.LastError)
			}

			// Updating a deleted task is a no-op, not an error.
			swapped, err = st.MarkExecuted(ctx, "missing", now)
			if err != nil || swapped {
				t.Fatalf("MarkExecuted on missing = (%v, %v), want (false, nil)", swapped, err)
			}
		})
	}
}

func TestMarkFailedKeepsTaskForOperator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now().UTC()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.CreateTask(ctx, mkTask("t1", "Jane Doe", now)); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			swapped, err := st.MarkFailed(ctx, "t1", "transport: chat unreachable")
			if err != nil || !swapped {
				t.Fatalf("MarkFailed = (%v, %v), want (true, nil)", swapped, err)
			}
			got, _ := st.GetTask(ctx, "t1")
			if got.Status != StatusFailed || got.LastError == "" {
				t.Fatalf("unexpected failed state: %+v", got)
			}
			if got.ExecutedAt != nil {
				t.Fatalf("ExecutedAt must only be set on executed tasks")
			}

			// A failed row is still updatable: a manual re-fire that
			// succeeds lands executed and clears the error.
			swapped, err = st.MarkExecuted(ctx, "t1", now)
			if err != nil || !swapped {
				t.Fatalf("MarkExecuted after failed = (%v, %v), want (true, nil)", swapped, err)
			}
			got, _ = st.GetTask(ctx, "t1")
			if got.Status != StatusExecuted || got.ExecutedAt == nil || got.LastError != "" {
				t.Fatalf("re-fire did not land cleanly: %+v", got)
			}
		})
	}
}

func TestFindPendingSpansPastAndFuture(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now().UTC()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			seed := []Task{
				mkTask("past", "a", now.Add(-30*24*time.Hour)),
				mkTask("soon", "b", now.Add(time.Minute)),
				mkTask("far", "c", now.Add(90*24*time.Hour)),
			}
			for _, task := range seed {
				if err := st.CreateTask(ctx, task); err != nil {
					t.Fatalf("CreateTask(%s): %v", task.ID, err)
				}
			}
			if _, err := st.MarkExecuted(ctx, "soon", now); err != nil {
				t.Fatalf("MarkExecuted: %v", err)
			}

			pending, err := st.FindPending(ctx, nil)
			if err != nil {
				t.Fatalf("FindPending: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("pending = %d, want 2", len(pending))
			}
			// Enumeration is due-time ordered; long-overdue rows come first.
			if pending[0].ID != "past" || pending[1].ID != "far" {
				t.Fatalf("unexpected order: %s, %s", pending[0].ID, pending[1].ID)
			}

			cut := now.Add(time.Hour)
			overdue, err := st.FindPending(ctx, &cut)
			if err != nil {
				t.Fatalf("FindPending(dueBefore): %v", err)
			}
			if len(overdue) != 1 || overdue[0].ID != "past" {
				t.Fatalf("unexpected overdue set: %+v", overdue)
			}
		})
	}
}

func TestDeleteMatching(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now().UTC()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			seed := []Task{
				mkTask("a1", "Jane Doe", now),
				mkTask("a2", "Jane Doe", now.Add(time.Hour)),
				mkTask("b1", "John Roe", now),
			}
			for _, task := range seed {
				if err := st.CreateTask(ctx, task); err != nil {
					t.Fatalf("CreateTask(%s): %v", task.ID, err)
				}
			}

			n, err := st.DeleteBySubject(ctx, "Jane Doe")
			if err != nil {
				t.Fatalf("DeleteBySubject: %v", err)
			}
			if n != 2 {
				t.Fatalf("deleted %d, want 2", n)
			}

			if _, err := st.MarkFailed(ctx, "b1", "boom"); err != nil {
				t.Fatalf("MarkFailed: %v", err)
			}
			n, err = st.DeleteByStatus(ctx, StatusFailed)
			if err != nil {
				t.Fatalf("DeleteByStatus: %v", err)
			}
			if n != 1 {
				t.Fatalf("deleted %d, want 1", n)
			}

			left, _ := st.ListTasks(ctx, nil)
			if len(left) != 0 {
				t.Fatalf("expected empty store, got %d tasks", len(left))
			}
		})
	}
}

func TestPruneExecuted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now().UTC()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			old := mkTask("old", "a", now.Add(-60*24*time.Hour))
			fresh := mkTask("fresh", "b", now)
			for _, task := range []Task{old, fresh} {
				if err := st.CreateTask(ctx, task); err != nil {
					t.Fatalf("CreateTask: %v", err)
				}
			}
			if _, err := st.MarkExecuted(ctx, "old", now.Add(-45*24*time.Hour)); err != nil {
				t.Fatalf("MarkExecuted: %v", err)
			}
			if _, err := st.MarkExecuted(ctx, "fresh", now); err != nil {
				t.Fatalf("MarkExecuted: %v", err)
			}

			n, err := st.PruneExecutedBefore(ctx, now.Add(-30*24*time.Hour))
			if err != nil {
				t.Fatalf("PruneExecutedBefore: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned %d, want 1", n)
			}
			if _, err := st.GetTask(ctx, "fresh"); err != nil {
				t.Fatalf("fresh task should survive prune: %v", err)
			}
		})
	}
}

func TestAuditAppendAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now().UTC()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			entries := []AuditEntry{
				{At: now.Add(-100 * 24 * time.Hour), TaskID: "t1", Subject: "a", RuleID: "r", Action: "executed"},
				{At: now, TaskID: "t2", Subject: "b", RuleID: "r", Action: "failed", Error: "boom"},
			}
			for _, e := range entries {
				if err := st.AppendAudit(ctx, e); err != nil {
					t.Fatalf("AppendAudit: %v", err)
				}
			}
			n, err := st.PruneAuditBefore(ctx, now.Add(-90*24*time.Hour))
			if err != nil {
				t.Fatalf("PruneAuditBefore: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned %d audit rows, want 1", n)
			}
		})
	}
}
