package maintenance

import (
	"context"
	"testing"
	"time"

	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

func TestRunOncePrunesOldRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()

	old := store.Task{ID: "old", SubjectName: "a", RuleID: "r", RenderedMessage: "m", DueAt: now.Add(-40 * 24 * time.Hour), Status: store.StatusPending, CreatedAt: now}
	if err := mem.CreateTask(ctx, old); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := mem.MarkExecuted(ctx, "old", now.Add(-40*24*time.Hour)); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	failed := store.Task{ID: "failed", SubjectName: "b", RuleID: "r", RenderedMessage: "m", DueAt: now.Add(-40 * 24 * time.Hour), Status: store.StatusPending, CreatedAt: now}
	if err := mem.CreateTask(ctx, failed); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := mem.MarkFailed(ctx, "failed", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := mem.AppendAudit(ctx, store.AuditEntry{At: now.Add(-100 * 24 * time.Hour), TaskID: "old", Action: "executed"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	svc := New(Config{Enabled: true}, mem, logx.Nop())
	svc.runOnce()

	if _, err := mem.GetTask(ctx, "old"); err != store.ErrNotFound {
		t.Fatalf("old executed task should be pruned, got %v", err)
	}
	// Failed tasks are an operator's problem, not the pruner's.
	if _, err := mem.GetTask(ctx, "failed"); err != nil {
		t.Fatalf("failed task must survive pruning: %v", err)
	}
	if entries := mem.AuditEntries(); len(entries) != 0 {
		t.Fatalf("audit entries left: %d", len(entries))
	}
}
