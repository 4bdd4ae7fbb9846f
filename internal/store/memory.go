package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process implementation of Store.
// It backs tests and zero-setup development; semantics (including the
// conditional status swaps) match the sqlite driver.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]Task
	audit []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]Task)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateTask(_ context.Context, t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (Task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) MarkExecuted(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status == StatusExecuted {
		return false, nil
	}
	t.Status = StatusExecuted
	t.ExecutedAt = &at
	t.LastError = ""
	m.tasks[id] = t
	return true, nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status == StatusExecuted {
		return false, nil
	}
	t.Status = StatusFailed
	t.LastError = lastError
	m.tasks[id] = t
	return true, nil
}

func (m *Memory) FindPending(_ context.Context, dueBefore *time.Time) ([]Task, error) {
	return m.filter(func(t Task) bool {
		if t.Status != StatusPending {
			return false
		}
		return dueBefore == nil || t.DueAt.Before(*dueBefore)
	}), nil
}

func (m *Memory) FindBySubject(_ context.Context, subject string) ([]Task, error) {
	return m.filter(func(t Task) bool { return t.SubjectName == subject }), nil
}

func (m *Memory) ListTasks(_ context.Context, status *Status) ([]Task, error) {
	return m.filter(func(t Task) bool { return status == nil || t.Status == *status }), nil
}

func (m *Memory) DeleteBySubject(_ context.Context, subject string) (int64, error) {
	return m.deleteWhere(func(t Task) bool { return t.SubjectName == subject }), nil
}

func (m *Memory) DeleteByStatus(_ context.Context, status Status) (int64, error) {
	return m.deleteWhere(func(t Task) bool { return t.Status == status }), nil
}

func (m *Memory) PruneExecutedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return m.deleteWhere(func(t Task) bool {
		return t.Status == StatusExecuted && t.ExecutedAt != nil && t.ExecutedAt.Before(cutoff)
	}), nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PruneAuditBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var removed int64
	for _, e := range m.audit {
		if e.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return removed, nil
}

// AuditEntries returns a copy of the audit log (test helper).
func (m *Memory) AuditEntries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) filter(keep func(Task) bool) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

func (m *Memory) deleteWhere(match func(Task) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if match(t) {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}
