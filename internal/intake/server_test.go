package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"remindd/internal/directory"
	"remindd/internal/executor"
	"remindd/internal/lifecycle"
	"remindd/internal/notify"
	"remindd/internal/scheduler"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) Deliver(_ context.Context, _ notify.Target, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	tr := &fakeTransport{}
	res := directory.NewStatic(nil, 99)
	eng := executor.New(mem, res, tr, nil, logx.Nop())
	sched := scheduler.New(scheduler.Config{MaxDelay: time.Hour}, eng, logx.Nop())
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)
	life := lifecycle.New(mem, sched, res, tr, nil, logx.Nop())
	return NewServer(Config{}, life, mem, sched, logx.Nop()), mem
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostEvent(t *testing.T) {
	t.Parallel()
	srv, mem := newTestServer(t)

	anchor := time.Now().UTC().AddDate(0, 6, 0).Format("2006-01-02")
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/events", map[string]string{
		"category":    "onboarding",
		"subject":     "Jane Doe",
		"anchor_date": anchor,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res lifecycle.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(res.Scheduled) == 0 || res.Immediate != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	tasks, _ := mem.ListTasks(context.Background(), nil)
	if len(tasks) != len(res.Scheduled) {
		t.Fatalf("persisted %d tasks, response says %d", len(tasks), len(res.Scheduled))
	}
}

func TestPostEventMalformed(t *testing.T) {
	t.Parallel()
	srv, mem := newTestServer(t)
	h := srv.Handler()

	cases := []map[string]string{
		{"category": "retirement", "subject": "x", "anchor_date": "2030-01-01"},
		{"category": "onboarding", "subject": "x", "anchor_date": "someday"},
		{"category": "onboarding", "subject": "x"},
		{"category": "onboarding", "subject": "", "anchor_date": "2030-01-01"},
	}
	for _, c := range cases {
		rec := doJSON(t, h, http.MethodPost, "/v1/events", c)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("case %+v: status = %d, want 400", c, rec.Code)
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/events", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body: status = %d, want 400", rec.Code)
	}

	tasks, _ := mem.ListTasks(context.Background(), nil)
	if len(tasks) != 0 {
		t.Fatalf("malformed requests created %d tasks", len(tasks))
	}
}

func TestPostEventNoRecipient(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	tr := &fakeTransport{}
	res := directory.NewStatic(nil, 0)
	eng := executor.New(mem, res, tr, nil, logx.Nop())
	sched := scheduler.New(scheduler.Config{MaxDelay: time.Hour}, eng, logx.Nop())
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)
	life := lifecycle.New(mem, sched, res, tr, nil, logx.Nop())
	srv := NewServer(Config{}, life, mem, sched, logx.Nop())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/events", map[string]string{
		"category":    "onboarding",
		"subject":     "Jane Doe",
		"anchor_date": "2030-01-01",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestCancelSubjectEndpoint(t *testing.T) {
	t.Parallel()
	srv, mem := newTestServer(t)
	h := srv.Handler()

	anchor := time.Now().UTC().AddDate(0, 6, 0).Format("2006-01-02")
	doJSON(t, h, http.MethodPost, "/v1/events", map[string]string{
		"category": "offboarding", "subject": "Jane Doe", "anchor_date": anchor,
	})

	rec := doJSON(t, h, http.MethodDelete, "/v1/subjects/Jane%20Doe/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["deleted"] == 0 {
		t.Fatal("nothing deleted")
	}
	left, _ := mem.FindBySubject(context.Background(), "Jane Doe")
	if len(left) != 0 {
		t.Fatalf("%d tasks left", len(left))
	}
}

func TestRefireEndpoint(t *testing.T) {
	t.Parallel()
	srv, mem := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()
	now := time.Now().UTC()

	err := mem.CreateTask(ctx, store.Task{
		ID: "f1", SubjectName: "Jane Doe", RuleID: "r", RenderedMessage: "retry me",
		DueAt: now.Add(-time.Hour), Status: store.StatusPending, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := mem.MarkFailed(ctx, "f1", "chat unreachable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/tasks/f1/fire", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	task, _ := mem.GetTask(ctx, "f1")
	if task.Status != store.StatusExecuted {
		t.Fatalf("task status = %s, want executed", task.Status)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/tasks/f1/fire", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("refire of executed task: %d, want 409", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/tasks/ghost/fire", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("refire of missing task: %d, want 404", rec.Code)
	}
}

func TestListTasksAndTimers(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	anchor := time.Now().UTC().AddDate(0, 6, 0).Format("2006-01-02")
	doJSON(t, h, http.MethodPost, "/v1/events", map[string]string{
		"category": "onboarding", "subject": "Jane Doe", "anchor_date": anchor,
	})

	rec := doJSON(t, h, http.MethodGet, "/v1/tasks?status=pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tasks status = %d", rec.Code)
	}
	var tasksOut struct {
		Tasks []store.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tasksOut); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasksOut.Tasks) == 0 {
		t.Fatal("no pending tasks listed")
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/tasks?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter: %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/timers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("timers status = %d", rec.Code)
	}
	var timersOut struct {
		Timers []scheduler.TimerInfo `json:"timers"`
		Stats  scheduler.Stats       `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &timersOut); err != nil {
		t.Fatalf("decode timers: %v", err)
	}
	if len(timersOut.Timers) != len(tasksOut.Tasks) {
		t.Fatalf("timers = %d, pending tasks = %d", len(timersOut.Timers), len(tasksOut.Tasks))
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
