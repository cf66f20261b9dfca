package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/store"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (f *fakeRunner) RunTask(ctx context.Context, jid, groupFolder, prompt string, contextMode store.ContextMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, jid+":"+prompt)
	return f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newTestQueue(t *testing.T) *queue.GroupQueue {
	t.Helper()
	return queue.New(queue.Config{
		BaseRetry:  10 * time.Millisecond,
		WriteInbox: func(string, string) error { return nil },
		WriteClose: func(string) error { return nil },
		Logger:     silentLogger(),
	})
}

func TestSchedulerFiresOnceTaskAndMarksDone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if _, err := s.CreateTask(ctx, store.ScheduledTask{
		ID: "t1", GroupFolder: "g1", ChatJID: "g1@g.us", Prompt: "say hi",
		ScheduleKind: store.ScheduleOnce, ContextMode: store.ContextIsolated,
		NextRun: &past, Status: store.TaskActive,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	q := newTestQueue(t)
	runner := &fakeRunner{}
	sched := New(Config{Store: s, Queue: q, Runner: runner, Logger: silentLogger(), Interval: 20 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched.Start(runCtx)
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return runner.count() == 1 })

	got, ok, err := s.GetTaskByID(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("GetTaskByID: ok=%v err=%v", ok, err)
	}
	if got.Status != store.TaskDone || got.NextRun != nil {
		t.Fatalf("got %+v, want status=done next_run=nil", got)
	}

	runs, err := s.GetDueTasks(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetDueTasks: %v", err)
	}
	for _, r := range runs {
		if r.ID == "t1" {
			t.Fatal("done task must not be picked up again")
		}
	}
}

func TestSchedulerAdvancesIntervalTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if _, err := s.CreateTask(ctx, store.ScheduledTask{
		ID: "t2", GroupFolder: "g1", ChatJID: "g1@g.us", Prompt: "check in",
		ScheduleKind: store.ScheduleInterval, ScheduleValue: "1h", ContextMode: store.ContextIsolated,
		NextRun: &past, Status: store.TaskActive,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	q := newTestQueue(t)
	runner := &fakeRunner{}
	sched := New(Config{Store: s, Queue: q, Runner: runner, Logger: silentLogger(), Interval: 20 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched.Start(runCtx)
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return runner.count() == 1 })

	got, ok, err := s.GetTaskByID(ctx, "t2")
	if err != nil || !ok {
		t.Fatalf("GetTaskByID: ok=%v err=%v", ok, err)
	}
	if got.Status != store.TaskActive || got.NextRun == nil {
		t.Fatalf("got %+v, want status=active with a next_run set", got)
	}
	if !got.NextRun.After(time.Now()) {
		t.Fatalf("next_run = %v, want a time roughly an hour in the future", got.NextRun)
	}

	// Give the scheduler another couple of ticks; the task must not fire
	// again until its new next_run is due.
	time.Sleep(80 * time.Millisecond)
	if runner.count() != 1 {
		t.Fatalf("count = %d, want 1 (task not due again yet)", runner.count())
	}
}

func TestNextRunCronAdvancesPastNow(t *testing.T) {
	next, err := NextRunTime("*/5 * * * *", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if !next.After(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %v, want strictly after base", next)
	}
}
