package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, maxConcurrent int) (*GroupQueue, *fakeIPC) {
	t.Helper()
	ipc := &fakeIPC{closes: make(map[string]int), inbox: make(map[string][]string)}
	q := New(Config{
		MaxConcurrent: maxConcurrent,
		BaseRetry:     10 * time.Millisecond,
		MaxRetries:    5,
		WriteInbox:    ipc.writeInbox,
		WriteClose:    ipc.writeClose,
		Logger:        slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100})),
	})
	return q, ipc
}

type fakeIPC struct {
	mu     sync.Mutex
	closes map[string]int
	inbox  map[string][]string
}

func (f *fakeIPC) writeInbox(groupFolder, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox[groupFolder] = append(f.inbox[groupFolder], text)
	return nil
}

func (f *fakeIPC) writeClose(groupFolder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes[groupFolder]++
	return nil
}

func (f *fakeIPC) closeCount(groupFolder string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes[groupFolder]
}

func TestEnqueueMessageCheckRunsProcessMessages(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	done := make(chan string, 1)
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		done <- jid
		return true
	})

	q.EnqueueMessageCheck("g1@g.us")

	select {
	case jid := <-done:
		if jid != "g1@g.us" {
			t.Fatalf("expected g1@g.us, got %s", jid)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for processMessages to run")
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	var mu sync.Mutex
	running := 0
	maxObserved := 0
	release := make(chan struct{})

	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		mu.Lock()
		running++
		if running > maxObserved {
			maxObserved = running
		}
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()
		return true
	})

	q.EnqueueMessageCheck("a@g.us")
	q.EnqueueMessageCheck("b@g.us")
	q.EnqueueMessageCheck("c@g.us")

	time.Sleep(100 * time.Millisecond)
	if got := q.ActiveCount(); got != 2 {
		t.Fatalf("expected activeCount=2 under cap, got %d", got)
	}

	close(release)

	deadline := time.After(time.Second)
	for {
		if q.ActiveCount() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for drain")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxObserved > 2 {
		t.Fatalf("observed %d concurrent runs, want <= 2", maxObserved)
	}
}

func TestTaskPreemptsIdleContainer(t *testing.T) {
	q, ipc := newTestQueue(t, 2)

	msgStarted := make(chan struct{})
	msgRelease := make(chan struct{})
	var callCount int32
	sendResult := make(chan bool, 1)
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		if atomic.AddInt32(&callCount, 1) == 1 {
			close(msgStarted)
			<-msgRelease
			return true
		}
		// Second dispatch, fired after the task run below completes: the
		// task container must not still be treated as reusable.
		sendResult <- q.SendMessage(jid, "hello again")
		return true
	})

	q.EnqueueMessageCheck("g2@g.us")
	<-msgStarted
	q.RegisterProcess("g2@g.us", nil, "nanoclaw-g2-abc", "g2", false)
	q.NotifyIdle("g2@g.us")
	if !q.groups["g2@g.us"].idleWaiting {
		t.Fatal("expected idleWaiting=true after NotifyIdle with no pending tasks")
	}

	taskStarted := make(chan struct{})
	taskRelease := make(chan struct{})
	q.EnqueueTask("g2@g.us", "task-1", func(ctx context.Context, jid string) error {
		close(taskStarted)
		<-taskRelease
		return nil
	})

	if got := ipc.closeCount("g2"); got != 1 {
		t.Fatalf("expected one close sentinel write on task preemption, got %d", got)
	}

	// The preempted message run now finishes (its container exits in
	// response to the close directive); the queued task should start.
	close(msgRelease)

	select {
	case <-taskStarted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for preempting task to start")
	}

	if ok := q.SendMessage("g2@g.us", "hello"); ok {
		t.Fatal("expected SendMessage to return false while a task container is active")
	}
	close(taskRelease)

	// The task run's goroutine returns, but nothing has confirmed the task
	// container actually exited yet (no UnregisterProcess call). A new
	// message dispatch must still be refused the inbox, never silently
	// reuse the still-registered task container.
	deadline := time.Now().Add(time.Second)
	for {
		q.mu.Lock()
		active := q.groups["g2@g.us"].active
		q.mu.Unlock()
		if !active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for task run to finish")
		}
		time.Sleep(time.Millisecond)
	}

	q.EnqueueMessageCheck("g2@g.us")
	select {
	case ok := <-sendResult:
		if ok {
			t.Fatal("expected SendMessage to return false for a message run dispatched onto an unclosed task container")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the post-task message dispatch")
	}

	q.UnregisterProcess("g2@g.us")
	if q.groups["g2@g.us"].isTaskContainer {
		t.Fatal("expected isTaskContainer cleared once UnregisterProcess confirms the container exited")
	}
}

func TestSendMessageFalseForTaskContainer(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	started := make(chan struct{})
	block := make(chan struct{})
	q.EnqueueTask("g3@g.us", "task-1", func(ctx context.Context, jid string) error {
		close(started)
		<-block
		return nil
	})

	<-started
	if ok := q.SendMessage("g3@g.us", "hi"); ok {
		t.Fatal("expected SendMessage to return false while a task container is active")
	}
	close(block)
}

func TestRetryBackoffIncreasesAndGivesUp(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	var mu sync.Mutex
	var timestamps []time.Time
	start := time.Now()

	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		mu.Unlock()
		return false
	})

	q.EnqueueMessageCheck("r@g.us")

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(timestamps)
		mu.Unlock()
		if n >= 6 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 6 attempts, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timestamps) < 6 {
		t.Fatalf("expected at least 6 attempts, got %d", len(timestamps))
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Before(timestamps[i-1]) {
			t.Fatalf("attempt %d ran before attempt %d", i, i-1)
		}
	}
	_ = start

	// After MAX_RETRIES (5) consecutive failures the counter resets and no
	// further attempt is scheduled until a new enqueue; wait past another
	// backoff window and confirm no 7th attempt appears.
	time.Sleep(200 * time.Millisecond)
	if len(timestamps) != 6 {
		t.Fatalf("expected exactly 6 attempts after giving up, got %d", len(timestamps))
	}
}

func TestShutdownRejectsNewEnqueues(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool { return true })

	q.Shutdown(100 * time.Millisecond)

	q.EnqueueMessageCheck("late@g.us")
	time.Sleep(20 * time.Millisecond)
	if q.ActiveCount() != 0 {
		t.Fatal("expected no work to start after shutdown")
	}
}
