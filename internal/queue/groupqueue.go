// Package queue implements GroupQueue, the gated per-JID mailbox that
// admits message-processing runs and scheduled-task runs onto a bounded
// pool of concurrent agent containers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProcessHandle is the minimal capability GroupQueue needs from a running
// agent container: the ability to force it down when a shutdown deadline
// is exceeded. ContainerRunner supplies the concrete implementation via
// RegisterProcess.
type ProcessHandle interface {
	Close() error
}

// ProcessMessagesFunc implements one message-processing run for jid. It
// returns true on success (cursor advances) and false on failure (retry).
type ProcessMessagesFunc func(ctx context.Context, jid string) bool

// TaskFunc implements one scheduled-task run for jid. Its error is logged
// by the caller (the Scheduler owns task-run logging) and never affects
// the message-processing retry counter.
type TaskFunc func(ctx context.Context, jid string) error

// InboxWriterFunc writes text to the inbox of the group folder's IPC
// directory, atomically (write-to-temp + rename), for delivery to a
// running container.
type InboxWriterFunc func(groupFolder, text string) error

// CloseWriterFunc writes the `_close` sentinel to the group folder's IPC
// directory, signalling the running container to exit cleanly.
type CloseWriterFunc func(groupFolder string) error

type pendingTask struct {
	taskID string
	run    TaskFunc
}

// groupState is the per-JID mailbox state.
type groupState struct {
	active          bool
	isTaskContainer bool
	idleWaiting     bool
	proc            ProcessHandle
	containerName   string
	groupFolder     string
	pendingMessages bool
	pendingTasks    []pendingTask
	retryCount      int
}

// GroupQueue is the gated per-key mailbox described by the component
// design: one logical lock guards all state transitions; only
// enqueueTask and notifyIdle ever preempt a running container, and only
// when it is idle.
type GroupQueue struct {
	mu sync.Mutex

	maxConcurrent int
	baseRetry     time.Duration
	maxRetries    int

	activeCount       int
	waiting           []string
	waitingSet        map[string]struct{}
	groups            map[string]*groupState
	shutdownRequested bool

	processMessages ProcessMessagesFunc
	writeInbox      InboxWriterFunc
	writeClose      CloseWriterFunc

	logger *slog.Logger
}

// Config bundles GroupQueue's tunables. Defaults match the reference
// behavior: MaxConcurrent=2, BaseRetry=5s, MaxRetries=5.
type Config struct {
	MaxConcurrent int
	BaseRetry     time.Duration
	MaxRetries    int
	WriteInbox    InboxWriterFunc
	WriteClose    CloseWriterFunc
	Logger        *slog.Logger
}

// New constructs a GroupQueue. SetProcessMessagesFn must be called before
// any message is enqueued.
func New(cfg Config) *GroupQueue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.BaseRetry <= 0 {
		cfg.BaseRetry = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GroupQueue{
		maxConcurrent: cfg.MaxConcurrent,
		baseRetry:     cfg.BaseRetry,
		maxRetries:    cfg.MaxRetries,
		waitingSet:    make(map[string]struct{}),
		groups:        make(map[string]*groupState),
		writeInbox:    cfg.WriteInbox,
		writeClose:    cfg.WriteClose,
		logger:        cfg.Logger,
	}
}

// SetProcessMessagesFn installs the message-processing implementation.
func (q *GroupQueue) SetProcessMessagesFn(fn ProcessMessagesFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processMessages = fn
}

func (q *GroupQueue) group(jid string) *groupState {
	g, ok := q.groups[jid]
	if !ok {
		g = &groupState{}
		q.groups[jid] = g
	}
	return g
}

// ActiveCount reports the current number of occupied slots.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// EnqueueMessageCheck marks jid as having unconsumed messages and
// attempts to start processing.
func (q *GroupQueue) EnqueueMessageCheck(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdownRequested {
		return
	}
	g := q.group(jid)
	g.pendingMessages = true
	q.tryStart(jid)
}

// EnqueueTask appends a scheduled-task run to jid's pending-task FIFO. If
// the container for jid is active and idle, a close directive is issued
// so it exits and the task can start in a fresh container; if active and
// not idle, the task waits for the current run to drain.
func (q *GroupQueue) EnqueueTask(jid, taskID string, run TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdownRequested {
		return
	}
	g := q.group(jid)
	g.pendingTasks = append(g.pendingTasks, pendingTask{taskID: taskID, run: run})

	if g.active {
		if g.idleWaiting {
			q.closeLocked(jid)
		}
		return
	}
	q.tryStart(jid)
}

// RegisterProcess records the running container's handle, name, and group
// folder for jid. Called by ContainerRunner once the agent process is up.
// isTask marks the registered container as a task container: it also
// corrects g.isTaskContainer, so a container that replaces a previous one
// (fresh spawn) is identified by what it actually is, not by whatever run
// last dispatched before it.
func (q *GroupQueue) RegisterProcess(jid string, proc ProcessHandle, containerName, groupFolder string, isTask bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.group(jid)
	g.proc = proc
	g.containerName = containerName
	g.groupFolder = groupFolder
	g.isTaskContainer = isTask
}

// UnregisterProcess clears the registered container for jid. Called by
// ContainerRunner once it has confirmed the container process has
// actually exited, so a later SendMessage correctly reports false and the
// caller falls back to spawning a fresh container. isTaskContainer is
// cleared here too: it describes the registered container's identity and
// must not outlive it.
func (q *GroupQueue) UnregisterProcess(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[jid]
	if !ok {
		return
	}
	g.proc = nil
	g.containerName = ""
	g.groupFolder = ""
	g.idleWaiting = false
	g.isTaskContainer = false
}

// NotifyIdle marks jid's running container idle. If a task is pending, a
// close directive is issued immediately: tasks run with isTaskContainer
// true and must not share state with a user session.
func (q *GroupQueue) NotifyIdle(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[jid]
	if !ok {
		return
	}
	g.idleWaiting = true
	if len(g.pendingTasks) > 0 {
		q.closeLocked(jid)
	}
}

// SendMessage writes text to the active container's inbox for jid. It
// returns false (and queues nothing itself) if the active container is a
// task container or if no container is currently active for jid — the
// caller is expected to fall back to spawning a fresh container.
func (q *GroupQueue) SendMessage(jid, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[jid]
	if !ok || !g.active || g.isTaskContainer || g.groupFolder == "" {
		return false
	}
	if err := q.writeInbox(g.groupFolder, text); err != nil {
		q.logger.Warn("groupqueue: inbox write failed", "jid", jid, "error", err)
		return false
	}
	g.idleWaiting = false
	return true
}

// CloseStdin writes the close sentinel for jid's registered group folder.
func (q *GroupQueue) CloseStdin(jid string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[jid]
	if !ok || g.groupFolder == "" {
		return fmt.Errorf("groupqueue: no registered process for %s", jid)
	}
	return q.writeClose(g.groupFolder)
}

func (q *GroupQueue) closeLocked(jid string) {
	g := q.groups[jid]
	if g.groupFolder == "" {
		return
	}
	if err := q.writeClose(g.groupFolder); err != nil {
		q.logger.Warn("groupqueue: close sentinel write failed", "jid", jid, "error", err)
	}
}

// tryStart admits jid if a slot is free, otherwise queues it (deduplicated)
// on the global waiting FIFO. Must be called with q.mu held.
func (q *GroupQueue) tryStart(jid string) {
	g := q.groups[jid]
	if g.active {
		return
	}
	if q.shutdownRequested {
		return
	}
	if q.activeCount >= q.maxConcurrent {
		q.pushWaiting(jid)
		return
	}
	q.dispatch(jid)
}

func (q *GroupQueue) pushWaiting(jid string) {
	if _, ok := q.waitingSet[jid]; ok {
		return
	}
	q.waitingSet[jid] = struct{}{}
	q.waiting = append(q.waiting, jid)
}

func (q *GroupQueue) popWaiting() (string, bool) {
	if len(q.waiting) == 0 {
		return "", false
	}
	jid := q.waiting[0]
	q.waiting = q.waiting[1:]
	delete(q.waitingSet, jid)
	return jid, true
}

// dispatch starts work for jid: pending tasks always run before the next
// message batch (tasks-first-on-drain). Must be called with q.mu held,
// g.active == false, and a free slot available.
func (q *GroupQueue) dispatch(jid string) {
	g := q.groups[jid]
	q.activeCount++
	g.active = true
	g.idleWaiting = false

	if len(g.pendingTasks) > 0 {
		t := g.pendingTasks[0]
		g.pendingTasks = g.pendingTasks[1:]
		g.isTaskContainer = true
		go q.runTask(jid, t)
		return
	}

	g.pendingMessages = false
	// g.isTaskContainer is not touched here: it describes the identity of
	// the container this run ends up talking to, which is only known once
	// SendMessage/RegisterProcess runs inside processMessages. Clearing it
	// preemptively would let a message run reuse an unclosed task
	// container's inbox before RegisterProcess has a chance to correct it.
	go q.runMessages(jid)
}

func (q *GroupQueue) runMessages(jid string) {
	ok := q.processMessages(context.Background(), jid)
	q.onRunDone(jid, false, ok)
}

func (q *GroupQueue) runTask(jid string, t pendingTask) {
	if err := t.run(context.Background(), jid); err != nil {
		q.logger.Error("groupqueue: task run failed", "jid", jid, "task_id", t.taskID, "error", err)
	}
	// Task errors are the Scheduler's concern (logTaskRun); they never
	// count against the message-processing retry counter.
	q.onRunDone(jid, true, true)
}

// onRunDone releases jid's slot and applies the drain and retry rules.
// wasTask reflects what kind of run dispatch started, independent of
// g.isTaskContainer, which now tracks the registered container's identity
// and is corrected only by RegisterProcess/UnregisterProcess.
func (q *GroupQueue) onRunDone(jid string, wasTask, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groups[jid]
	g.active = false
	q.activeCount--
	// proc/containerName/groupFolder, idleWaiting, and isTaskContainer are
	// left as-is: the underlying container may still be alive and idle,
	// ready for reuse by the next message batch. They are cleared by
	// UnregisterProcess once ContainerRunner observes the container has
	// actually exited.

	if !wasTask && !success {
		q.scheduleRetry(jid)
		return
	}
	if !wasTask {
		g.retryCount = 0
	}

	if len(g.pendingTasks) > 0 || g.pendingMessages {
		q.tryStart(jid)
	}
	q.admitWaiting()
}

// scheduleRetry arranges for jid to be retried after
// BASE_RETRY_MS * 2^retryCount. After MAX_RETRIES consecutive failures the
// counter resets and no further attempt is scheduled until a new enqueue.
func (q *GroupQueue) scheduleRetry(jid string) {
	g := q.groups[jid]
	if g.retryCount >= q.maxRetries {
		g.retryCount = 0
		q.admitWaiting()
		return
	}
	delay := q.baseRetry * time.Duration(int64(1)<<uint(g.retryCount))
	g.retryCount++
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.shutdownRequested {
			return
		}
		q.tryStart(jid)
	})
	q.admitWaiting()
}

// admitWaiting pops waiting JIDs onto free slots until the queue is full,
// empty, or shutdown has been requested.
func (q *GroupQueue) admitWaiting() {
	for !q.shutdownRequested && q.activeCount < q.maxConcurrent {
		next, ok := q.popWaiting()
		if !ok {
			return
		}
		if q.groups[next].active {
			continue
		}
		q.dispatch(next)
	}
}

// Shutdown refuses new enqueues, asks every active container to close via
// its sentinel, and waits up to deadline for all slots to drain. Slots
// still occupied after the deadline are released forcibly by closing
// their process handle.
func (q *GroupQueue) Shutdown(deadline time.Duration) {
	q.mu.Lock()
	q.shutdownRequested = true
	for jid, g := range q.groups {
		if g.active && g.groupFolder != "" {
			if err := q.writeClose(g.groupFolder); err != nil {
				q.logger.Warn("groupqueue: shutdown close sentinel failed", "jid", jid, "error", err)
			}
		}
	}
	active := q.activeCount
	q.mu.Unlock()

	if active == 0 {
		return
	}

	deadlineC := time.After(deadline)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadlineC:
			q.forceRelease()
			return
		case <-ticker.C:
			q.mu.Lock()
			n := q.activeCount
			q.mu.Unlock()
			if n == 0 {
				return
			}
		}
	}
}

func (q *GroupQueue) forceRelease() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for jid, g := range q.groups {
		if !g.active {
			continue
		}
		if g.proc != nil {
			if err := g.proc.Close(); err != nil {
				q.logger.Warn("groupqueue: force-release on shutdown deadline failed", "jid", jid, "error", err)
			}
		}
		g.active = false
		q.activeCount--
	}
}
