// Package messageproc implements processMessages, the nine-step algorithm
// GroupQueue invokes for each JID with unconsumed messages: read the
// cursor, decide whether the batch crosses the trigger gate, hand the
// transcript to a running or freshly spawned agent container, and
// advance or roll back the cursor based on the terminal status.
package messageproc

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/nanoclaw/internal/channels"
	"github.com/basket/nanoclaw/internal/container"
	nctrace "github.com/basket/nanoclaw/internal/otel"
	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/router"
	"github.com/basket/nanoclaw/internal/shared"
	"github.com/basket/nanoclaw/internal/store"
)

// SessionStore records the agent's most recent session id per JID, so a
// freshly spawned container can be given the prior session for
// continuity when context_mode=group.
type SessionStore interface {
	Get(jid string) (sessionID string, ok bool)
	Set(jid, sessionID string)
}

// MapSessionStore is the in-memory SessionStore the Orchestrator wires by
// default; session ids do not survive a process restart.
type MapSessionStore struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMapSessionStore() *MapSessionStore {
	return &MapSessionStore{m: make(map[string]string)}
}

func (s *MapSessionStore) Get(jid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[jid]
	return v, ok
}

func (s *MapSessionStore) Set(jid, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[jid] = sessionID
}

// taskCloseDelay is the grace period between a task's first streamed
// result and closing its container's stdin, so trailing tool calls the
// agent makes after emitting its result still land before the container
// is asked to exit. A var, not a const, so tests can shorten it.
var taskCloseDelay = 10 * time.Second

// RegisteredGroupLookup returns the live registered-groups map at call
// time (the Orchestrator owns the authoritative copy; Processor never
// caches it).
type RegisteredGroupLookup func() map[string]store.RegisteredGroup

// waiter is the per-JID rendezvous a run blocks on while its container
// streams result/status/session records through Runner's EventHandlers.
type waiter struct {
	results chan string
	session chan string
	ok      chan struct{}
	errText chan string
}

// Processor implements GroupQueue's processMessages(jid) -> bool contract
// and supplies the container.EventHandlers that route an agent's NDJSON
// records back to the run awaiting them.
type Processor struct {
	Store         *store.Store
	Queue         *queue.GroupQueue
	Runner        *container.Runner
	Channels      []channels.Channel
	AssistantName string
	Sessions      SessionStore
	Groups        RegisteredGroupLookup
	Logger        *slog.Logger
	Tracer        trace.Tracer

	mu      sync.Mutex
	waiters map[string]*waiter
}

func (p *Processor) tracer() trace.Tracer {
	if p.Tracer != nil {
		return p.Tracer
	}
	return nooptrace.NewTracerProvider().Tracer(nctrace.TracerName)
}

// Handlers returns the container.EventHandlers the Runner must be
// constructed with, so that results, terminal status, and session ids for
// any jid reach the ProcessMessages call currently waiting on it.
func (p *Processor) Handlers() container.EventHandlers {
	return container.EventHandlers{
		OnResult: func(jid, text string) {
			if w := p.lookupWaiter(jid); w != nil {
				w.results <- text
			}
		},
		OnStatusSuccess: func(jid string) {
			if w := p.lookupWaiter(jid); w != nil {
				w.ok <- struct{}{}
			}
		},
		OnStatusError: func(jid, errText string) {
			if w := p.lookupWaiter(jid); w != nil {
				w.errText <- errText
			}
		},
		OnSession: func(jid, sessionID string) {
			if w := p.lookupWaiter(jid); w != nil {
				w.session <- sessionID
			}
			p.Sessions.Set(jid, sessionID)
		},
	}
}

func (p *Processor) registerWaiter(jid string) *waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiters == nil {
		p.waiters = make(map[string]*waiter)
	}
	w := &waiter{
		results: make(chan string, 16),
		session: make(chan string, 1),
		ok:      make(chan struct{}, 1),
		errText: make(chan string, 1),
	}
	p.waiters[jid] = w
	return w
}

func (p *Processor) lookupWaiter(jid string) *waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters[jid]
}

func (p *Processor) clearWaiter(jid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, jid)
}

// ProcessMessages is installed via GroupQueue.SetProcessMessagesFn.
func (p *Processor) ProcessMessages(ctx context.Context, jid string) bool {
	ctx, span := nctrace.StartSpan(ctx, p.tracer(), "messageproc.process_messages", nctrace.AttrJID.String(jid))
	defer span.End()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("trace_id", shared.TraceID(ctx))

	group, ok := p.Groups()[jid]
	if !ok {
		// Not (or no longer) a registered group; nothing to do.
		return true
	}

	cursor, err := p.Store.GetCursor(ctx, jid)
	if err != nil {
		logger.Error("messageproc: read cursor failed", "jid", jid, "error", err)
		return false
	}

	msgs, err := p.Store.GetMessagesSince(ctx, jid, cursor, p.AssistantName)
	if err != nil {
		logger.Error("messageproc: get messages since failed", "jid", jid, "error", err)
		return false
	}
	if len(msgs) == 0 {
		return true
	}

	shouldDispatch := !group.RequiresTrigger
	if !shouldDispatch {
		for _, m := range msgs {
			if matchesTrigger(m.Content, group.Trigger) {
				shouldDispatch = true
				break
			}
		}
	}

	newest := msgs[len(msgs)-1].Timestamp
	if !shouldDispatch {
		if err := p.Store.SetCursor(ctx, jid, newest); err != nil {
			logger.Error("messageproc: advance cursor (no dispatch) failed", "jid", jid, "error", err)
		}
		return true
	}

	savedCursor := cursor

	ch := router.FindChannel(p.Channels, jid)
	if ch == nil {
		logger.Warn("messageproc: no channel owns jid", "jid", jid)
		return false
	}

	_ = ch.SetTyping(ctx, jid, true)
	defer func() { _ = ch.SetTyping(ctx, jid, false) }()

	transcript := buildTranscript(msgs)
	prevSession, _ := p.Sessions.Get(jid)

	w := p.registerWaiter(jid)
	defer p.clearWaiter(jid)

	if !p.Queue.SendMessage(jid, transcript) {
		if err := p.Runner.Spawn(ctx, container.RunOptions{
			JID:         jid,
			GroupFolder: group.Folder,
			SessionID:   prevSession,
		}); err != nil {
			logger.Error("messageproc: spawn failed", "jid", jid, "error", err)
			if rbErr := p.Store.SetCursor(ctx, jid, savedCursor); rbErr != nil {
				logger.Error("messageproc: cursor rollback failed", "jid", jid, "error", rbErr)
			}
			return false
		}
		if !p.Queue.SendMessage(jid, transcript) {
			logger.Error("messageproc: freshly spawned container refused inbox write", "jid", jid)
			if rbErr := p.Store.SetCursor(ctx, jid, savedCursor); rbErr != nil {
				logger.Error("messageproc: cursor rollback failed", "jid", jid, "error", rbErr)
			}
			return false
		}
	}

	return p.awaitResult(ctx, jid, ch, w, savedCursor, newest)
}

// awaitResult forwards result chunks to the owning channel as they arrive
// and blocks until the run's terminal status record settles the cursor.
func (p *Processor) awaitResult(ctx context.Context, jid string, ch channels.Channel, w *waiter, savedCursor, newest time.Time) bool {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("trace_id", shared.TraceID(ctx))
	for {
		select {
		case text := <-w.results:
			for _, chunk := range router.SplitForLength(text, 4000) {
				if err := ch.SendMessage(ctx, jid, chunk); err != nil {
					logger.Warn("messageproc: send result chunk failed", "jid", jid, "error", err)
				}
			}
		case <-w.session:
			// Session id is recorded directly by the OnSession handler.
		case <-w.ok:
			if err := p.Store.SetCursor(ctx, jid, newest); err != nil {
				logger.Error("messageproc: advance cursor failed", "jid", jid, "error", err)
			}
			return true
		case errText := <-w.errText:
			logger.Warn("messageproc: agent reported error status", "jid", jid, "error", errText)
			if err := p.Store.SetCursor(ctx, jid, savedCursor); err != nil {
				logger.Error("messageproc: cursor rollback failed", "jid", jid, "error", err)
			}
			return false
		case <-ctx.Done():
			if err := p.Store.SetCursor(ctx, jid, savedCursor); err != nil {
				logger.Error("messageproc: cursor rollback on cancel failed", "jid", jid, "error", err)
			}
			return false
		}
	}
}

// RunTask spawns an isolated task container for jid and waits for its
// terminal status, forwarding any result text to the owning channel along
// the way. It implements scheduler.TaskRunner. When contextMode is
// ContextGroup, the task is handed the group's most recent session id so
// it continues that conversation's context; an isolated task always
// starts fresh.
func (p *Processor) RunTask(ctx context.Context, jid, groupFolder, prompt string, contextMode store.ContextMode) error {
	ctx, span := nctrace.StartSpan(ctx, p.tracer(), "messageproc.run_task",
		nctrace.AttrJID.String(jid), nctrace.AttrGroupFolder.String(groupFolder))
	defer span.End()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("trace_id", shared.TraceID(ctx))

	var sessionID string
	if contextMode == store.ContextGroup {
		sessionID, _ = p.Sessions.Get(jid)
	}

	w := p.registerWaiter(jid)
	defer p.clearWaiter(jid)

	if err := p.Runner.Spawn(ctx, container.RunOptions{
		JID:             jid,
		GroupFolder:     groupFolder,
		IsTaskContainer: true,
		SessionID:       sessionID,
	}); err != nil {
		return fmt.Errorf("messageproc: spawn task container: %w", err)
	}
	// The prompt is written directly to the fresh container's inbox: it is
	// a task container, so GroupQueue.SendMessage would (correctly) refuse
	// it — that guard exists to keep ordinary conversation turns from
	// being misdelivered into an isolated task run, not the task's own
	// initial prompt.
	if err := p.Runner.InboxWriter()(groupFolder, prompt); err != nil {
		return fmt.Errorf("messageproc: deliver task prompt: %w", err)
	}

	ch := router.FindChannel(p.Channels, jid)

	closeScheduled := false
	scheduleClose := func() {
		if closeScheduled {
			return
		}
		closeScheduled = true
		time.AfterFunc(taskCloseDelay, func() {
			if err := p.Queue.CloseStdin(jid); err != nil {
				logger.Warn("messageproc: close task container stdin failed", "jid", jid, "error", err)
			}
		})
	}
	defer func() {
		if !closeScheduled {
			if err := p.Queue.CloseStdin(jid); err != nil {
				logger.Warn("messageproc: close task container stdin failed", "jid", jid, "error", err)
			}
		}
	}()

	for {
		select {
		case text := <-w.results:
			// The first result schedules the close delay: a short grace
			// period lets any trailing tool calls finish before stdin is
			// closed and the container is asked to exit.
			scheduleClose()
			if ch == nil {
				continue
			}
			for _, chunk := range router.SplitForLength(text, 4000) {
				if err := ch.SendMessage(ctx, jid, chunk); err != nil {
					logger.Warn("messageproc: send task result chunk failed", "jid", jid, "error", err)
				}
			}
		case <-w.session:
		case <-w.ok:
			return nil
		case errText := <-w.errText:
			return fmt.Errorf("messageproc: task reported error status: %s", errText)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func matchesTrigger(content, triggerPattern string) bool {
	if triggerPattern == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(triggerPattern))
	if err != nil {
		return false
	}
	return re.MatchString(content)
}

func buildTranscript(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), sender, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
