package messageproc

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/nanoclaw/internal/channels"
	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeIPC struct {
	mu    sync.Mutex
	inbox map[string][]string
}

func (f *fakeIPC) write(groupFolder, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbox == nil {
		f.inbox = make(map[string][]string)
	}
	f.inbox[groupFolder] = append(f.inbox[groupFolder], text)
	return nil
}

func (f *fakeIPC) close(string) error { return nil }

func (f *fakeIPC) count(groupFolder string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbox[groupFolder])
}

type noopProc struct{}

func (noopProc) Close() error { return nil }

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
}

func (c *fakeChannel) Name() string                                      { return "fake" }
func (c *fakeChannel) Connect(ctx context.Context) error                 { return nil }
func (c *fakeChannel) Disconnect(ctx context.Context) error              { return nil }
func (c *fakeChannel) IsConnected() bool                                 { return true }
func (c *fakeChannel) OwnsJID(jid string) bool                           { return true }
func (c *fakeChannel) SetTyping(ctx context.Context, jid string, on bool) error { return nil }
func (c *fakeChannel) SendMessage(ctx context.Context, jid, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}
func (c *fakeChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestMatchesTriggerCaseInsensitive(t *testing.T) {
	if !matchesTrigger("hey @Andy can you help", "@andy") {
		t.Fatal("expected case-insensitive trigger match")
	}
	if matchesTrigger("no mention here", "@andy") {
		t.Fatal("expected no match")
	}
	if matchesTrigger("anything", "") {
		t.Fatal("empty trigger pattern must never match")
	}
}

func TestProcessMessagesNoMessagesIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addedAt := time.Now().Add(-time.Hour)
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{JID: "g1@g.us", Folder: "g1", AddedAt: addedAt}); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}

	q := queue.New(queue.Config{WriteInbox: func(string, string) error { return nil }, WriteClose: func(string) error { return nil }, Logger: silentLogger()})
	p := &Processor{
		Store:         s,
		Queue:         q,
		AssistantName: "Andy",
		Sessions:      NewMapSessionStore(),
		Logger:        silentLogger(),
		Groups: func() map[string]store.RegisteredGroup {
			gs, _ := s.GetRegisteredGroups(ctx)
			return gs
		},
	}

	if ok := p.ProcessMessages(ctx, "g1@g.us"); !ok {
		t.Fatal("expected true when there are no unconsumed messages")
	}
}

func TestProcessMessagesAdvancesCursorWithoutDispatchWhenTriggerAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addedAt := time.Now().Add(-time.Hour)
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{
		JID: "g1@g.us", Folder: "g1", Trigger: "@andy", RequiresTrigger: true, AddedAt: addedAt,
	}); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
	msgTS := addedAt.Add(time.Minute)
	if err := s.StoreMessage(ctx, store.Message{ID: "m1", ChatJID: "g1@g.us", Content: "hello team", Timestamp: msgTS}); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	ipc := &fakeIPC{}
	q := queue.New(queue.Config{WriteInbox: ipc.write, WriteClose: ipc.close, Logger: silentLogger()})
	p := &Processor{
		Store:         s,
		Queue:         q,
		AssistantName: "Andy",
		Sessions:      NewMapSessionStore(),
		Logger:        silentLogger(),
		Groups: func() map[string]store.RegisteredGroup {
			gs, _ := s.GetRegisteredGroups(ctx)
			return gs
		},
	}

	if ok := p.ProcessMessages(ctx, "g1@g.us"); !ok {
		t.Fatal("expected true (cursor advances without dispatch)")
	}
	if ipc.count("g1") != 0 {
		t.Fatal("expected no container dispatch when trigger does not match")
	}
	cursor, err := s.GetCursor(ctx, "g1@g.us")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if !cursor.Equal(msgTS) {
		t.Fatalf("cursor = %v, want %v", cursor, msgTS)
	}
}

func TestProcessMessagesDispatchesToRunningContainerAndForwardsResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addedAt := time.Now().Add(-time.Hour)
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{JID: "g1@g.us", Folder: "g1", AddedAt: addedAt}); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
	msgTS := addedAt.Add(time.Minute)
	if err := s.StoreMessage(ctx, store.Message{ID: "m1", ChatJID: "g1@g.us", Content: "hi", Timestamp: msgTS}); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	ipc := &fakeIPC{}
	q := queue.New(queue.Config{WriteInbox: ipc.write, WriteClose: ipc.close, Logger: silentLogger()})
	ch := &fakeChannel{}
	p := &Processor{
		Store:         s,
		Queue:         q,
		Channels:      []channels.Channel{ch},
		AssistantName: "Andy",
		Sessions:      NewMapSessionStore(),
		Logger:        silentLogger(),
		Groups: func() map[string]store.RegisteredGroup {
			gs, _ := s.GetRegisteredGroups(ctx)
			return gs
		},
	}

	// Simulate a container already running for this JID (registered by a
	// prior run and still idle), so ProcessMessages delivers via the
	// existing inbox instead of asking Runner to spawn a fresh one.
	q.RegisterProcess("g1@g.us", noopProc{}, "nanoclaw-g1-1", "g1", false)

	handlers := p.Handlers()
	go func() {
		for ipc.count("g1") == 0 {
			time.Sleep(time.Millisecond)
		}
		handlers.OnResult("g1@g.us", "all set")
		handlers.OnStatusSuccess("g1@g.us")
	}()

	if ok := p.ProcessMessages(ctx, "g1@g.us"); !ok {
		t.Fatal("expected true on status success")
	}

	if got := ch.messages(); len(got) != 1 || got[0] != "all set" {
		t.Fatalf("channel messages = %v, want [\"all set\"]", got)
	}
	cursor, err := s.GetCursor(ctx, "g1@g.us")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if !cursor.Equal(msgTS) {
		t.Fatalf("cursor = %v, want %v", cursor, msgTS)
	}
}

func TestProcessMessagesRollsBackCursorOnStatusError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addedAt := time.Now().Add(-time.Hour)
	if err := s.RegisterGroup(ctx, store.RegisteredGroup{JID: "g1@g.us", Folder: "g1", AddedAt: addedAt}); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
	msgTS := addedAt.Add(time.Minute)
	if err := s.StoreMessage(ctx, store.Message{ID: "m1", ChatJID: "g1@g.us", Content: "hi", Timestamp: msgTS}); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	ipc := &fakeIPC{}
	q := queue.New(queue.Config{WriteInbox: ipc.write, WriteClose: ipc.close, Logger: silentLogger()})
	ch := &fakeChannel{}
	p := &Processor{
		Store:         s,
		Queue:         q,
		Channels:      []channels.Channel{ch},
		AssistantName: "Andy",
		Sessions:      NewMapSessionStore(),
		Logger:        silentLogger(),
		Groups: func() map[string]store.RegisteredGroup {
			gs, _ := s.GetRegisteredGroups(ctx)
			return gs
		},
	}
	q.RegisterProcess("g1@g.us", noopProc{}, "nanoclaw-g1-1", "g1", false)

	handlers := p.Handlers()
	go func() {
		for ipc.count("g1") == 0 {
			time.Sleep(time.Millisecond)
		}
		handlers.OnStatusError("g1@g.us", "boom")
	}()

	if ok := p.ProcessMessages(ctx, "g1@g.us"); ok {
		t.Fatal("expected false on status error")
	}
	cursor, err := s.GetCursor(ctx, "g1@g.us")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if !cursor.IsZero() {
		t.Fatalf("cursor = %v, want zero (rolled back)", cursor)
	}
}
