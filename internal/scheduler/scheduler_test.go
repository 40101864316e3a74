package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"personabot/internal/domain"
	"personabot/internal/mention"
)

type fakeStore struct {
	mu       sync.Mutex
	recorded []domain.InboundMessage
}

func (f *fakeStore) Record(ctx context.Context, msg domain.InboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, msg)
	return nil
}

func (f *fakeStore) Before(ctx context.Context, chatID int64, beforeID, limit int) ([]domain.InboundMessage, error) {
	return nil, nil
}

func (f *fakeStore) FindSticker(ctx context.Context, emoji string) (string, error) {
	return "", &domain.MediaResolutionError{Kind: domain.MediaSticker, Query: emoji}
}

func (f *fakeStore) FindAnimation(ctx context.Context, query string) (string, error) {
	return "", &domain.MediaResolutionError{Kind: domain.MediaGIF, Query: query}
}

type fakeAssembler struct{}

func (fakeAssembler) BuildTranscript(ctx context.Context, chatID int64, maxMessages, beforeID int) ([]domain.TranscriptTurn, error) {
	return nil, nil
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]domain.TranscriptTurn
	reply string
}

func (f *fakeCompleter) Complete(ctx context.Context, agentID string, turns []domain.TranscriptTurn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, turns)
	return f.reply, nil
}

type dispatchCall struct {
	raw    string
	chatID int64
	anchor int
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	done  chan dispatchCall
	block chan struct{} // when set, DispatchReply holds until it is closed
}

func (f *fakeDispatcher) DispatchReply(ctx context.Context, raw string, chatID int64, anchor int) ([]domain.SentMessage, error) {
	call := dispatchCall{raw: raw, chatID: chatID, anchor: anchor}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- call
	}
	if f.block != nil {
		<-f.block
	}
	return []domain.SentMessage{{ChatID: chatID, Text: raw}}, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePresence struct {
	mu      sync.Mutex
	ensured int
	touched int
}

func (f *fakePresence) EnsureOnline(ctx context.Context) {
	f.mu.Lock()
	f.ensured++
	f.mu.Unlock()
}

func (f *fakePresence) Touch() {
	f.mu.Lock()
	f.touched++
	f.mu.Unlock()
}

type fakeReader struct {
	mu    sync.Mutex
	chats []int64
}

func (f *fakeReader) MarkRead(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	f.chats = append(f.chats, chatID)
	f.mu.Unlock()
	return nil
}

type fakeObserver struct {
	mu     sync.Mutex
	cycles []domain.DispatchCycle
}

func (f *fakeObserver) ObserveCycle(ctx context.Context, cycle domain.DispatchCycle) {
	f.mu.Lock()
	f.cycles = append(f.cycles, cycle)
	f.mu.Unlock()
}

type fakeMonitor struct {
	mu    sync.Mutex
	posts []domain.InboundMessage
}

func (f *fakeMonitor) MonitorChannelPost(ctx context.Context, msg domain.InboundMessage) {
	f.mu.Lock()
	f.posts = append(f.posts, msg)
	f.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type schedulerFixture struct {
	scheduler *Scheduler
	store     *fakeStore
	completer *fakeCompleter
	dispatch  *fakeDispatcher
	presence  *fakePresence
	reader    *fakeReader
	observer  *fakeObserver
	monitor   *fakeMonitor
}

func newFixture(t *testing.T, debounce, grace time.Duration) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		store:     &fakeStore{},
		completer: &fakeCompleter{reply: "[Agent]: ok"},
		dispatch:  &fakeDispatcher{done: make(chan dispatchCall, 8)},
		presence:  &fakePresence{},
		reader:    &fakeReader{},
		observer:  &fakeObserver{},
		monitor:   &fakeMonitor{},
	}
	logger := testLogger()
	f.scheduler = New(Config{
		Store:       f.store,
		Assembler:   fakeAssembler{},
		Completer:   f.completer,
		Dispatch:    f.dispatch,
		Detector:    mention.NewDetector([]string{"alex"}, 0.75, logger),
		Presence:    f.presence,
		Reader:      f.reader,
		Monitor:     f.monitor,
		Observers:   []domain.CycleObserver{f.observer},
		Logger:      logger,
		AgentID:     "agent-1",
		MaxHistory:  10,
		Debounce:    debounce,
		GraceWindow: grace,
	})
	return f
}

func privateMsg(id int, chatID int64, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:        id,
		ChatID:    chatID,
		ChatKind:  domain.ChatPrivate,
		ChatTitle: "dm",
		Sender:    domain.Sender{DisplayName: "Sam Doe", Username: "sam"},
		Payload:   domain.Payload{Kind: domain.PayloadText, Text: text},
		Timestamp: time.Now(),
	}
}

func groupMsg(id int, chatID int64, text string) domain.InboundMessage {
	m := privateMsg(id, chatID, text)
	m.ChatKind = domain.ChatGroup
	m.ChatTitle = "friends"
	return m
}

func waitDispatch(t *testing.T, f *schedulerFixture) dispatchCall {
	t.Helper()
	select {
	case call := <-f.dispatch.done:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return dispatchCall{}
	}
}

func TestHandle_GroupsBurstIntoOneCycle(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, 0)
	ctx := context.Background()

	f.scheduler.Handle(ctx, privateMsg(1, 7, "hey"))
	f.scheduler.Handle(ctx, privateMsg(2, 7, "you"))
	f.scheduler.Handle(ctx, privateMsg(3, 7, "there?"))

	call := waitDispatch(t, f)
	if call.chatID != 7 {
		t.Fatalf("unexpected chat %d", call.chatID)
	}
	if call.anchor != 3 {
		t.Fatalf("reply must anchor on the last message, got %d", call.anchor)
	}
	if got := f.dispatch.callCount(); got != 1 {
		t.Fatalf("expected one cycle for the whole burst, got %d", got)
	}

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	if len(f.observer.cycles) != 1 || len(f.observer.cycles[0].Messages) != 3 {
		t.Fatalf("observer must see the full group, got %+v", f.observer.cycles)
	}
}

func TestHandle_MessageDuringDispatchStartsFreshCycle(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 0)
	f.dispatch.block = make(chan struct{})
	ctx := context.Background()

	f.scheduler.Handle(ctx, privateMsg(1, 7, "first"))
	first := waitDispatch(t, f)

	// the first cycle is now held open inside DispatchReply
	f.scheduler.Handle(ctx, privateMsg(2, 7, "second"))
	close(f.dispatch.block)

	second := waitDispatch(t, f)
	if first.anchor != 1 || second.anchor != 2 {
		t.Fatalf("expected cycles anchored on 1 then 2, got %d and %d", first.anchor, second.anchor)
	}

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	if len(f.observer.cycles) != 2 {
		t.Fatalf("expected two cycles, got %d", len(f.observer.cycles))
	}
	for i, cycle := range f.observer.cycles {
		if len(cycle.Messages) != 1 {
			t.Fatalf("cycle %d must not absorb the other message, got %d messages", i, len(cycle.Messages))
		}
	}
}

func TestHandle_SeparateChatsDispatchIndependently(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond, 0)
	ctx := context.Background()

	f.scheduler.Handle(ctx, privateMsg(1, 1, "a"))
	f.scheduler.Handle(ctx, privateMsg(1, 2, "b"))

	first := waitDispatch(t, f)
	second := waitDispatch(t, f)
	if first.chatID == second.chatID {
		t.Fatalf("expected two chats, got %d twice", first.chatID)
	}
}

func TestHandle_CompletionIncludesTriggerTurn(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 0)
	ctx := context.Background()

	f.scheduler.Handle(ctx, privateMsg(4, 9, "ping"))
	waitDispatch(t, f)

	f.completer.mu.Lock()
	defer f.completer.mu.Unlock()
	if len(f.completer.calls) != 1 {
		t.Fatalf("expected one completion, got %d", len(f.completer.calls))
	}
	turns := f.completer.calls[0]
	last := turns[len(turns)-1]
	if last.Role != domain.RoleOther || last.Content != "[Sam Doe]: ping" {
		t.Fatalf("unexpected trigger turn %+v", last)
	}
}

func TestHandle_GroupMessageWithoutMentionIgnored(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 0)
	ctx := context.Background()

	f.scheduler.Handle(ctx, groupMsg(1, 5, "nothing for the agent"))

	time.Sleep(80 * time.Millisecond)
	if got := f.dispatch.callCount(); got != 0 {
		t.Fatalf("passive group message must not dispatch, got %d cycles", got)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.recorded) != 1 {
		t.Fatal("ignored messages must still be recorded for history")
	}
}

func TestHandle_MentionAdmitsGroupMessage(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 0)
	ctx := context.Background()

	f.scheduler.Handle(ctx, groupMsg(1, 5, "hey alex, thoughts?"))

	call := waitDispatch(t, f)
	if call.chatID != 5 {
		t.Fatalf("unexpected chat %d", call.chatID)
	}
}

func TestHandle_ReplyToSelfAdmitsGroupMessage(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 0)
	ctx := context.Background()

	m := groupMsg(2, 5, "what do you mean")
	m.ReplyTo = &domain.ReplyRef{MessageID: 1, FromSelf: true}
	f.scheduler.Handle(ctx, m)

	waitDispatch(t, f)
}

func TestHandle_GraceWindowAdmitsFollowup(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, time.Minute)
	ctx := context.Background()

	f.scheduler.Handle(ctx, groupMsg(1, 5, "alex are you around"))
	waitDispatch(t, f)

	f.scheduler.Handle(ctx, groupMsg(2, 5, "no mention this time"))
	call := waitDispatch(t, f)
	if call.anchor != 2 {
		t.Fatalf("followup must dispatch on its own, got anchor %d", call.anchor)
	}
}

func TestHandle_GraceWindowIsPerChat(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, time.Minute)
	ctx := context.Background()

	f.scheduler.Handle(ctx, groupMsg(1, 5, "alex hello"))
	waitDispatch(t, f)

	f.scheduler.Handle(ctx, groupMsg(1, 6, "unrelated chatter"))
	time.Sleep(80 * time.Millisecond)
	if got := f.dispatch.callCount(); got != 1 {
		t.Fatalf("grace window must not leak across chats, got %d cycles", got)
	}
}

func TestHandle_ChannelPostGoesToMonitor(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 0)
	ctx := context.Background()

	post := privateMsg(1, 100, "broadcast")
	post.ChatKind = domain.ChatChannel
	f.scheduler.Handle(ctx, post)

	f.monitor.mu.Lock()
	posts := len(f.monitor.posts)
	f.monitor.mu.Unlock()
	if posts != 1 {
		t.Fatalf("expected the post routed to the monitor, got %d", posts)
	}
	time.Sleep(60 * time.Millisecond)
	if got := f.dispatch.callCount(); got != 0 {
		t.Fatal("channel posts must bypass the reply pipeline")
	}
}

func TestHandle_MarksChatRead(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 0)
	ctx := context.Background()

	f.scheduler.Handle(ctx, privateMsg(1, 42, "hi"))
	waitDispatch(t, f)

	f.reader.mu.Lock()
	defer f.reader.mu.Unlock()
	if len(f.reader.chats) != 1 || f.reader.chats[0] != 42 {
		t.Fatalf("expected chat 42 marked read, got %v", f.reader.chats)
	}
}

func TestHandle_PresenceDrivenByAdmission(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, 0)
	ctx := context.Background()

	f.scheduler.Handle(ctx, privateMsg(1, 1, "hi"))
	waitDispatch(t, f)

	f.presence.mu.Lock()
	defer f.presence.mu.Unlock()
	if f.presence.ensured != 1 {
		t.Fatalf("expected EnsureOnline once, got %d", f.presence.ensured)
	}
	if f.presence.touched != 1 {
		t.Fatalf("expected Touch after the cycle, got %d", f.presence.touched)
	}
}
