package reply

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"personabot/internal/domain"
)

// fakeMessenger records sends in arrival order.
type fakeMessenger struct {
	events  []string
	sendErr error
}

func (f *fakeMessenger) SendText(ctx context.Context, chatID int64, text string, replyTo int) (domain.SentMessage, error) {
	if f.sendErr != nil {
		return domain.SentMessage{}, f.sendErr
	}
	f.events = append(f.events, "text:"+text)
	return domain.SentMessage{ChatID: chatID, MessageID: len(f.events), Text: text}, nil
}

func (f *fakeMessenger) SendSticker(ctx context.Context, chatID int64, fileID string) error {
	f.events = append(f.events, "sticker:"+fileID)
	return nil
}

func (f *fakeMessenger) SendAnimation(ctx context.Context, chatID int64, fileID string) error {
	f.events = append(f.events, "animation:"+fileID)
	return nil
}

func (f *fakeMessenger) SendTyping(ctx context.Context, chatID int64) error { return nil }
func (f *fakeMessenger) SetPresence(ctx context.Context, online bool) error { return nil }
func (f *fakeMessenger) MarkRead(ctx context.Context, chatID int64) error   { return nil }

// fakeCatalog resolves stickers by emoji and animations by query.
type fakeCatalog struct {
	stickers   map[string]string
	animations map[string]string
}

func (f *fakeCatalog) Record(ctx context.Context, msg domain.InboundMessage) error { return nil }

func (f *fakeCatalog) Before(ctx context.Context, chatID int64, beforeID, limit int) ([]domain.InboundMessage, error) {
	return nil, nil
}

func (f *fakeCatalog) FindSticker(ctx context.Context, emoji string) (string, error) {
	if id, ok := f.stickers[emoji]; ok {
		return id, nil
	}
	return "", &domain.MediaResolutionError{Kind: domain.MediaSticker, Query: emoji}
}

func (f *fakeCatalog) FindAnimation(ctx context.Context, query string) (string, error) {
	if id, ok := f.animations[query]; ok {
		return id, nil
	}
	return "", &domain.MediaResolutionError{Kind: domain.MediaGIF, Query: query}
}

func newTestDispatcher(m *fakeMessenger, cat *fakeCatalog) *Dispatcher {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewDispatcher(DispatcherConfig{
		Messenger:   m,
		Store:       cat,
		Typing:      NewTypingSimulator(m, 100000, logger),
		DisplayName: "Agent",
		Logger:      logger,
	})
}

func TestDispatchReply_SingleText(t *testing.T) {
	m := &fakeMessenger{}
	d := newTestDispatcher(m, &fakeCatalog{})

	sent, err := d.DispatchReply(context.Background(), "[Agent]: hello", 7, 3)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sent) != 1 || sent[0].Text != "hello" {
		t.Fatalf("unexpected sent: %+v", sent)
	}
	if len(m.events) != 1 || m.events[0] != "text:hello" {
		t.Fatalf("unexpected events: %v", m.events)
	}
}

func TestDispatchReply_MediaThenText(t *testing.T) {
	m := &fakeMessenger{}
	cat := &fakeCatalog{animations: map[string]string{"cat": "gif1"}}
	d := newTestDispatcher(m, cat)

	sent, err := d.DispatchReply(context.Background(), "[Agent]: hello[Agent]: {cat gif}world", 7, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"text:hello", "animation:gif1", "text:world"}
	if fmt.Sprint(m.events) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", m.events, want)
	}
	if len(sent) != 2 {
		t.Fatalf("expected 2 sent text handles, got %d", len(sent))
	}
}

func TestDispatchReply_EmojiDirectiveSendsSticker(t *testing.T) {
	m := &fakeMessenger{}
	cat := &fakeCatalog{stickers: map[string]string{"😺": "stk1"}}
	d := newTestDispatcher(m, cat)

	_, err := d.DispatchReply(context.Background(), "[Agent]: {😺 gif}", 7, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(m.events) != 1 || m.events[0] != "sticker:stk1" {
		t.Fatalf("unexpected events: %v", m.events)
	}
}

func TestDispatchReply_MediaFailureDoesNotAbort(t *testing.T) {
	m := &fakeMessenger{}
	d := newTestDispatcher(m, &fakeCatalog{}) // empty catalog: every lookup fails

	sent, err := d.DispatchReply(context.Background(), "[Agent]: {cat gif}still here", 7, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sent) != 1 || sent[0].Text != "still here" {
		t.Fatalf("directive-stripped text must still be sent, got %+v", sent)
	}
}

func TestDispatchReply_DirectiveOnlySegmentSendsNoText(t *testing.T) {
	m := &fakeMessenger{}
	cat := &fakeCatalog{animations: map[string]string{"cat": "gif1"}}
	d := newTestDispatcher(m, cat)

	sent, err := d.DispatchReply(context.Background(), "[Agent]: {cat gif}", 7, 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sent) != 0 {
		t.Fatalf("expected no text sends, got %+v", sent)
	}
	if len(m.events) != 1 || m.events[0] != "animation:gif1" {
		t.Fatalf("unexpected events: %v", m.events)
	}
}

func TestDispatchReply_SendFailureStopsCycle(t *testing.T) {
	m := &fakeMessenger{sendErr: fmt.Errorf("boom")}
	d := newTestDispatcher(m, &fakeCatalog{})

	_, err := d.DispatchReply(context.Background(), "[Agent]: a[Agent]: b", 7, 0)
	if err == nil {
		t.Fatal("expected an error")
	}
}
