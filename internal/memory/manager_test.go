package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"personabot/internal/domain"
)

type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, agentID string, turns []domain.TranscriptTurn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, turns[len(turns)-1].Content)
	return f.reply, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, completer *fakeCompleter) *Manager {
	t.Helper()
	return NewManager(Config{
		Completer: completer,
		AgentID:   "mem-agent",
		Path:      filepath.Join(t.TempDir(), "memory.txt"),
		Logger:    testLogger(),
	})
}

func TestLoadSaveRoundTrip(t *testing.T) {
	m := newTestManager(t, &fakeCompleter{})
	m.entries = []Entry{
		{Content: "likes chess", Timestamp: time.Unix(1700000000, 0), Importance: 8, Context: "hobbies", ChatTitle: "dm"},
		{Content: "moving to Oslo", Timestamp: time.Unix(1700000100, 0), Importance: 5, Context: "life", ChatTitle: "friends"},
	}
	m.mu.Lock()
	err := m.save()
	m.mu.Unlock()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := NewManager(Config{Completer: &fakeCompleter{}, Path: m.path, Logger: testLogger()})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reloaded.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(reloaded.entries))
	}
	got := reloaded.entries[0]
	if got.Content != "likes chess" || got.Importance != 8 || got.Context != "hobbies" || got.ChatTitle != "dm" {
		t.Fatalf("unexpected entry %+v", got)
	}
	if !got.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp mangled: %v", got.Timestamp)
	}
}

func TestLoad_MissingFileIsFirstRun(t *testing.T) {
	m := newTestManager(t, &fakeCompleter{})
	if err := m.Load(); err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
}

func TestLoad_SkipsCorruptRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.txt")
	content := "Timestamp: 1700000000\nImportance: 6\nChat: dm\nContext: work\nContent: good one\n\ngarbage block\n\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(Config{Completer: &fakeCompleter{}, Path: path, Logger: testLogger()})
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.entries) != 1 || m.entries[0].Content != "good one" {
		t.Fatalf("expected the single valid entry, got %+v", m.entries)
	}
}

func TestObserveCycle_ExtractsAndPersists(t *testing.T) {
	completer := &fakeCompleter{
		reply: "Importance: 8\nContent: has a cat named Miso\nContext: pets\n---\nImportance: 3\nContent: tired today\n---\nnot a valid entry",
	}
	m := newTestManager(t, completer)

	m.ObserveCycle(context.Background(), domain.DispatchCycle{
		ChatTitle: "dm",
		Messages: []domain.InboundMessage{
			{Sender: domain.Sender{DisplayName: "Sam Doe"}, Payload: domain.Payload{Kind: domain.PayloadText, Text: "my cat Miso says hi"}},
		},
		Replies: []string{"hi Miso"},
	})

	if len(m.entries) != 2 {
		t.Fatalf("expected 2 parsed entries, got %d", len(m.entries))
	}
	first := m.entries[0]
	if first.Content != "has a cat named Miso" || first.Importance != 8 || first.Context != "pets" || first.ChatTitle != "dm" {
		t.Fatalf("unexpected entry %+v", first)
	}
	if m.entries[1].Context != "General" {
		t.Fatalf("missing context must default to General, got %q", m.entries[1].Context)
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("memory file must be written: %v", err)
	}
	if !strings.Contains(string(data), "Content: has a cat named Miso") {
		t.Fatalf("persisted file missing entry:\n%s", data)
	}

	completer.mu.Lock()
	defer completer.mu.Unlock()
	if len(completer.prompts) != 1 || !strings.Contains(completer.prompts[0], "Sam Doe: my cat Miso says hi") {
		t.Fatalf("prompt must carry the conversation, got %q", completer.prompts)
	}
}

func TestCleanup_DropsStaleKeepsImportant(t *testing.T) {
	m := newTestManager(t, &fakeCompleter{})
	now := time.Unix(1800000000, 0)
	m.now = func() time.Time { return now }

	m.entries = []Entry{
		{Content: "old but vital", Timestamp: now.Add(-60 * 24 * time.Hour), Importance: 9, ChatTitle: "dm"},
		{Content: "old gossip", Timestamp: now.Add(-60 * 24 * time.Hour), Importance: 2, ChatTitle: "dm"},
		{Content: "fresh note", Timestamp: now.Add(-time.Hour), Importance: 1, ChatTitle: "dm"},
	}
	m.mu.Lock()
	m.cleanup()
	m.mu.Unlock()

	if len(m.entries) != 2 {
		t.Fatalf("expected 2 survivors, got %+v", m.entries)
	}
	if m.entries[0].Content != "old but vital" {
		t.Fatalf("important entries sort first, got %+v", m.entries[0])
	}
}

func TestCleanup_DedupesByContentAndChat(t *testing.T) {
	m := newTestManager(t, &fakeCompleter{})
	now := time.Unix(1800000000, 0)
	m.now = func() time.Time { return now }

	m.entries = []Entry{
		{Content: "likes tea", Timestamp: now, Importance: 5, ChatTitle: "dm"},
		{Content: "likes tea", Timestamp: now.Add(-time.Hour), Importance: 5, ChatTitle: "dm"},
		{Content: "likes tea", Timestamp: now, Importance: 5, ChatTitle: "friends"},
	}
	m.mu.Lock()
	m.cleanup()
	m.mu.Unlock()

	if len(m.entries) != 2 {
		t.Fatalf("same content in different chats must both survive, got %+v", m.entries)
	}
}

func TestRelevant_TopEntriesFormatted(t *testing.T) {
	m := newTestManager(t, &fakeCompleter{})
	now := time.Unix(1800000000, 0)
	m.entries = []Entry{
		{Content: "minor", Timestamp: now, Importance: 1, Context: "misc", ChatTitle: "dm"},
		{Content: "major", Timestamp: now, Importance: 9, Context: "work", ChatTitle: "dm"},
	}

	got := m.Relevant("")
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", got)
	}
	if lines[0] != "[9] major (Context: work, Chat: dm)" {
		t.Fatalf("unexpected first line %q", lines[0])
	}
}

func TestRelevant_FiltersByContext(t *testing.T) {
	m := newTestManager(t, &fakeCompleter{})
	now := time.Unix(1800000000, 0)
	m.entries = []Entry{
		{Content: "a", Timestamp: now, Importance: 5, Context: "work", ChatTitle: "dm"},
		{Content: "b", Timestamp: now, Importance: 5, Context: "pets", ChatTitle: "dm"},
	}

	got := m.Relevant("pets")
	if !strings.Contains(got, "b") || strings.Contains(got, "[5] a") {
		t.Fatalf("context filter failed: %q", got)
	}
}

func TestRelevant_EmptyMemory(t *testing.T) {
	m := newTestManager(t, &fakeCompleter{})
	if got := m.Relevant(""); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
