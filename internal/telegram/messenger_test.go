package telegram

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"personabot/internal/domain"
)

func testMessenger(allowed ...int64) *Messenger {
	allowMap := make(map[int64]bool)
	for _, id := range allowed {
		allowMap[id] = true
	}
	return &Messenger{
		logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		allowedChats: allowMap,
		meta:         make(map[int64]chatMeta),
	}
}

func TestAdmit(t *testing.T) {
	m := testMessenger(42)

	tests := []struct {
		name string
		msg  domain.InboundMessage
		want bool
	}{
		{
			"private always passes",
			domain.InboundMessage{ChatKind: domain.ChatPrivate, Payload: domain.Payload{Kind: domain.PayloadText, Text: "hi"}},
			true,
		},
		{
			"allowed group passes",
			domain.InboundMessage{ChatID: 42, ChatKind: domain.ChatGroup, Payload: domain.Payload{Kind: domain.PayloadText, Text: "hi"}},
			true,
		},
		{
			"unlisted group dropped",
			domain.InboundMessage{ChatID: 99, ChatKind: domain.ChatGroup, Payload: domain.Payload{Kind: domain.PayloadText, Text: "hi"}},
			false,
		},
		{
			"channel passes for monitoring",
			domain.InboundMessage{ChatID: 99, ChatKind: domain.ChatChannel, Payload: domain.Payload{Kind: domain.PayloadText, Text: "post"}},
			true,
		},
		{
			"dating bot account dropped",
			domain.InboundMessage{ChatKind: domain.ChatPrivate, Sender: domain.Sender{Username: "LeoMatchBot"}, Payload: domain.Payload{Kind: domain.PayloadText, Text: "match!"}},
			false,
		},
		{
			"dating command dropped",
			domain.InboundMessage{ChatKind: domain.ChatPrivate, Payload: domain.Payload{Kind: domain.PayloadText, Text: "  /LEO_START  "}},
			false,
		},
		{
			"own echoes dropped",
			domain.InboundMessage{ChatKind: domain.ChatPrivate, Sender: domain.Sender{IsSelf: true}, Payload: domain.Payload{Kind: domain.PayloadText, Text: "me"}},
			false,
		},
	}
	for _, tt := range tests {
		if got := m.admit(tt.msg); got != tt.want {
			t.Errorf("%s: admit = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSplitChunk(t *testing.T) {
	short := "hello"
	if chunk, rest := splitChunk(short); chunk != short || rest != "" {
		t.Fatalf("short text must pass through, got %q / %q", chunk, rest)
	}

	lines := strings.Repeat("x", 3000) + "\n" + strings.Repeat("y", 2000)
	chunk, rest := splitChunk(lines)
	if chunk != strings.Repeat("x", 3000) {
		t.Fatalf("expected cut at the line boundary, chunk len %d", len(chunk))
	}
	if !strings.HasPrefix(rest, "\n") {
		t.Fatalf("rest must keep the newline, got %q...", rest[:1])
	}
}

func TestSplitChunk_HardCutKeepsRunesWhole(t *testing.T) {
	// no newlines, with a multi-byte rune straddling the length limit
	text := strings.Repeat("a", maxMsgLen-1) + "éllo wörld"
	chunk, rest := splitChunk(text)
	if !utf8.ValidString(chunk) {
		t.Fatal("chunk split a rune")
	}
	if !utf8.ValidString(rest) {
		t.Fatal("rest starts mid-rune")
	}
	if chunk+rest != text {
		t.Fatal("split lost bytes")
	}
	if len(chunk) > maxMsgLen {
		t.Fatalf("chunk over the limit: %d", len(chunk))
	}
}

func TestChatTitle(t *testing.T) {
	if got := chatTitle(&tgbotapi.Chat{Title: "friends"}); got != "friends" {
		t.Fatalf("got %q", got)
	}
	if got := chatTitle(&tgbotapi.Chat{FirstName: "Sam", LastName: "Doe"}); got != "Sam Doe" {
		t.Fatalf("got %q", got)
	}
	if got := chatTitle(&tgbotapi.Chat{}); got != "Unknown Chat" {
		t.Fatalf("got %q", got)
	}
}

func TestAnimationRef(t *testing.T) {
	if got := animationRef(&tgbotapi.Animation{FileName: "dancing_cat.mp4"}); got != "dancing_cat" {
		t.Fatalf("got %q", got)
	}
	if got := animationRef(&tgbotapi.Animation{FileUniqueID: "uid123"}); got != "uid123" {
		t.Fatalf("got %q", got)
	}
	if got := animationRef(&tgbotapi.Animation{}); got != "Unknown GIF" {
		t.Fatalf("got %q", got)
	}
}
