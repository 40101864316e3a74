package reply

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const typingChunkRunes = 3

// ActionSender is the slice of the messenger typing simulation needs.
type ActionSender interface {
	SendTyping(ctx context.Context, chatID int64) error
}

// TypingSimulator paces message sending to mimic human typing speed.
type TypingSimulator struct {
	messenger      ActionSender
	charsPerSecond float64
	logger         *slog.Logger
}

func NewTypingSimulator(messenger ActionSender, charsPerSecond float64, logger *slog.Logger) *TypingSimulator {
	if charsPerSecond <= 0 {
		charsPerSecond = 10
	}
	return &TypingSimulator{messenger: messenger, charsPerSecond: charsPerSecond, logger: logger}
}

// Type signals a typing action and sleeps proportionally to the text
// length, in 3-rune chunks with 0.8-1.2 jitter per chunk. Returns early
// when ctx is done.
func (t *TypingSimulator) Type(ctx context.Context, chatID int64, text string) {
	runes := []rune(text)
	for i := 0; i < len(runes); i += typingChunkRunes {
		if err := t.messenger.SendTyping(ctx, chatID); err != nil {
			t.logger.Debug("typing action failed", "chat_id", chatID, "err", err)
		}

		end := i + typingChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		perfect := float64(end-i) / t.charsPerSecond
		jittered := perfect * (0.8 + rand.Float64()*0.4)

		select {
		case <-time.After(time.Duration(jittered * float64(time.Second))):
		case <-ctx.Done():
			return
		}
	}
}
