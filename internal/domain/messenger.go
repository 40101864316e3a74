package domain

import "context"

// Messenger is the capability set the core needs from the messaging backend.
type Messenger interface {
	// SendText sends text to a chat, optionally as a reply. replyTo == 0
	// means no reply anchor.
	SendText(ctx context.Context, chatID int64, text string, replyTo int) (SentMessage, error)
	// SendSticker and SendAnimation send previously cataloged media by file ID.
	SendSticker(ctx context.Context, chatID int64, fileID string) error
	SendAnimation(ctx context.Context, chatID int64, fileID string) error
	// SendTyping signals a typing chat action.
	SendTyping(ctx context.Context, chatID int64) error
	// SetPresence toggles the account's online status.
	SetPresence(ctx context.Context, online bool) error
	// MarkRead marks a chat's history as read.
	MarkRead(ctx context.Context, chatID int64) error
}

// Completer issues one stateless completion request to the language-model
// backend. All context is passed explicitly in turns.
type Completer interface {
	Complete(ctx context.Context, agentID string, turns []TranscriptTurn) (string, error)
}

// HistoryStore records messages and serves bounded history queries.
type HistoryStore interface {
	Record(ctx context.Context, msg InboundMessage) error
	// Before returns up to limit messages from chatID older than beforeID,
	// newest first.
	Before(ctx context.Context, chatID int64, beforeID, limit int) ([]InboundMessage, error)
	// FindSticker returns the file ID of a cataloged sticker matching the
	// emoji; FindAnimation matches animation names/refs by substring.
	FindSticker(ctx context.Context, emoji string) (string, error)
	FindAnimation(ctx context.Context, query string) (string, error)
}

// CycleObserver consumes finalized dispatch cycles. Implementations must
// not block the scheduler; slow work happens behind their own locks.
type CycleObserver interface {
	ObserveCycle(ctx context.Context, cycle DispatchCycle)
}

// MessageBus carries inbound messages from the messenger to the scheduler.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
