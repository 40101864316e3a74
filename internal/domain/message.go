package domain

import "time"

// ChatKind classifies the conversation a message arrived in.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

// PayloadKind is the renderable content variant of a message.
type PayloadKind string

const (
	PayloadText      PayloadKind = "text"
	PayloadSticker   PayloadKind = "sticker"
	PayloadAnimation PayloadKind = "animation"
)

// Payload is a tagged union of message content. Exactly one of the
// variant fields is meaningful, selected by Kind.
type Payload struct {
	Kind   PayloadKind
	Text   string // PayloadText
	Emoji  string // PayloadSticker: the sticker's associated emoji
	Ref    string // PayloadAnimation: file name without extension, or unique ID
	FileID string // sticker/animation file identifier for re-sending
}

// Sender identifies who wrote a message.
type Sender struct {
	DisplayName string
	Username    string
	IsSelf      bool // true when the agent's own account sent it
}

// ReplyRef points at the message another message replies to.
type ReplyRef struct {
	MessageID int
	FromSelf  bool // the replied-to message was sent by the agent
}

// InboundMessage is an immutable message received from the messenger.
type InboundMessage struct {
	ID        int
	ChatID    int64
	ChatKind  ChatKind
	ChatTitle string
	Sender    Sender
	Payload   Payload
	Timestamp time.Time
	ReplyTo   *ReplyRef
}

// Role distinguishes the two sides of a transcript.
type Role string

const (
	RoleAgent Role = "assistant"
	RoleOther Role = "user"
)

// TranscriptTurn is a maximal run of consecutive same-role messages,
// newline-joined in chronological order.
type TranscriptTurn struct {
	Role    Role
	Content string
}

// SentMessage is the handle of a message the agent sent, returned for
// downstream collaborators.
type SentMessage struct {
	ChatID    int64
	MessageID int
	Text      string
}

// MediaKind is the directive variant embedded in model output.
type MediaKind string

const (
	MediaGIF     MediaKind = "gif"
	MediaSticker MediaKind = "sticker"
)

// MediaDirective is a parsed {query gif} / {query sticker} token.
type MediaDirective struct {
	Kind  MediaKind
	Query string
}

// DispatchCycle is the finalized result of one grouped reply cycle,
// handed to digest/memory collaborators.
type DispatchCycle struct {
	ChatID    int64
	ChatTitle string
	Messages  []InboundMessage
	Replies   []string
}
