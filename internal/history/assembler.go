// Package history reconstructs bounded, role-ordered conversation
// transcripts from the locally recorded chat history.
package history

import (
	"context"
	"log/slog"
	"strings"

	"personabot/internal/domain"
	"personabot/internal/mention"
)

// MemorySource supplies long-term memory text to prepend as a synthetic
// leading turn. May be nil.
type MemorySource interface {
	Relevant(context string) string
}

// Assembler builds transcripts for the language-model backend.
type Assembler struct {
	store    domain.HistoryStore
	detector *mention.Detector
	memory   MemorySource
	logger   *slog.Logger
}

func NewAssembler(store domain.HistoryStore, detector *mention.Detector, memory MemorySource, logger *slog.Logger) *Assembler {
	return &Assembler{store: store, detector: detector, memory: memory, logger: logger}
}

// BuildTranscript fetches up to maxMessages messages older than beforeID
// (the trigger message, which is excluded) and merges consecutive
// same-role messages into turns. The store delivers history newest-first;
// both the segments inside each turn and the turn sequence itself are
// reversed so the result reads in chronological order.
func (a *Assembler) BuildTranscript(ctx context.Context, chatID int64, maxMessages, beforeID int) ([]domain.TranscriptTurn, error) {
	msgs, err := a.store.Before(ctx, chatID, beforeID, maxMessages)
	if err != nil {
		return nil, &domain.UpstreamError{Op: "history fetch", Err: err}
	}

	var turns []domain.TranscriptTurn
	var curRole domain.Role
	var curSegs []string

	flush := func() {
		if len(curSegs) == 0 {
			return
		}
		for i, j := 0, len(curSegs)-1; i < j; i, j = i+1, j-1 {
			curSegs[i], curSegs[j] = curSegs[j], curSegs[i]
		}
		turns = append(turns, domain.TranscriptTurn{Role: curRole, Content: strings.Join(curSegs, "\n")})
		curSegs = nil
	}

	for _, m := range msgs {
		token, ok := a.normalize(m)
		if !ok {
			continue
		}
		role := roleOf(m)
		if role != curRole {
			flush()
			curRole = role
		}
		curSegs = append(curSegs, token)
	}
	flush()

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	if a.memory != nil {
		if mem := a.memory.Relevant(""); mem != "" {
			preamble := domain.TranscriptTurn{Role: domain.RoleAgent, Content: "My memory:\n" + mem}
			turns = append([]domain.TranscriptTurn{preamble}, turns...)
		}
	}

	a.logger.Debug("transcript built", "chat_id", chatID, "turns", len(turns))
	return turns, nil
}

// normalize renders a message as a tagged text token, prefixed with the
// sender label and an optional mention marker. Non-renderable payloads
// are skipped.
func (a *Assembler) normalize(m domain.InboundMessage) (string, bool) {
	body, ok := ContentToken(m.Payload)
	if !ok {
		return "", false
	}

	name := strings.TrimSpace(m.Sender.DisplayName)
	if name == "" {
		name = "Unknown"
	}
	prefix := "[" + name + "]: "
	if a.detector != nil && m.Payload.Kind == domain.PayloadText && a.detector.IsMentioned(m.Payload.Text) {
		prefix += "[Mentioned] "
	}
	return prefix + body, true
}

// ContentToken renders a payload as plain text, "{<emoji> sticker}", or
// "{<name> gif}". The second return is false for payload kinds the
// transcript cannot represent.
func ContentToken(p domain.Payload) (string, bool) {
	switch p.Kind {
	case domain.PayloadText:
		return p.Text, true
	case domain.PayloadSticker:
		return "{" + p.Emoji + " sticker}", true
	case domain.PayloadAnimation:
		ref := p.Ref
		if ref == "" {
			ref = "Unknown GIF"
		}
		return "{" + ref + " gif}", true
	default:
		return "", false
	}
}

func roleOf(m domain.InboundMessage) domain.Role {
	if m.Sender.IsSelf {
		return domain.RoleAgent
	}
	return domain.RoleOther
}
