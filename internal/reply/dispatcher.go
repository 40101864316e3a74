package reply

import (
	"context"
	"log/slog"

	"personabot/internal/domain"
	"personabot/internal/metrics"
)

// Dispatcher sends a parsed model response as ordered reply messages,
// resolving embedded media directives against the local catalog.
type Dispatcher struct {
	messenger   domain.Messenger
	store       domain.HistoryStore
	typing      *TypingSimulator
	displayName string
	logger      *slog.Logger
}

type DispatcherConfig struct {
	Messenger   domain.Messenger
	Store       domain.HistoryStore
	Typing      *TypingSimulator
	DisplayName string
	Logger      *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		messenger:   cfg.Messenger,
		store:       cfg.Store,
		typing:      cfg.Typing,
		displayName: cfg.DisplayName,
		logger:      cfg.Logger,
	}
}

// DispatchReply splits raw model output on the agent's marker and sends
// each segment in order: typing pause first, then any embedded media,
// then the remaining text as a reply to the anchor. Media failures are
// logged and do not abort later segments; a failed text send does, since
// continuing would reorder the conversation.
func (d *Dispatcher) DispatchReply(ctx context.Context, raw string, chatID int64, replyAnchor int) ([]domain.SentMessage, error) {
	var sent []domain.SentMessage

	for _, segment := range Split(raw, d.displayName) {
		d.typing.Type(ctx, chatID, segment)

		if directive, stripped, ok := ParseDirective(segment); ok {
			if err := d.sendMedia(ctx, chatID, directive); err != nil {
				d.logger.Warn("media send failed",
					"chat_id", chatID,
					"kind", directive.Kind,
					"query", directive.Query,
					"err", err,
				)
			} else {
				metrics.MediaSent.Inc()
			}
			segment = stripped
		}

		if segment == "" {
			continue
		}
		msg, err := d.messenger.SendText(ctx, chatID, segment, replyAnchor)
		if err != nil {
			return sent, &domain.UpstreamError{Op: "send reply", Err: err}
		}
		d.logger.Info("reply sent", "chat_id", chatID, "len", len(segment))
		metrics.RepliesSent.Inc()
		sent = append(sent, msg)
	}

	return sent, nil
}

func (d *Dispatcher) sendMedia(ctx context.Context, chatID int64, directive domain.MediaDirective) error {
	switch directive.Kind {
	case domain.MediaSticker:
		fileID, err := d.store.FindSticker(ctx, directive.Query)
		if err != nil {
			return err
		}
		return d.messenger.SendSticker(ctx, chatID, fileID)
	default:
		fileID, err := d.store.FindAnimation(ctx, directive.Query)
		if err != nil {
			return err
		}
		return d.messenger.SendAnimation(ctx, chatID, fileID)
	}
}
