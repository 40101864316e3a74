// Package telegram implements domain.Messenger over the Telegram Bot API.
// It polls updates, converts them to inbound messages, and publishes them
// to the bus; outbound sends get chunking, parse-mode fallback, and rate
// limit backoff.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"personabot/internal/domain"
)

const (
	maxMsgLen      = 4000
	maxSendRetries = 3
)

// Messenger connects the agent to one Telegram bot account.
type Messenger struct {
	bot          *tgbotapi.BotAPI
	bus          domain.MessageBus
	store        domain.HistoryStore
	logger       *slog.Logger
	parseMode    string
	displayName  string
	allowedChats map[int64]bool

	// chat metadata from the last update, reused when recording own sends
	metaMu sync.Mutex
	meta   map[int64]chatMeta
}

type chatMeta struct {
	kind  domain.ChatKind
	title string
}

type Config struct {
	Token        string
	AllowedChats []int64
	ParseMode    string
	DisplayName  string
	Bus          domain.MessageBus
	Store        domain.HistoryStore
	Logger       *slog.Logger
}

func NewMessenger(cfg Config) (*Messenger, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	allowed := make(map[int64]bool, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = true
	}

	m := &Messenger{
		bot:          bot,
		bus:          cfg.Bus,
		store:        cfg.Store,
		logger:       cfg.Logger,
		parseMode:    cfg.ParseMode,
		displayName:  cfg.DisplayName,
		allowedChats: allowed,
		meta:         make(map[int64]chatMeta),
	}
	m.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return m, nil
}

// Run polls Telegram updates until ctx is done.
func (m *Messenger) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := m.bot.GetUpdatesChan(u)

	m.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("telegram polling stopping")
			m.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			m.handleUpdate(ctx, update)
		}
	}
}

func (m *Messenger) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return
	}

	inbound, ok := m.convert(msg)
	if !ok {
		return
	}
	if !m.admit(inbound) {
		return
	}

	m.metaMu.Lock()
	m.meta[inbound.ChatID] = chatMeta{kind: inbound.ChatKind, title: inbound.ChatTitle}
	m.metaMu.Unlock()

	m.logger.Debug("telegram message received",
		"chat_id", inbound.ChatID,
		"kind", inbound.ChatKind,
		"payload", inbound.Payload.Kind,
	)
	m.bus.Publish(inbound)
}

// convert maps a Telegram message to the domain shape. Unsupported
// payload types are dropped.
func (m *Messenger) convert(msg *tgbotapi.Message) (domain.InboundMessage, bool) {
	var payload domain.Payload
	switch {
	case msg.Text != "":
		payload = domain.Payload{Kind: domain.PayloadText, Text: msg.Text}
	case msg.Sticker != nil:
		payload = domain.Payload{
			Kind:   domain.PayloadSticker,
			Emoji:  msg.Sticker.Emoji,
			FileID: msg.Sticker.FileID,
		}
	case msg.Animation != nil:
		payload = domain.Payload{
			Kind:   domain.PayloadAnimation,
			Ref:    animationRef(msg.Animation),
			FileID: msg.Animation.FileID,
		}
	default:
		return domain.InboundMessage{}, false
	}

	inbound := domain.InboundMessage{
		ID:        msg.MessageID,
		ChatID:    msg.Chat.ID,
		ChatKind:  chatKind(msg.Chat),
		ChatTitle: chatTitle(msg.Chat),
		Payload:   payload,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		inbound.Sender = domain.Sender{
			DisplayName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
			Username:    msg.From.UserName,
			IsSelf:      msg.From.ID == m.bot.Self.ID,
		}
	} else {
		inbound.Sender = domain.Sender{DisplayName: inbound.ChatTitle}
	}
	if msg.ReplyToMessage != nil {
		inbound.ReplyTo = &domain.ReplyRef{
			MessageID: msg.ReplyToMessage.MessageID,
			FromSelf:  msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == m.bot.Self.ID,
		}
	}
	return inbound, true
}

// admit filters out the dating-bot service account and its commands, and
// restricts group chats to the configured allow list. Private chats are
// always admitted; channel posts pass through for digest monitoring.
func (m *Messenger) admit(msg domain.InboundMessage) bool {
	if msg.Sender.IsSelf {
		return false
	}
	if strings.EqualFold(msg.Sender.Username, "leomatchbot") {
		return false
	}
	if msg.Payload.Kind == domain.PayloadText {
		switch strings.ToLower(strings.TrimSpace(msg.Payload.Text)) {
		case "/leo_start", "/leo_stop":
			return false
		}
	}

	switch msg.ChatKind {
	case domain.ChatPrivate, domain.ChatChannel:
		return true
	default:
		if m.allowedChats[msg.ChatID] {
			return true
		}
		m.logger.Debug("chat not in allow list", "chat_id", msg.ChatID, "chat", msg.ChatTitle)
		return false
	}
}

func chatKind(chat *tgbotapi.Chat) domain.ChatKind {
	switch {
	case chat.IsPrivate():
		return domain.ChatPrivate
	case chat.IsChannel():
		return domain.ChatChannel
	default:
		return domain.ChatGroup
	}
}

func chatTitle(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if name := strings.TrimSpace(chat.FirstName + " " + chat.LastName); name != "" {
		return name
	}
	return "Unknown Chat"
}

func animationRef(a *tgbotapi.Animation) string {
	if a.FileName != "" {
		ref, _, _ := strings.Cut(a.FileName, ".")
		return ref
	}
	if a.FileUniqueID != "" {
		return a.FileUniqueID
	}
	return "Unknown GIF"
}

// SendText delivers text, splitting messages over the Telegram length
// limit at line boundaries. The returned handle carries the last chunk's
// message ID and the full text.
func (m *Messenger) SendText(ctx context.Context, chatID int64, text string, replyTo int) (domain.SentMessage, error) {
	full := text
	var last *tgbotapi.Message
	for len(text) > 0 {
		var chunk string
		chunk, text = splitChunk(text)

		sent, err := m.sendChunk(ctx, chatID, chunk, replyTo)
		if err != nil {
			return domain.SentMessage{}, err
		}
		last = sent
		replyTo = 0 // only the first chunk anchors on the trigger
	}
	if last == nil {
		return domain.SentMessage{}, fmt.Errorf("empty text")
	}

	result := domain.SentMessage{ChatID: chatID, MessageID: last.MessageID, Text: full}
	m.recordOwn(ctx, result)
	return result, nil
}

// splitChunk takes the next sendable chunk off text, preferring a line
// boundary in the second half of the limit. The hard cut never lands
// inside a multi-byte rune.
func splitChunk(text string) (chunk, rest string) {
	if len(text) <= maxMsgLen {
		return text, ""
	}
	cutAt := strings.LastIndex(text[:maxMsgLen], "\n")
	if cutAt < maxMsgLen/2 {
		cutAt = maxMsgLen
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
	}
	return text[:cutAt], text[cutAt:]
}

// sendChunk sends one message with retry: Markdown first, plain text on
// parse errors, backoff on rate limits and transient failures.
func (m *Messenger) sendChunk(ctx context.Context, chatID int64, text string, replyTo int) (*tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if replyTo > 0 {
			msg.ReplyToMessageID = replyTo
		}
		if attempt == 0 && m.parseMode != "" {
			msg.ParseMode = m.parseMode
		}

		sent, err := m.bot.Send(msg)
		if err == nil {
			return &sent, nil
		}
		lastErr = err
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			m.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			if !sleepCtx(ctx, retryAfter) {
				return nil, ctx.Err()
			}
			continue
		}

		// Parse error on the formatted attempt: retry immediately as plain.
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			m.logger.Warn("telegram parse error, retrying as plain text", "err", err)
			plain := tgbotapi.NewMessage(chatID, text)
			if replyTo > 0 {
				plain.ReplyToMessageID = replyTo
			}
			if sent, err2 := m.bot.Send(plain); err2 == nil {
				return &sent, nil
			}
		}

		if attempt < maxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			m.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("telegram send failed after %d attempts: %w", maxSendRetries+1, lastErr)
}

// recordOwn writes the agent's own message into local history so the next
// transcript build sees it.
func (m *Messenger) recordOwn(ctx context.Context, sent domain.SentMessage) {
	m.metaMu.Lock()
	meta := m.meta[sent.ChatID]
	m.metaMu.Unlock()

	err := m.store.Record(ctx, domain.InboundMessage{
		ID:        sent.MessageID,
		ChatID:    sent.ChatID,
		ChatKind:  meta.kind,
		ChatTitle: meta.title,
		Sender:    domain.Sender{DisplayName: m.displayName, IsSelf: true},
		Payload:   domain.Payload{Kind: domain.PayloadText, Text: sent.Text},
		Timestamp: time.Now(),
	})
	if err != nil {
		m.logger.Warn("failed to record own message", "chat_id", sent.ChatID, "err", err)
	}
}

func (m *Messenger) SendSticker(ctx context.Context, chatID int64, fileID string) error {
	sticker := tgbotapi.NewSticker(chatID, tgbotapi.FileID(fileID))
	if _, err := m.bot.Send(sticker); err != nil {
		return &domain.UpstreamError{Op: "send sticker", Err: err}
	}
	return nil
}

func (m *Messenger) SendAnimation(ctx context.Context, chatID int64, fileID string) error {
	anim := tgbotapi.NewAnimation(chatID, tgbotapi.FileID(fileID))
	if _, err := m.bot.Send(anim); err != nil {
		return &domain.UpstreamError{Op: "send animation", Err: err}
	}
	return nil
}

func (m *Messenger) SendTyping(ctx context.Context, chatID int64) error {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := m.bot.Request(action); err != nil {
		return &domain.UpstreamError{Op: "chat action", Err: err}
	}
	return nil
}

// SetPresence only logs the transition: bot accounts have no user status
// on this backend, so the simulated state stays internal.
func (m *Messenger) SetPresence(ctx context.Context, online bool) error {
	m.logger.Info("presence changed", "online", online)
	return nil
}

// MarkRead is a no-op: consuming updates already clears the unread state
// for bot accounts.
func (m *Messenger) MarkRead(ctx context.Context, chatID int64) error {
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
