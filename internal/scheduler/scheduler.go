// Package scheduler coordinates the reply pipeline: it admits inbound
// messages, debounces per-conversation bursts into one group, and runs
// a dispatch cycle per group (transcript build, completion request,
// paced reply, collaborator notification).
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"personabot/internal/domain"
	"personabot/internal/history"
	"personabot/internal/llm"
	"personabot/internal/mention"
	"personabot/internal/metrics"
)

const defaultDebounce = 10 * time.Second

// TranscriptBuilder builds the role-ordered conversation transcript.
type TranscriptBuilder interface {
	BuildTranscript(ctx context.Context, chatID int64, maxMessages, beforeID int) ([]domain.TranscriptTurn, error)
}

// ReplyDispatcher sends a raw model response as ordered reply messages.
type ReplyDispatcher interface {
	DispatchReply(ctx context.Context, raw string, chatID int64, replyAnchor int) ([]domain.SentMessage, error)
}

// OnlineEnsurer is the presence surface the scheduler drives.
type OnlineEnsurer interface {
	EnsureOnline(ctx context.Context)
	Touch()
}

// ReadMarker marks a chat's history as read.
type ReadMarker interface {
	MarkRead(ctx context.Context, chatID int64) error
}

// ChannelMonitor receives posts from monitored broadcast channels, which
// bypass the reply pipeline.
type ChannelMonitor interface {
	MonitorChannelPost(ctx context.Context, msg domain.InboundMessage)
}

// group accumulates one conversation's burst between dispatches.
type group struct {
	messages []domain.InboundMessage
	timer    *time.Timer
}

// Scheduler is the central coordinator. The first admitted message in a
// conversation creates a group and starts the debounce timer, every
// further message restarts it, and expiry dispatches the whole group as
// one reply cycle.
type Scheduler struct {
	bus       domain.MessageBus
	store     domain.HistoryStore
	assembler TranscriptBuilder
	completer domain.Completer
	dispatch  ReplyDispatcher
	detector  *mention.Detector
	presence  OnlineEnsurer
	reader    ReadMarker
	monitor   ChannelMonitor
	observers []domain.CycleObserver
	logger    *slog.Logger

	agentID     string
	maxHistory  int
	debounce    time.Duration
	graceWindow time.Duration

	mu         sync.Mutex
	groups     map[int64]*group
	lastDirect map[int64]time.Time
	chatLocks  map[int64]*sync.Mutex
}

type Config struct {
	Bus       domain.MessageBus
	Store     domain.HistoryStore
	Assembler TranscriptBuilder
	Completer domain.Completer
	Dispatch  ReplyDispatcher
	Detector  *mention.Detector
	Presence  OnlineEnsurer
	Reader    ReadMarker
	Monitor   ChannelMonitor // optional
	Observers []domain.CycleObserver
	Logger    *slog.Logger

	AgentID     string
	MaxHistory  int
	Debounce    time.Duration
	GraceWindow time.Duration // 0 disables the passive grace window
}

func New(cfg Config) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 50
	}
	return &Scheduler{
		bus:         cfg.Bus,
		store:       cfg.Store,
		assembler:   cfg.Assembler,
		completer:   cfg.Completer,
		dispatch:    cfg.Dispatch,
		detector:    cfg.Detector,
		presence:    cfg.Presence,
		reader:      cfg.Reader,
		monitor:     cfg.Monitor,
		observers:   cfg.Observers,
		logger:      cfg.Logger,
		agentID:     cfg.AgentID,
		maxHistory:  cfg.MaxHistory,
		debounce:    cfg.Debounce,
		graceWindow: cfg.GraceWindow,
		groups:      make(map[int64]*group),
		lastDirect:  make(map[int64]time.Time),
		chatLocks:   make(map[int64]*sync.Mutex),
	}
}

// Run consumes inbound messages until ctx is done. Messages are admitted
// serially; dispatch cycles run as independent goroutines per
// conversation once their debounce timer fires.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "debounce", s.debounce, "grace_window", s.graceWindow)
	inbound := s.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				s.logger.Info("inbound channel closed, scheduler stopping")
				return
			}
			s.Handle(ctx, msg)
		}
	}
}

// Handle runs the admission filter and either enqueues the message into
// its conversation's group or drops it.
func (s *Scheduler) Handle(ctx context.Context, msg domain.InboundMessage) {
	metrics.MessagesReceived.Inc()

	if msg.ChatKind == domain.ChatChannel {
		if s.monitor != nil {
			s.monitor.MonitorChannelPost(ctx, msg)
		}
		return
	}

	if err := s.store.Record(ctx, msg); err != nil {
		s.logger.Warn("failed to record message", "chat_id", msg.ChatID, "err", err)
	}

	direct, admitted := s.admit(msg)
	if !admitted {
		s.logger.Info("message ignored",
			"chat_id", msg.ChatID,
			"chat", msg.ChatTitle,
			"sender", msg.Sender.Username,
		)
		metrics.MessagesIgnored.Inc()
		return
	}
	if direct {
		s.mu.Lock()
		s.lastDirect[msg.ChatID] = time.Now()
		s.mu.Unlock()
	}

	s.presence.EnsureOnline(ctx)

	if err := s.reader.MarkRead(ctx, msg.ChatID); err != nil {
		s.logger.Debug("mark read failed", "chat_id", msg.ChatID, "err", err)
	}

	s.enqueue(ctx, msg)
}

// admit decides whether a message enters the pipeline. Direct
// interactions (private chat, reply to the agent, fuzzy mention) always
// pass; passive messages pass only inside the grace window after the
// conversation's most recent direct interaction.
func (s *Scheduler) admit(msg domain.InboundMessage) (direct, admitted bool) {
	direct = msg.ChatKind == domain.ChatPrivate ||
		(msg.ReplyTo != nil && msg.ReplyTo.FromSelf) ||
		(msg.Payload.Kind == domain.PayloadText && s.detector != nil && s.detector.IsMentioned(msg.Payload.Text))
	if direct {
		return true, true
	}

	if s.graceWindow > 0 {
		s.mu.Lock()
		last, ok := s.lastDirect[msg.ChatID]
		s.mu.Unlock()
		if ok && time.Since(last) < s.graceWindow {
			return false, true
		}
	}
	return false, false
}

// enqueue appends the message to its conversation's group and
// cancel-and-replaces the debounce timer, guaranteeing at most one live
// timer per conversation.
func (s *Scheduler) enqueue(ctx context.Context, msg domain.InboundMessage) {
	s.mu.Lock()
	g, ok := s.groups[msg.ChatID]
	if !ok {
		g = &group{}
		s.groups[msg.ChatID] = g
		metrics.PendingGroups.Inc()
	}
	g.messages = append(g.messages, msg)
	if g.timer != nil {
		g.timer.Stop()
	}
	chatID := msg.ChatID
	g.timer = time.AfterFunc(s.debounce, func() {
		s.fire(ctx, chatID)
	})
	s.mu.Unlock()
}

// fire takes ownership of the conversation's accumulated group. The
// group is removed from the map before dispatching, so messages
// arriving mid-dispatch start a fresh accumulation cycle; the per-chat
// lock still keeps at most one dispatch in flight per conversation.
func (s *Scheduler) fire(ctx context.Context, chatID int64) {
	s.mu.Lock()
	g, ok := s.groups[chatID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.groups, chatID)
	msgs := g.messages
	lock := s.chatLocks[chatID]
	if lock == nil {
		lock = &sync.Mutex{}
		s.chatLocks[chatID] = lock
	}
	s.mu.Unlock()
	metrics.PendingGroups.Dec()

	lock.Lock()
	defer lock.Unlock()
	s.runCycle(ctx, chatID, msgs)
}

// runCycle performs one complete reply cycle for a finalized group. All
// failures are logged and swallowed here: a broken cycle must never
// wedge future messages in the conversation.
func (s *Scheduler) runCycle(ctx context.Context, chatID int64, msgs []domain.InboundMessage) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]

	content, ok := history.ContentToken(last.Payload)
	if !ok {
		content = "Unsupported message type"
	}
	sender := strings.TrimSpace(last.Sender.DisplayName)
	if sender == "" {
		sender = "unknown"
	}

	s.logger.Info("dispatching message group",
		"chat_id", chatID,
		"chat", last.ChatTitle,
		"messages", len(msgs),
		"sender", last.Sender.Username,
	)

	transcript, err := s.assembler.BuildTranscript(ctx, chatID, s.maxHistory, last.ID)
	if err != nil {
		s.logger.Error("transcript build failed", "chat_id", chatID, "err", err)
		metrics.UpstreamErrors.Inc()
		return
	}

	response, err := llm.RequestResponse(ctx, s.completer, s.agentID, transcript, content, sender)
	if err != nil {
		s.logger.Error("completion request failed", "chat_id", chatID, "err", err)
		metrics.UpstreamErrors.Inc()
		return
	}

	sent, err := s.dispatch.DispatchReply(ctx, response, chatID, last.ID)
	if err != nil {
		// Partial sends still count: collaborators see whatever went out.
		s.logger.Error("reply dispatch failed", "chat_id", chatID, "err", err)
		metrics.UpstreamErrors.Inc()
	}
	metrics.DispatchCycles.Inc()

	s.presence.Touch()

	replies := make([]string, 0, len(sent))
	for _, m := range sent {
		replies = append(replies, m.Text)
	}
	cycle := domain.DispatchCycle{
		ChatID:    chatID,
		ChatTitle: last.ChatTitle,
		Messages:  msgs,
		Replies:   replies,
	}
	for _, o := range s.observers {
		o.ObserveCycle(ctx, cycle)
	}
}
