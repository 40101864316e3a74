// Package digest accumulates conversation activity and monitored channel
// posts, periodically summarizes them through the LLM backend, and posts
// the summary to a digest channel.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"personabot/internal/domain"
)

// TextSender is the slice of the messenger digest posting needs.
type TextSender interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int) (domain.SentMessage, error)
}

// cycleRecord is one finished dispatch cycle, flattened for the digest
// prompt and the state file.
type cycleRecord struct {
	Chat     string    `json:"chat"`
	Time     time.Time `json:"time"`
	Messages []string  `json:"messages"`
	Replies  []string  `json:"replies"`
}

// postRecord is one post seen in a monitored channel.
type postRecord struct {
	Channel string    `json:"channel"`
	Time    time.Time `json:"time"`
	Text    string    `json:"text"`
}

// state is the persisted accumulation window. It survives restarts so a
// crash does not lose half a digest interval of activity.
type state struct {
	Cycles     []cycleRecord `json:"cycles"`
	Posts      []postRecord  `json:"posts"`
	LastDigest time.Time     `json:"last_digest"`
}

// Manager collects material between digests and publishes on a fixed
// interval. It observes dispatch cycles and monitored channel posts;
// publishing clears the window only after the post went out.
type Manager struct {
	completer domain.Completer
	sender    TextSender
	logger    *slog.Logger

	agentID   string
	channelID int64
	interval  time.Duration
	statePath string
	monitored map[int64]bool

	mu    sync.Mutex
	state state
	cron  *cron.Cron
}

type Config struct {
	Completer domain.Completer
	Sender    TextSender
	Logger    *slog.Logger

	AgentID           string
	ChannelID         int64
	Interval          time.Duration
	StatePath         string
	MonitoredChannels []int64
}

// NewManager validates the digest configuration and loads any persisted
// accumulation state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("digest agent id is required")
	}
	if cfg.ChannelID == 0 {
		return nil, fmt.Errorf("digest channel id is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("digest interval must be positive, got %s", cfg.Interval)
	}
	if cfg.StatePath == "" {
		return nil, fmt.Errorf("digest state path is required")
	}

	monitored := make(map[int64]bool, len(cfg.MonitoredChannels))
	for _, id := range cfg.MonitoredChannels {
		monitored[id] = true
	}

	m := &Manager{
		completer: cfg.Completer,
		sender:    cfg.Sender,
		logger:    cfg.Logger,
		agentID:   cfg.AgentID,
		channelID: cfg.ChannelID,
		interval:  cfg.Interval,
		statePath: cfg.StatePath,
		monitored: monitored,
	}
	if err := m.loadState(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadState() error {
	data, err := os.ReadFile(m.statePath)
	if os.IsNotExist(err) {
		m.state.LastDigest = time.Now()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read digest state: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		m.logger.Error("corrupt digest state, starting fresh", "path", m.statePath, "err", err)
		m.state = state{LastDigest: time.Now()}
		return nil
	}
	m.logger.Info("digest state loaded",
		"cycles", len(m.state.Cycles),
		"posts", len(m.state.Posts),
		"last_digest", m.state.LastDigest,
	)
	return nil
}

// saveState persists the window. Caller holds m.mu.
func (m *Manager) saveState() {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		m.logger.Error("marshal digest state", "err", err)
		return
	}
	if err := os.WriteFile(m.statePath, data, 0o644); err != nil {
		m.logger.Error("write digest state", "path", m.statePath, "err", err)
	}
}

// ObserveCycle adds a finished dispatch cycle to the current window.
func (m *Manager) ObserveCycle(ctx context.Context, cycle domain.DispatchCycle) {
	rec := cycleRecord{
		Chat:    cycle.ChatTitle,
		Time:    time.Now(),
		Replies: cycle.Replies,
	}
	for _, msg := range cycle.Messages {
		text := msg.Payload.Text
		if msg.Payload.Kind == domain.PayloadSticker {
			text = msg.Payload.Emoji
		}
		rec.Messages = append(rec.Messages, msg.Sender.DisplayName+": "+text)
	}

	m.mu.Lock()
	m.state.Cycles = append(m.state.Cycles, rec)
	m.saveState()
	m.mu.Unlock()
}

// MonitorChannelPost adds a post from a monitored channel to the window.
// Posts from channels outside the monitored set are dropped.
func (m *Manager) MonitorChannelPost(ctx context.Context, msg domain.InboundMessage) {
	if !m.monitored[msg.ChatID] {
		return
	}
	if msg.Payload.Kind != domain.PayloadText || msg.Payload.Text == "" {
		return
	}

	m.mu.Lock()
	m.state.Posts = append(m.state.Posts, postRecord{
		Channel: msg.ChatTitle,
		Time:    msg.Timestamp,
		Text:    msg.Payload.Text,
	})
	m.saveState()
	m.mu.Unlock()
	m.logger.Debug("channel post recorded", "channel", msg.ChatTitle)
}

// Run publishes a digest every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		if err := m.Publish(ctx); err != nil {
			m.logger.Error("digest publish failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule digest: %w", err)
	}
	m.cron = c
	c.Start()
	m.logger.Info("digest loop started", "interval", m.interval, "channel_id", m.channelID)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Publish generates one digest from the accumulated window and posts it.
// The window is cleared only after the post succeeds; failures keep it
// intact for the next attempt.
func (m *Manager) Publish(ctx context.Context) error {
	m.mu.Lock()
	snapshot := m.state
	m.mu.Unlock()

	if len(snapshot.Cycles) == 0 && len(snapshot.Posts) == 0 {
		m.logger.Info("no digest material this interval")
		return nil
	}

	payload, err := json.Marshal(struct {
		Since  time.Time     `json:"since"`
		Cycles []cycleRecord `json:"conversations"`
		Posts  []postRecord  `json:"channel_posts"`
	}{snapshot.LastDigest, snapshot.Cycles, snapshot.Posts})
	if err != nil {
		return fmt.Errorf("marshal digest payload: %w", err)
	}

	text, err := m.completer.Complete(ctx, m.agentID, []domain.TranscriptTurn{{
		Role:    domain.RoleOther,
		Content: "Create a digest post based on this data: " + string(payload),
	}})
	if err != nil {
		return fmt.Errorf("generate digest: %w", err)
	}

	if _, err := m.sender.SendText(ctx, m.channelID, text, 0); err != nil {
		return fmt.Errorf("post digest: %w", err)
	}
	m.logger.Info("digest posted",
		"channel_id", m.channelID,
		"cycles", len(snapshot.Cycles),
		"posts", len(snapshot.Posts),
	)

	// Trim only what went into this digest; material that arrived during
	// generation stays for the next interval.
	m.mu.Lock()
	m.state.Cycles = m.state.Cycles[len(snapshot.Cycles):]
	m.state.Posts = m.state.Posts[len(snapshot.Posts):]
	m.state.LastDigest = time.Now()
	m.saveState()
	m.mu.Unlock()
	return nil
}
