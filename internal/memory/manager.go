// Package memory keeps long-term facts extracted from conversations in a
// plain-text file, so restarts do not wipe what the agent has learned.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"personabot/internal/domain"
)

const (
	defaultMaxEntries    = 1000
	defaultRetention     = 30 * 24 * time.Hour
	defaultRelevantLimit = 10
	keepImportance       = 7
)

// Entry is one remembered fact.
type Entry struct {
	Content    string
	Timestamp  time.Time
	Importance int
	Context    string
	ChatTitle  string
}

// Manager owns the memory file. It observes finished dispatch cycles,
// asks the extraction backend which facts are worth keeping, and serves
// the most relevant ones back to the transcript assembler.
type Manager struct {
	completer domain.Completer
	agentID   string
	path      string
	logger    *slog.Logger

	maxEntries    int
	retention     time.Duration
	relevantLimit int
	now           func() time.Time

	mu      sync.Mutex
	entries []Entry
}

type Config struct {
	Completer domain.Completer
	AgentID   string
	Path      string
	Logger    *slog.Logger

	MaxEntries int
	Retention  time.Duration
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Manager{
		completer:     cfg.Completer,
		agentID:       cfg.AgentID,
		path:          cfg.Path,
		logger:        cfg.Logger,
		maxEntries:    cfg.MaxEntries,
		retention:     cfg.Retention,
		relevantLimit: defaultRelevantLimit,
		now:           time.Now,
	}
}

// Load reads the memory file. A missing file is a normal first run.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.logger.Info("no memory file yet", "path", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read memory file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = m.entries[:0]
	for _, block := range strings.Split(string(data), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		entry, err := parseRecord(block)
		if err != nil {
			m.logger.Error("skipping corrupt memory record", "err", err)
			continue
		}
		m.entries = append(m.entries, entry)
	}
	m.logger.Info("memory loaded", "entries", len(m.entries), "path", m.path)
	return nil
}

// parseRecord parses one persisted record: Timestamp, Importance, Chat,
// Context, Content lines in that order.
func parseRecord(block string) (Entry, error) {
	lines := strings.Split(block, "\n")
	if len(lines) < 5 {
		return Entry{}, &domain.ParseError{Reason: "memory record too short", Input: block}
	}
	ts, err := strconv.ParseFloat(fieldValue(lines[0]), 64)
	if err != nil {
		return Entry{}, &domain.ParseError{Reason: "bad timestamp", Input: lines[0]}
	}
	importance, err := strconv.Atoi(fieldValue(lines[1]))
	if err != nil {
		return Entry{}, &domain.ParseError{Reason: "bad importance", Input: lines[1]}
	}
	return Entry{
		Timestamp:  time.Unix(int64(ts), 0),
		Importance: importance,
		ChatTitle:  fieldValue(lines[2]),
		Context:    fieldValue(lines[3]),
		Content:    fieldValue(lines[4]),
	}, nil
}

func fieldValue(line string) string {
	_, value, ok := strings.Cut(line, ": ")
	if !ok {
		return ""
	}
	return value
}

// save writes all entries back to the memory file. Caller holds m.mu.
func (m *Manager) save() error {
	var b strings.Builder
	for _, e := range m.entries {
		fmt.Fprintf(&b, "Timestamp: %d\n", e.Timestamp.Unix())
		fmt.Fprintf(&b, "Importance: %d\n", e.Importance)
		fmt.Fprintf(&b, "Chat: %s\n", e.ChatTitle)
		fmt.Fprintf(&b, "Context: %s\n", e.Context)
		fmt.Fprintf(&b, "Content: %s\n\n", e.Content)
	}
	if err := os.WriteFile(m.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write memory file: %w", err)
	}
	m.logger.Info("memory saved", "entries", len(m.entries), "path", m.path)
	return nil
}

// ObserveCycle extracts durable facts from a finished dispatch cycle.
// Extraction failures are logged and dropped: memory is best-effort and
// must never affect the reply path.
func (m *Manager) ObserveCycle(ctx context.Context, cycle domain.DispatchCycle) {
	prompt := m.buildPrompt(cycle)
	raw, err := m.completer.Complete(ctx, m.agentID, []domain.TranscriptTurn{
		{Role: domain.RoleOther, Content: prompt},
	})
	if err != nil {
		m.logger.Error("memory extraction failed", "chat", cycle.ChatTitle, "err", err)
		return
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		m.logger.Warn("empty memory extraction response", "chat", cycle.ChatTitle)
		return
	}

	entries := m.parseExtraction(raw, cycle.ChatTitle)
	if len(entries) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	m.cleanup()
	if err := m.save(); err != nil {
		m.logger.Error("failed to persist memory", "err", err)
	}
}

// buildPrompt serializes the cycle plus the current memory so the
// extraction agent can avoid duplicating what it already knows.
func (m *Manager) buildPrompt(cycle domain.DispatchCycle) string {
	var b strings.Builder
	b.WriteString("Analyze this conversation and extract the significant facts using the structure from your instructions.\n\n")
	fmt.Fprintf(&b, "Chat: %s\nTime: %s\n\nMessages:\n", cycle.ChatTitle, m.now().Format(time.RFC3339))
	for _, msg := range cycle.Messages {
		text := msg.Payload.Text
		if msg.Payload.Kind == domain.PayloadSticker {
			text = msg.Payload.Emoji
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Sender.DisplayName, text)
	}
	b.WriteString("\nReplies:\n")
	for _, r := range cycle.Replies {
		b.WriteString(r)
		b.WriteByte('\n')
	}

	m.mu.Lock()
	known := make([]Entry, len(m.entries))
	copy(known, m.entries)
	m.mu.Unlock()
	sort.SliceStable(known, func(i, j int) bool { return known[i].Importance > known[j].Importance })

	b.WriteString("\nCurrent memory:\n")
	for _, e := range known {
		fmt.Fprintf(&b, "Importance: %d\nContent: %s\nContext: %s\n", e.Importance, e.Content, e.Context)
	}
	return b.String()
}

// parseExtraction splits the model response into entries separated by
// "---" lines. Entries missing an importance or content line are skipped.
func (m *Manager) parseExtraction(raw, chatTitle string) []Entry {
	var entries []Entry
	for _, block := range strings.Split(raw, "\n---\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		var importanceLine, contentLine, contextLine string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "Importance:"):
				importanceLine = line
			case strings.HasPrefix(line, "Content:"):
				contentLine = line
			case strings.HasPrefix(line, "Context:"):
				contextLine = line
			}
		}
		if importanceLine == "" || contentLine == "" {
			m.logger.Warn("skipping malformed memory entry", "entry", block)
			continue
		}
		importance, err := strconv.Atoi(fieldValue(importanceLine))
		if err != nil {
			m.logger.Error("bad importance in memory entry", "entry", block, "err", err)
			continue
		}
		entryContext := fieldValue(contextLine)
		if entryContext == "" {
			entryContext = "General"
		}
		entries = append(entries, Entry{
			Content:    fieldValue(contentLine),
			Timestamp:  m.now(),
			Importance: importance,
			Context:    entryContext,
			ChatTitle:  chatTitle,
		})
	}
	return entries
}

// cleanup drops entries that are both old and unimportant, dedupes by
// content and chat, and caps the total keeping the most important
// entries. Caller holds m.mu.
func (m *Manager) cleanup() {
	cutoff := m.now().Add(-m.retention)
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Timestamp.After(cutoff) || e.Importance >= keepImportance {
			kept = append(kept, e)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Importance != kept[j].Importance {
			return kept[i].Importance > kept[j].Importance
		}
		return kept[i].Timestamp.After(kept[j].Timestamp)
	})
	if len(kept) > m.maxEntries {
		kept = kept[:m.maxEntries]
	}

	seen := make(map[[2]string]bool, len(kept))
	deduped := kept[:0]
	for _, e := range kept {
		key := [2]string{e.Content, e.ChatTitle}
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, e)
	}
	m.entries = deduped
	m.logger.Info("memory cleaned up", "entries", len(m.entries))
}

// Relevant returns the highest-importance entries formatted for the
// transcript preamble. An empty context matches everything; otherwise
// only entries recorded under that context are returned.
func (m *Manager) Relevant(context string) string {
	m.mu.Lock()
	matched := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if context == "" || e.Context == context {
			matched = append(matched, e)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Importance != matched[j].Importance {
			return matched[i].Importance > matched[j].Importance
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if len(matched) > m.relevantLimit {
		matched = matched[:m.relevantLimit]
	}

	lines := make([]string, 0, len(matched))
	for _, e := range matched {
		lines = append(lines, fmt.Sprintf("[%d] %s (Context: %s, Chat: %s)", e.Importance, e.Content, e.Context, e.ChatTitle))
	}
	return strings.Join(lines, "\n")
}
