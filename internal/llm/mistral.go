// Package llm talks to the Mistral agents API. Each call is stateless:
// the full transcript is passed explicitly every time.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"personabot/internal/domain"
	"personabot/internal/metrics"
)

const defaultHTTPTimeout = 60 * time.Second

// Mistral implements domain.Completer against the Mistral agents API.
type Mistral struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type MistralConfig struct {
	APIKey  string
	APIBase string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewMistral(cfg MistralConfig) *Mistral {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.mistral.ai/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &Mistral{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

type agentRequest struct {
	AgentID  string         `json:"agent_id"`
	Messages []agentMessage `json:"messages"`
}

type agentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type agentResponse struct {
	Choices []agentChoice `json:"choices"`
}

type agentChoice struct {
	Message agentMessage `json:"message"`
}

// Complete issues exactly one completion request. Failures and empty
// choice lists surface as UpstreamError; callers must not retry.
func (m *Mistral) Complete(ctx context.Context, agentID string, turns []domain.TranscriptTurn) (string, error) {
	msgs := make([]agentMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, agentMessage{Role: string(t.Role), Content: t.Content})
	}

	jsonBody, err := json.Marshal(agentRequest{AgentID: agentID, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", m.apiBase+"/agents/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)

	start := time.Now()
	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", &domain.UpstreamError{Op: "completion", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &domain.UpstreamError{
			Op:  "completion",
			Err: fmt.Errorf("mistral %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var out agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.UpstreamError{Op: "completion decode", Err: err}
	}
	if len(out.Choices) == 0 {
		return "", &domain.UpstreamError{Op: "completion", Err: fmt.Errorf("no choices in response")}
	}

	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	m.logger.Debug("completion received",
		"agent_id", agentID,
		"turns", len(turns),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return out.Choices[0].Message.Content, nil
}

// RequestResponse appends the triggering message as a final user turn and
// asks the backend for a reply.
func RequestResponse(ctx context.Context, c domain.Completer, agentID string, transcript []domain.TranscriptTurn, content, senderLabel string) (string, error) {
	turns := make([]domain.TranscriptTurn, 0, len(transcript)+1)
	turns = append(turns, transcript...)
	turns = append(turns, domain.TranscriptTurn{
		Role:    domain.RoleOther,
		Content: "[" + senderLabel + "]: " + content,
	})
	return c.Complete(ctx, agentID, turns)
}
