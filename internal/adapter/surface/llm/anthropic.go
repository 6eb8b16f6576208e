package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

const anthropicVersion = "2023-06-01"

// Anthropic is the Messages API leaf for anthropic-api.
type Anthropic struct {
	cfg Config
}

// NewAnthropic builds the Anthropic leaf.
func NewAnthropic(cfg Config) *Anthropic {
	return &Anthropic{cfg: cfg}
}

// Metadata implements domain.SurfaceCapability.
func (l *Anthropic) Metadata() domain.Surface { return l.cfg.Surface }

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ExecuteQuery implements domain.SurfaceCapability.
func (l *Anthropic) ExecuteQuery(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, error) {
	model := resolveModel(req, l.cfg.Surface)
	body := anthropicRequest{
		Model:     model,
		MaxTokens: resolveMaxTokens(req, l.cfg.Surface),
		System:    req.SystemPrompt,
		Messages:  buildAnthropicMessages(req),
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("marshal messages request: %w", err)
	}

	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return domain.QueryResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", l.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := l.cfg.client().Do(httpReq)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s request: %w", l.cfg.Surface.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.QueryResponse{}, statusError(l.cfg.Surface.ID, resp)
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s parse response: %w", l.cfg.Surface.ID, err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return domain.QueryResponse{}, fmt.Errorf("%s invalid response: no text content", l.cfg.Surface.ID)
	}
	text := sb.String()
	return domain.QueryResponse{
		Success:      true,
		ResponseText: text,
		TokenUsage:   usage(l.cfg.Surface, model, req.QueryText, text, parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
		Timing:       domain.Timing{Response: time.Since(started)},
	}, nil
}

// ExecuteHealthCheck implements domain.SurfaceCapability.
func (l *Anthropic) ExecuteHealthCheck(ctx context.Context) error {
	_, err := l.ExecuteQuery(ctx, domain.QueryRequest{QueryText: healthPrompt, MaxTokens: healthMaxTokens})
	return err
}

// buildAnthropicMessages carries the history as alternating turns; the system
// prompt rides the top-level field, never a message.
func buildAnthropicMessages(req domain.QueryRequest) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		msgs = append(msgs, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	return append(msgs, chatMessage{Role: "user", Content: req.QueryText})
}
