package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// OpenAICompatible is the leaf for every provider speaking the OpenAI chat
// completions protocol: openai-api, perplexity-api, xai-api, together-api.
// Only base URL, credentials, and catalog metadata differ.
type OpenAICompatible struct {
	cfg Config
}

// NewOpenAICompatible builds a chat-completions leaf for the given surface.
func NewOpenAICompatible(cfg Config) *OpenAICompatible {
	return &OpenAICompatible{cfg: cfg}
}

// Metadata implements domain.SurfaceCapability.
func (l *OpenAICompatible) Metadata() domain.Surface { return l.cfg.Surface }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ExecuteQuery implements domain.SurfaceCapability.
func (l *OpenAICompatible) ExecuteQuery(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, error) {
	model := resolveModel(req, l.cfg.Surface)
	body := chatRequest{
		Model:     model,
		Messages:  buildMessages(req, l.cfg.Surface),
		MaxTokens: resolveMaxTokens(req, l.cfg.Surface),
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("marshal chat request: %w", err)
	}

	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return domain.QueryResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.cfg.client().Do(httpReq)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s request: %w", l.cfg.Surface.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.QueryResponse{}, statusError(l.cfg.Surface.ID, resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s parse response: %w", l.cfg.Surface.ID, err)
	}
	if len(parsed.Choices) == 0 {
		return domain.QueryResponse{}, fmt.Errorf("%s invalid response: no choices", l.cfg.Surface.ID)
	}
	text := parsed.Choices[0].Message.Content
	return domain.QueryResponse{
		Success:      true,
		ResponseText: text,
		TokenUsage:   usage(l.cfg.Surface, model, req.QueryText, text, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
		Timing:       domain.Timing{Response: time.Since(started)},
	}, nil
}

// ExecuteHealthCheck implements domain.SurfaceCapability.
func (l *OpenAICompatible) ExecuteHealthCheck(ctx context.Context) error {
	_, err := l.ExecuteQuery(ctx, domain.QueryRequest{QueryText: healthPrompt, MaxTokens: healthMaxTokens})
	return err
}

// buildMessages assembles system prompt (when the surface supports it),
// prior turns, then the current user query.
func buildMessages(req domain.QueryRequest, surface domain.Surface) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" && surface.Capabilities.SystemPrompt {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	if surface.Capabilities.ConversationHistory {
		for _, turn := range req.History {
			msgs = append(msgs, chatMessage{Role: turn.Role, Content: turn.Content})
		}
	}
	return append(msgs, chatMessage{Role: "user", Content: req.QueryText})
}
