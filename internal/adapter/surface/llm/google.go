package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// GoogleAI is the generateContent leaf for google-ai-api. Authentication is a
// key query parameter, not a header.
type GoogleAI struct {
	cfg Config
}

// NewGoogleAI builds the Google AI leaf.
func NewGoogleAI(cfg Config) *GoogleAI {
	return &GoogleAI{cfg: cfg}
}

// Metadata implements domain.SurfaceCapability.
func (l *GoogleAI) Metadata() domain.Surface { return l.cfg.Surface }

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	SystemInstruction *googleContent `json:"systemInstruction,omitempty"`
	Contents          []googleContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// ExecuteQuery implements domain.SurfaceCapability.
func (l *GoogleAI) ExecuteQuery(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, error) {
	model := resolveModel(req, l.cfg.Surface)
	body := googleRequest{
		Contents: buildGoogleContents(req),
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.SystemPrompt}}}
	}
	body.GenerationConfig.MaxOutputTokens = resolveMaxTokens(req, l.cfg.Surface)
	if req.Temperature > 0 {
		t := req.Temperature
		body.GenerationConfig.Temperature = &t
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("marshal generateContent request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		l.cfg.BaseURL, url.PathEscape(model), url.QueryEscape(l.cfg.APIKey))
	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.QueryResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.cfg.client().Do(httpReq)
	if err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s request: %w", l.cfg.Surface.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.QueryResponse{}, statusError(l.cfg.Surface.ID, resp)
	}

	var parsed googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.QueryResponse{}, fmt.Errorf("%s parse response: %w", l.cfg.Surface.ID, err)
	}
	if len(parsed.Candidates) == 0 {
		return domain.QueryResponse{}, fmt.Errorf("%s invalid response: no candidates", l.cfg.Surface.ID)
	}
	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := sb.String()
	return domain.QueryResponse{
		Success:      true,
		ResponseText: text,
		TokenUsage: usage(l.cfg.Surface, model, req.QueryText, text,
			parsed.UsageMetadata.PromptTokenCount, parsed.UsageMetadata.CandidatesTokenCount),
		Timing: domain.Timing{Response: time.Since(started)},
	}, nil
}

// ExecuteHealthCheck implements domain.SurfaceCapability.
func (l *GoogleAI) ExecuteHealthCheck(ctx context.Context) error {
	_, err := l.ExecuteQuery(ctx, domain.QueryRequest{QueryText: healthPrompt, MaxTokens: healthMaxTokens})
	return err
}

// buildGoogleContents maps chat roles onto the user/model role pair the
// generateContent protocol expects.
func buildGoogleContents(req domain.QueryRequest) []googleContent {
	contents := make([]googleContent, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := turn.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, googleContent{Role: role, Parts: []googlePart{{Text: turn.Content}}})
	}
	return append(contents, googleContent{Role: "user", Parts: []googlePart{{Text: req.QueryText}}})
}
