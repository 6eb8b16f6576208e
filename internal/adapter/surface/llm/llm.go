// Package llm implements the LLM API surface leaves. One HTTP shape covers
// the OpenAI-compatible providers (OpenAI, Perplexity, xAI, Together);
// Anthropic and Google AI carry their own request/response forms. All leaves
// classify nothing themselves: transport and status failures surface as
// errors for the adapter runtime.
package llm

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

const (
	defaultTimeout = 90 * time.Second
	// healthPrompt is the trivial probe every leaf sends for health checks.
	healthPrompt    = "Reply with OK."
	healthMaxTokens = 5
)

// Config is what every LLM leaf needs: its catalog surface, endpoint, and
// credentials. HTTPClient may be shared across leaves; nil gets a default
// with an otelhttp transport.
type Config struct {
	Surface    domain.Surface
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (c Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return NewHTTPClient(defaultTimeout)
}

// NewHTTPClient builds the outbound client used by LLM and search leaves,
// with OTEL instrumentation on the transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// readBodySnippet returns up to n bytes of the response body for error
// messages; the classifier matches on status text and substrings in it.
func readBodySnippet(r io.Reader, n int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return string(b)
}

func statusError(provider string, resp *http.Response) error {
	snippet := readBodySnippet(resp.Body, 512)
	return fmt.Errorf("%s status %d %s: %s", provider, resp.StatusCode, http.StatusText(resp.StatusCode), snippet)
}

// usage converts provider token counts into the canonical accounting,
// falling back to a tiktoken estimate when the provider omitted them.
func usage(surface domain.Surface, model, prompt, completion string, in, out int) *domain.TokenUsage {
	estimated := false
	if in == 0 && out == 0 {
		in, out = estimateTokens(model, prompt, completion)
		estimated = true
	}
	return &domain.TokenUsage{
		InputTokens:      in,
		OutputTokens:     out,
		TotalTokens:      in + out,
		EstimatedCostUSD: float64(in)/1000*surface.Cost.InputPer1K + float64(out)/1000*surface.Cost.OutputPer1K,
		Estimated:        estimated,
	}
}

// resolveModel picks the request's model or the catalog default.
func resolveModel(req domain.QueryRequest, surface domain.Surface) string {
	if req.Model != "" {
		return req.Model
	}
	return surface.DefaultModel
}

func resolveMaxTokens(req domain.QueryRequest, surface domain.Surface) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if surface.Capabilities.MaxOutputTokens > 0 {
		return surface.Capabilities.MaxOutputTokens
	}
	return 1024
}
