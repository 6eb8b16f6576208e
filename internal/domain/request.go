package domain

import "time"

// ChatTurn is one prior message in a conversation history.
type ChatTurn struct {
	Role    string
	Content string
}

// QueryRequest is the uniform input every surface adapter accepts.
// Zero values mean "adapter default" for Model, Temperature, MaxTokens
// and Timeout. EvidenceLevel tells the leaf how much to capture;
// SessionScope selects the captured session under dedicated isolation
// (empty for shared).
type QueryRequest struct {
	QueryText     string
	SystemPrompt  string
	History       []ChatTurn
	Model         string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	EvidenceLevel EvidenceLevel
	SessionScope  string
}

// TokenUsage is the token and cost accounting for one response. Estimated is
// set when the counts came from a local tokenizer rather than provider usage
// fields.
type TokenUsage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	EstimatedCostUSD float64
	Estimated        bool
}

// Timing breaks down where one query spent its wall time. Total covers the
// whole adapter call including in-adapter retries; Response is the final leaf
// protocol call; TTFB is set where the protocol exposes it.
type Timing struct {
	Total    time.Duration
	Response time.Duration
	TTFB     time.Duration
}

// SearchResult is one organic result scraped from a search surface.
type SearchResult struct {
	Rank    int
	Title   string
	URL     string
	Snippet string
}

// Structured carries surface-specific parsed payloads beyond plain text.
type Structured struct {
	SearchResults []SearchResult
	AIOverview    string
	Citations     []string
}

// QueryResponse is the uniform adapter output. Failures are carried as a
// SurfaceError value with Success=false, never as a panic or a bare error.
type QueryResponse struct {
	Success      bool
	ResponseText string
	TokenUsage   *TokenUsage
	Timing       Timing
	Structured   *Structured
	Evidence     *Evidence
	Error        *SurfaceError
}
