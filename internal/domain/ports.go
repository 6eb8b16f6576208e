package domain

import (
	"context"
	"time"
)

// SurfaceCapability is what a leaf adapter implements: the surface-specific
// protocol with no cross-cutting policy. The adapter runtime wraps it with
// rate limiting, circuit breaking, classification, and retry.
type SurfaceCapability interface {
	// ExecuteQuery performs one protocol round trip. Transport and protocol
	// failures come back as errors for the runtime to classify.
	ExecuteQuery(ctx Context, req QueryRequest) (QueryResponse, error)
	// ExecuteHealthCheck probes the surface cheaply.
	ExecuteHealthCheck(ctx Context) error
	// Metadata describes the surface this leaf talks to.
	Metadata() Surface
}

// SurfaceAdapter is the executor-facing contract: a capability wrapped in the
// runtime. Query never returns a bare error; failures are values inside the
// response.
type SurfaceAdapter interface {
	SurfaceID() string
	Metadata() Surface
	Query(ctx Context, req QueryRequest) QueryResponse
	HealthCheck(ctx Context) error
	State() AdapterState
}

// AdapterStats are the running counters of one adapter instance.
type AdapterStats struct {
	TotalQueries      int64
	SuccessfulQueries int64
	FailedQueries     int64
	MeanLatency       time.Duration
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
	ErrorCounts       map[ErrorCode]int64
}

// RateLimitState is the adapter's windowed request counter.
type RateLimitState struct {
	CurrentCount int
	MaxCount     int
	ResetAt      time.Time
	Limited      bool
}

// HealthState is the adapter's circuit view: five consecutive failures open
// the circuit, any success closes it, a single probe is allowed while
// recovering.
type HealthState struct {
	Healthy             bool
	Recovering          bool
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastError           string
}

// AdapterState is a point-in-time snapshot of one adapter.
type AdapterState struct {
	SurfaceID string
	Stats     AdapterStats
	RateLimit RateLimitState
	Health    HealthState
}

// StudyRepository is the persistence port called at state transitions. The
// core is correct against the in-memory implementation; Postgres is a
// collaborator adapter.
type StudyRepository interface {
	SaveStudy(ctx Context, s *Study) error
	LoadStudy(ctx Context, id string) (*Study, error)
	SaveJob(ctx Context, studyID string, j *Job) error
	SaveResult(ctx Context, studyID, jobID string, res *QueryResponse) error
}

// Cookie is one captured browser cookie.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
}

// CapturedSession is the login state a web-chatbot surface needs: cookies,
// local storage, and the user agent the session was captured under. Session
// capture itself happens outside this system.
type CapturedSession struct {
	SurfaceID  string
	Cookies    []Cookie
	Storage    map[string]string
	UserAgent  string
	CapturedAt time.Time
}

// SessionStore fetches captured sessions for browser-driven surfaces. Scope
// is empty for shared sessions and the study id under dedicated-per-study
// isolation.
type SessionStore interface {
	Fetch(ctx Context, surfaceID, scope string) (CapturedSession, error)
	Store(ctx Context, scope string, s CapturedSession) error
	Delete(ctx Context, surfaceID, scope string) error
}

// BrowserPage is one owned page. Never shared across adapters; Close returns
// it to the provider.
type BrowserPage interface {
	Navigate(ctx Context, url string) error
	WaitVisible(ctx Context, selector string, timeout time.Duration) error
	Fill(ctx Context, selector, text string) error
	Click(ctx Context, selector string) error
	Text(ctx Context, selector string) (string, error)
	HTML(ctx Context) (string, error)
	Screenshot(ctx Context) ([]byte, error)
	Close() error
}

// BrowserProvider hands out pages pre-loaded with a captured session. Web
// adapters receive one at construction; there is no process-wide browser
// state.
type BrowserProvider interface {
	Acquire(ctx Context, session CapturedSession) (BrowserPage, error)
}

// EventPublisher mirrors executor events to an external sink (the Redpanda
// topic). Optional; the orchestrator consumes the channel directly.
type EventPublisher interface {
	Publish(ctx Context, ev ExecutorEvent) error
	Close(ctx Context) error
}

// Context aliases context.Context so domain signatures stay decoupled from
// the stdlib import at call sites; adapters pass context.Context through.
type Context = context.Context
