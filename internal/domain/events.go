package domain

import "time"

// EventKind tags the executor event variants.
type EventKind string

const (
	EventWorkerStarted EventKind = "worker_started"
	EventWorkerStopped EventKind = "worker_stopped"
	EventJobStarted    EventKind = "job_started"
	EventJobCompleted  EventKind = "job_completed"
	EventJobFailed     EventKind = "job_failed"
	EventJobRetrying   EventKind = "job_retrying"
	EventQueueEmpty    EventKind = "queue_empty"
)

// ExecutorEvent is the single tagged-variant event the executor emits over
// its channel. Per-kind payload fields are set as relevant: Result for
// job_completed/job_failed, RetryDelay for job_retrying.
type ExecutorEvent struct {
	ID         string
	Kind       EventKind
	At         time.Time
	WorkerID   int
	StudyID    string
	JobID      string
	Attempt    int
	RetryDelay time.Duration
	Result     *JobExecutionResult
}

// JobExecutionRequest is everything the executor needs to run one cell
// attempt; the orchestrator builds it from the drawn job plus manifest
// context.
type JobExecutionRequest struct {
	JobID            string
	StudyID          string
	TenantID         string
	QueryText        string
	SystemPrompt     string
	SurfaceID        string
	LocationID       string
	AttemptNumber    int
	MaxAttempts      int
	Priority         JobPriority
	EvidenceLevel    EvidenceLevel
	QualityGates     QualityGates
	SessionIsolation SessionIsolation
}

// JobMetrics is the timing envelope of one execution.
type JobMetrics struct {
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// JobExecutionResult is what a worker hands back after one attempt.
type JobExecutionResult struct {
	JobID         string
	StudyID       string
	Success       bool
	Response      *QueryResponse
	Error         *SurfaceError
	Metrics       JobMetrics
	AttemptNumber int
	WorkerID      int
}
