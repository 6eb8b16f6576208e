// Package domain holds the entities and ports of the visibility-study core:
// surfaces, manifests, studies, job graphs, and the adapter/executor contracts.
package domain

import "time"

// StudyStatus is the lifecycle state of a study.
type StudyStatus string

const (
	StudyManifestReceived StudyStatus = "manifest_received"
	StudyValidating       StudyStatus = "validating"
	StudyQueued           StudyStatus = "queued"
	StudyExecuting        StudyStatus = "executing"
	StudyComplete         StudyStatus = "complete"
	StudyFailed           StudyStatus = "failed"
	StudyCancelled        StudyStatus = "cancelled"
	StudyPaused           StudyStatus = "paused"
)

// studyTransitions is the full legal transition table. Every orchestrator
// operation validates against it before mutating.
var studyTransitions = map[StudyStatus][]StudyStatus{
	StudyManifestReceived: {StudyValidating, StudyCancelled, StudyFailed},
	StudyValidating:       {StudyQueued, StudyFailed, StudyCancelled},
	StudyQueued:           {StudyExecuting, StudyCancelled, StudyComplete},
	StudyExecuting:        {StudyComplete, StudyFailed, StudyCancelled, StudyPaused},
	StudyPaused:           {StudyExecuting, StudyCancelled},
	StudyComplete:         {},
	StudyFailed:           {},
	StudyCancelled:        {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s StudyStatus) CanTransitionTo(next StudyStatus) bool {
	for _, allowed := range studyTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the study.
func (s StudyStatus) Terminal() bool {
	switch s {
	case StudyComplete, StudyFailed, StudyCancelled:
		return true
	}
	return false
}

// SurfaceShortfall records a required surface that ended below its coverage
// threshold; attached to studies that fail on completion criteria.
type SurfaceShortfall struct {
	SurfaceID      string
	CompletionRate float64
	Threshold      float64
}

// Study is an executing instance of a manifest. The orchestrator is its sole
// owner and mutator; everyone else reads snapshots.
type Study struct {
	ID         string
	TenantID   string
	Manifest   Manifest
	Status     StudyStatus
	Shortfalls []SurfaceShortfall
	Graph      *JobGraph
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// SurfaceProgress counts a slice of a study's cells by status.
type SurfaceProgress struct {
	Total     int
	Completed int
	Failed    int
	Pending   int
	Executing int
	Cancelled int
}

// CompletionRate is completed / max(total, 1).
func (p SurfaceProgress) CompletionRate() float64 {
	total := p.Total
	if total < 1 {
		total = 1
	}
	return float64(p.Completed) / float64(total)
}

// StudyProgress is the aggregate view returned by GetStudy.
type StudyProgress struct {
	TotalJobs            int
	CompletedJobs        int
	FailedJobs           int
	PendingJobs          int
	ExecutingJobs        int
	CancelledJobs        int
	CompletionPercentage float64
	BySurface            map[string]SurfaceProgress
	ByCategory           map[SurfaceCategory]SurfaceProgress
	ByLocation           map[string]SurfaceProgress
}
