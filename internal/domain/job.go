package domain

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of one cell attempt chain.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobExecuting JobStatus = "executing"
	JobComplete  JobStatus = "complete"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status ends the cell.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobComplete, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobPriority orders jobs in the executor queue. Higher drains first.
type JobPriority int

const (
	PriorityLow      JobPriority = 0
	PriorityNormal   JobPriority = 1
	PriorityHigh     JobPriority = 2
	PriorityCritical JobPriority = 3
)

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire names onto priority levels; unknown names
// degrade to normal.
func ParsePriority(s string) JobPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// CellID derives the deterministic job id for a cell. Stable across restarts
// so completion replays and graph lookups cannot drift.
func CellID(studyID string, queryIndex int, surfaceID, locationID string) string {
	return fmt.Sprintf("%s:%d:%s:%s", studyID, queryIndex, surfaceID, locationID)
}

// Job is one (query, surface, location) cell of a study. Mutated only by the
// orchestrator; the executor borrows copies of its coordinates.
type Job struct {
	ID             string
	StudyID        string
	QueryIndex     int
	SurfaceID      string
	LocationID     string
	Category       SurfaceCategory
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	Priority       JobPriority
	NextEligibleAt time.Time
	Result         *QueryResponse
	Error          *SurfaceError
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Start moves a pending cell into execution and consumes one attempt.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobPending {
		return fmt.Errorf("%w: job %s is %s, want pending", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = JobExecuting
	j.Attempts++
	j.UpdatedAt = now
	return nil
}

// Complete records a successful result. Completing an already-complete cell
// is a no-op so replayed events cannot double-count.
func (j *Job) Complete(res *QueryResponse, now time.Time) error {
	if j.Status == JobComplete {
		return nil
	}
	if j.Status != JobExecuting {
		return fmt.Errorf("%w: job %s is %s, want executing", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = JobComplete
	j.Result = res
	j.Error = nil
	j.UpdatedAt = now
	return nil
}

// Fail records a failed attempt. Retryable failures with attempts remaining
// return the cell to pending behind the backoff gate; everything else is
// terminal.
func (j *Job) Fail(serr *SurfaceError, retryable bool, eligibleAt time.Time, now time.Time) (JobStatus, error) {
	if j.Status != JobExecuting {
		return j.Status, fmt.Errorf("%w: job %s is %s, want executing", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Error = serr
	j.UpdatedAt = now
	if retryable && j.Attempts < j.MaxAttempts {
		j.Status = JobPending
		j.NextEligibleAt = eligibleAt
		return JobPending, nil
	}
	j.Status = JobFailed
	return JobFailed, nil
}

// Cancel ends a non-terminal cell.
func (j *Job) Cancel(now time.Time) {
	if j.Status.Terminal() {
		return
	}
	j.Status = JobCancelled
	j.UpdatedAt = now
}

// Requeue returns an executing cell to pending without consuming an attempt,
// used when a study resumes after its in-flight results were discarded.
func (j *Job) Requeue(now time.Time) error {
	if j.Status != JobExecuting {
		return fmt.Errorf("%w: job %s is %s, want executing", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = JobPending
	j.UpdatedAt = now
	return nil
}

// JobGraph is the full set of a study's cells plus derived indexes. The cell
// count is fixed at construction; only per-cell status fields mutate after.
type JobGraph struct {
	StudyID    string
	Jobs       map[string]*Job
	Order      []string
	BySurface  map[string][]string
	ByCategory map[SurfaceCategory][]string
	ByLocation map[string][]string
}

// NewJobGraph expands a manifest into its cells. categories maps surface id
// to category for the index; unknown surfaces index as empty category and are
// caught by manifest validation upstream.
func NewJobGraph(studyID string, m Manifest, categories map[string]SurfaceCategory, now time.Time) *JobGraph {
	g := &JobGraph{
		StudyID:    studyID,
		Jobs:       make(map[string]*Job, m.CellCount()),
		Order:      make([]string, 0, m.CellCount()),
		BySurface:  make(map[string][]string),
		ByCategory: make(map[SurfaceCategory][]string),
		ByLocation: make(map[string][]string),
	}
	maxAttempts := m.MaxAttemptsPerCell()
	for qi := range m.Queries {
		for _, surfaceID := range m.SurfaceIDs {
			for _, loc := range m.Locations {
				id := CellID(studyID, qi, surfaceID, loc.ID)
				job := &Job{
					ID:          id,
					StudyID:     studyID,
					QueryIndex:  qi,
					SurfaceID:   surfaceID,
					LocationID:  loc.ID,
					Category:    categories[surfaceID],
					Status:      JobPending,
					MaxAttempts: maxAttempts,
					Priority:    PriorityNormal,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				g.Jobs[id] = job
				g.Order = append(g.Order, id)
				g.BySurface[surfaceID] = append(g.BySurface[surfaceID], id)
				g.ByCategory[job.Category] = append(g.ByCategory[job.Category], id)
				g.ByLocation[loc.ID] = append(g.ByLocation[loc.ID], id)
			}
		}
	}
	return g
}

// Job returns the cell by id.
func (g *JobGraph) Job(id string) (*Job, bool) {
	j, ok := g.Jobs[id]
	return j, ok
}

// NextPending returns up to k pending cells in insertion order whose backoff
// gate has passed. Pure read.
func (g *JobGraph) NextPending(now time.Time, k int) []*Job {
	if k <= 0 {
		return nil
	}
	out := make([]*Job, 0, k)
	for _, id := range g.Order {
		j := g.Jobs[id]
		if j.Status != JobPending {
			continue
		}
		if !j.NextEligibleAt.IsZero() && now.Before(j.NextEligibleAt) {
			continue
		}
		out = append(out, j)
		if len(out) == k {
			break
		}
	}
	return out
}

// CountByStatus tallies all cells.
func (g *JobGraph) CountByStatus() map[JobStatus]int {
	counts := make(map[JobStatus]int, 5)
	for _, id := range g.Order {
		counts[g.Jobs[id].Status]++
	}
	return counts
}

// Settled reports whether no cell is pending or executing.
func (g *JobGraph) Settled() bool {
	for _, id := range g.Order {
		switch g.Jobs[id].Status {
		case JobPending, JobExecuting:
			return false
		}
	}
	return true
}

// SurfaceCounts tallies the cells of one surface.
func (g *JobGraph) SurfaceCounts(surfaceID string) SurfaceProgress {
	return g.countIDs(g.BySurface[surfaceID])
}

// Progress computes the aggregate study view.
func (g *JobGraph) Progress() StudyProgress {
	p := StudyProgress{
		TotalJobs:  len(g.Order),
		BySurface:  make(map[string]SurfaceProgress, len(g.BySurface)),
		ByCategory: make(map[SurfaceCategory]SurfaceProgress, len(g.ByCategory)),
		ByLocation: make(map[string]SurfaceProgress, len(g.ByLocation)),
	}
	counts := g.CountByStatus()
	p.CompletedJobs = counts[JobComplete]
	p.FailedJobs = counts[JobFailed]
	p.PendingJobs = counts[JobPending]
	p.ExecutingJobs = counts[JobExecuting]
	p.CancelledJobs = counts[JobCancelled]
	if p.TotalJobs > 0 {
		p.CompletionPercentage = 100 * float64(p.CompletedJobs) / float64(p.TotalJobs)
	}
	for surfaceID, ids := range g.BySurface {
		p.BySurface[surfaceID] = g.countIDs(ids)
	}
	for category, ids := range g.ByCategory {
		p.ByCategory[category] = g.countIDs(ids)
	}
	for locationID, ids := range g.ByLocation {
		p.ByLocation[locationID] = g.countIDs(ids)
	}
	return p
}

func (g *JobGraph) countIDs(ids []string) SurfaceProgress {
	var p SurfaceProgress
	p.Total = len(ids)
	for _, id := range ids {
		switch g.Jobs[id].Status {
		case JobComplete:
			p.Completed++
		case JobFailed:
			p.Failed++
		case JobPending:
			p.Pending++
		case JobExecuting:
			p.Executing++
		case JobCancelled:
			p.Cancelled++
		}
	}
	return p
}
