// Package usecase holds the execution core's application services: the study
// orchestrator that owns every study and its job graph, and the validator
// that applies quality gates and completion criteria.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/observability"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// ExecutorPort is what the orchestrator needs from the job executor. The two
// sides share only this surface and the event channel, never each other.
type ExecutorPort interface {
	SubmitJob(req domain.JobExecutionRequest) error
	ClearStudyJobs(studyID string) int
}

// Options tune the orchestrator loops.
type Options struct {
	// PumpInterval is how often executing studies are polled for drawable
	// cells; PumpBatchSize caps cells drawn per study per tick.
	PumpInterval  time.Duration
	PumpBatchSize int
	// CheckpointInterval is the persistence cadence for active studies.
	CheckpointInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PumpInterval <= 0 {
		o.PumpInterval = 500 * time.Millisecond
	}
	if o.PumpBatchSize <= 0 {
		o.PumpBatchSize = 16
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 30 * time.Second
	}
	return o
}

// Orchestrator owns study lifecycles: it decomposes manifests into job
// graphs, feeds drawable cells to the executor, records outcomes, and
// evaluates completion. All graph mutation happens under its single lock;
// executor events are processed one at a time.
type Orchestrator struct {
	repo      domain.StudyRepository
	exec      ExecutorPort
	validator *Validator
	surfaces  map[string]domain.Surface
	opts      Options

	mu      sync.Mutex
	studies map[string]*domain.Study

	now     func() time.Time
	entropy *ulid.MonotonicEntropy
}

// NewOrchestrator constructs an orchestrator over the given surface catalog.
// repo may not be nil; wire the in-memory repository when persistence is not
// configured.
func NewOrchestrator(repo domain.StudyRepository, exec ExecutorPort, validator *Validator, surfaces map[string]domain.Surface, opts Options) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		exec:      exec,
		validator: validator,
		surfaces:  surfaces,
		opts:      opts.withDefaults(),
		studies:   make(map[string]*domain.Study),
		now:       time.Now,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // ULID entropy does not need crypto randomness.
	}
}

// CreateStudy validates the manifest against the catalog, expands it into a
// job graph, and registers the study. An empty cross-product completes
// immediately.
func (o *Orchestrator) CreateStudy(ctx context.Context, tenantID string, m domain.Manifest) (string, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.CreateStudy")
	defer span.End()

	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant id required", domain.ErrInvalidArgument)
	}
	categories := make(map[string]domain.SurfaceCategory, len(m.SurfaceIDs))
	for _, surfaceID := range m.SurfaceIDs {
		s, ok := o.surfaces[surfaceID]
		if !ok {
			return "", fmt.Errorf("%w: unknown surface %q", domain.ErrInvalidArgument, surfaceID)
		}
		categories[surfaceID] = s.Category
	}

	now := o.now()
	id := ulid.MustNew(ulid.Timestamp(now), o.entropy).String()
	span.SetAttributes(attribute.String("study.id", id), attribute.Int("study.cells", m.CellCount()))

	study := &domain.Study{
		ID:        id,
		TenantID:  tenantID,
		Manifest:  m,
		Status:    domain.StudyManifestReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.transitionLocked(study, domain.StudyValidating)
	study.Graph = domain.NewJobGraph(id, m, categories, now)
	o.transitionLocked(study, domain.StudyQueued)
	o.studies[id] = study
	observability.StudiesCreatedTotal.Inc()
	observability.StudiesActive.Inc()

	slog.Info("study created",
		slog.String("study_id", id),
		slog.String("tenant_id", tenantID),
		slog.Int("jobs", len(study.Graph.Order)),
		slog.Int("surfaces", len(m.SurfaceIDs)))

	if m.CellCount() == 0 {
		// Nothing to execute; the completion criteria are vacuously met.
		o.transitionLocked(study, domain.StudyComplete)
	}

	o.checkpointLocked(ctx, study)
	return id, nil
}

// StartStudy moves a queued study into execution.
func (o *Orchestrator) StartStudy(ctx context.Context, studyID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return err
	}
	if !study.Status.CanTransitionTo(domain.StudyExecuting) {
		return fmt.Errorf("%w: study %s is %s", domain.ErrInvalidTransition, studyID, study.Status)
	}
	o.transitionLocked(study, domain.StudyExecuting)
	study.StartedAt = o.now()
	o.checkpointLocked(ctx, study)
	return nil
}

// PauseStudy suspends an executing study. Results arriving while paused are
// discarded; affected cells are redrawn after resume.
func (o *Orchestrator) PauseStudy(ctx context.Context, studyID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return err
	}
	if !study.Status.CanTransitionTo(domain.StudyPaused) {
		return fmt.Errorf("%w: study %s is %s", domain.ErrInvalidTransition, studyID, study.Status)
	}
	o.transitionLocked(study, domain.StudyPaused)
	o.checkpointLocked(ctx, study)
	return nil
}

// ResumeStudy returns a paused study to execution. Cells that were in flight
// when results were discarded go back to pending without consuming another
// attempt.
func (o *Orchestrator) ResumeStudy(ctx context.Context, studyID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return err
	}
	if study.Status != domain.StudyPaused {
		return fmt.Errorf("%w: study %s is %s, want paused", domain.ErrInvalidTransition, studyID, study.Status)
	}
	now := o.now()
	for _, jobID := range study.Graph.Order {
		job := study.Graph.Jobs[jobID]
		if job.Status == domain.JobExecuting {
			_ = job.Requeue(now)
			job.Attempts-- // the redraw's StartJob re-counts this attempt
		}
	}
	o.transitionLocked(study, domain.StudyExecuting)
	o.checkpointLocked(ctx, study)
	return nil
}

// CancelStudy terminates a study: pending cells are cancelled, queued work is
// cleared from the executor, and in-flight results are discarded on arrival.
func (o *Orchestrator) CancelStudy(ctx context.Context, studyID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return err
	}
	if !study.Status.CanTransitionTo(domain.StudyCancelled) {
		return fmt.Errorf("%w: study %s is %s", domain.ErrInvalidTransition, studyID, study.Status)
	}
	now := o.now()
	for _, jobID := range study.Graph.Order {
		study.Graph.Jobs[jobID].Cancel(now)
	}
	if o.exec != nil {
		dropped := o.exec.ClearStudyJobs(studyID)
		slog.Info("study queue cleared", slog.String("study_id", studyID), slog.Int("dropped", dropped))
	}
	o.transitionLocked(study, domain.StudyCancelled)
	o.checkpointLocked(ctx, study)
	return nil
}

// GetNextJobs returns up to k drawable cells of a study in insertion order:
// pending, backoff gate passed. Pure read; call StartJob before dispatching.
func (o *Orchestrator) GetNextJobs(studyID string, k int) ([]domain.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return nil, err
	}
	jobs := study.Graph.NextPending(o.now(), k)
	out := make([]domain.Job, len(jobs))
	for i, j := range jobs {
		out[i] = *j
	}
	return out, nil
}

// StartJob transitions a pending cell to executing and consumes an attempt.
func (o *Orchestrator) StartJob(ctx context.Context, studyID, jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return err
	}
	job, ok := study.Graph.Job(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err := job.Start(o.now()); err != nil {
		return err
	}
	o.saveJobLocked(ctx, study, job)
	return nil
}

// CompleteJob records a successful result for an executing cell. Replays for
// an already-complete cell are no-ops; results for paused or terminal
// studies are discarded.
func (o *Orchestrator) CompleteJob(ctx context.Context, studyID, jobID string, res *domain.QueryResponse) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return err
	}
	if study.Status != domain.StudyExecuting && study.Status != domain.StudyQueued {
		slog.Debug("discarding result for inactive study",
			slog.String("study_id", studyID),
			slog.String("job_id", jobID),
			slog.String("status", string(study.Status)))
		return fmt.Errorf("%w: study %s is %s", domain.ErrInvalidTransition, studyID, study.Status)
	}
	job, ok := study.Graph.Job(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err := job.Complete(res, o.now()); err != nil {
		return err
	}
	o.saveJobLocked(ctx, study, job)
	if o.repo != nil && res != nil {
		if err := o.repo.SaveResult(ctx, studyID, jobID, res); err != nil {
			slog.Error("save result failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	o.evaluateCompletionLocked(ctx, study)
	return nil
}

// FailJob records a failed attempt. Retryable failures with attempts left go
// back to pending behind the backoff gate; the rest are terminal for the
// cell. Terminal error codes override the retryable flag.
func (o *Orchestrator) FailJob(ctx context.Context, studyID, jobID string, serr *domain.SurfaceError, retryable bool, backoff time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return err
	}
	if study.Status != domain.StudyExecuting && study.Status != domain.StudyQueued {
		return fmt.Errorf("%w: study %s is %s", domain.ErrInvalidTransition, studyID, study.Status)
	}
	job, ok := study.Graph.Job(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if serr != nil && serr.Terminal() {
		retryable = false
	}
	now := o.now()
	status, err := job.Fail(serr, retryable, now.Add(backoff), now)
	if err != nil {
		return err
	}
	o.saveJobLocked(ctx, study, job)
	if status == domain.JobFailed {
		o.evaluateCompletionLocked(ctx, study)
	}
	return nil
}

// StudyView is the immutable snapshot GetStudy returns.
type StudyView struct {
	ID         string
	TenantID   string
	Status     domain.StudyStatus
	Progress   domain.StudyProgress
	Shortfalls []domain.SurfaceShortfall
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// GetStudy returns a point-in-time view with aggregate progress.
func (o *Orchestrator) GetStudy(studyID string) (StudyView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return StudyView{}, err
	}
	return StudyView{
		ID:         study.ID,
		TenantID:   study.TenantID,
		Status:     study.Status,
		Progress:   study.Graph.Progress(),
		Shortfalls: append([]domain.SurfaceShortfall(nil), study.Shortfalls...),
		CreatedAt:  study.CreatedAt,
		StartedAt:  study.StartedAt,
		FinishedAt: study.FinishedAt,
	}, nil
}

// JobView is one cell's outcome in the results listing.
type JobView struct {
	JobID        string
	QueryIndex   int
	SurfaceID    string
	LocationID   string
	Status       domain.JobStatus
	Attempts     int
	ResponseText string
	TokenUsage   *domain.TokenUsage
	Evidence     *domain.Evidence
	Error        *domain.SurfaceError
}

// GetStudyResults lists every cell of a study with its result or error.
func (o *Orchestrator) GetStudyResults(studyID string) ([]JobView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return nil, err
	}
	out := make([]JobView, 0, len(study.Graph.Order))
	for _, jobID := range study.Graph.Order {
		job := study.Graph.Jobs[jobID]
		view := JobView{
			JobID:      job.ID,
			QueryIndex: job.QueryIndex,
			SurfaceID:  job.SurfaceID,
			LocationID: job.LocationID,
			Status:     job.Status,
			Attempts:   job.Attempts,
			Error:      job.Error,
		}
		if job.Result != nil {
			view.ResponseText = job.Result.ResponseText
			view.TokenUsage = job.Result.TokenUsage
			view.Evidence = job.Result.Evidence
		}
		out = append(out, view)
	}
	return out, nil
}

// GetJob returns one cell's snapshot for detailed error retrieval.
func (o *Orchestrator) GetJob(studyID, jobID string) (domain.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return domain.Job{}, err
	}
	job, ok := study.Graph.Job(jobID)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return *job, nil
}

// ListStudies snapshots every registered study, newest first not guaranteed.
func (o *Orchestrator) ListStudies() []StudyView {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]StudyView, 0, len(o.studies))
	for _, study := range o.studies {
		out = append(out, StudyView{
			ID:         study.ID,
			TenantID:   study.TenantID,
			Status:     study.Status,
			Progress:   study.Graph.Progress(),
			Shortfalls: append([]domain.SurfaceShortfall(nil), study.Shortfalls...),
			CreatedAt:  study.CreatedAt,
			StartedAt:  study.StartedAt,
			FinishedAt: study.FinishedAt,
		})
	}
	return out
}

func (o *Orchestrator) studyLocked(studyID string) (*domain.Study, error) {
	study, ok := o.studies[studyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStudyNotFound, studyID)
	}
	return study, nil
}

// transitionLocked performs a legal state-machine move and bookkeeping for
// terminal states. Callers validate legality first where a caller error is
// possible; this guards the rest.
func (o *Orchestrator) transitionLocked(study *domain.Study, next domain.StudyStatus) {
	if !study.Status.CanTransitionTo(next) {
		slog.Error("illegal study transition suppressed",
			slog.String("study_id", study.ID),
			slog.String("from", string(study.Status)),
			slog.String("to", string(next)))
		return
	}
	study.Status = next
	study.UpdatedAt = o.now()
	if next.Terminal() {
		study.FinishedAt = study.UpdatedAt
		observability.StudiesActive.Dec()
		observability.StudiesFinishedTotal.WithLabelValues(string(next)).Inc()
		slog.Info("study finished",
			slog.String("study_id", study.ID),
			slog.String("status", string(next)),
			slog.Int("shortfalls", len(study.Shortfalls)))
	}
}

// evaluateCompletionLocked applies the completion criteria whenever a cell
// reaches a terminal state and when the graph settles.
func (o *Orchestrator) evaluateCompletionLocked(ctx context.Context, study *domain.Study) {
	if study.Status != domain.StudyExecuting && study.Status != domain.StudyQueued {
		return
	}
	progress := study.Graph.Progress()
	eval := o.validator.EvaluateCompletion(progress, study.Manifest.CompletionCriteria)

	switch {
	case study.Graph.Settled():
		if eval.CanComplete {
			o.transitionLocked(study, domain.StudyComplete)
		} else {
			study.Shortfalls = eval.Shortfalls
			o.transitionLocked(study, domain.StudyFailed)
		}
	case eval.Unreachable:
		// No remaining cell can lift the required surface over threshold;
		// fail now instead of burning the rest of the budget.
		study.Shortfalls = eval.Shortfalls
		now := o.now()
		for _, jobID := range study.Graph.Order {
			study.Graph.Jobs[jobID].Cancel(now)
		}
		if o.exec != nil {
			o.exec.ClearStudyJobs(study.ID)
		}
		o.transitionLocked(study, domain.StudyFailed)
	default:
		return
	}
	o.checkpointLocked(ctx, study)
}

func (o *Orchestrator) saveJobLocked(ctx context.Context, study *domain.Study, job *domain.Job) {
	if o.repo == nil {
		return
	}
	if err := o.repo.SaveJob(ctx, study.ID, job); err != nil {
		slog.Error("save job failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (o *Orchestrator) checkpointLocked(ctx context.Context, study *domain.Study) {
	if o.repo == nil {
		return
	}
	if err := o.repo.SaveStudy(ctx, study); err != nil {
		slog.Error("save study failed", slog.String("study_id", study.ID), slog.Any("error", err))
	}
}
