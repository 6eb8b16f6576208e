package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/internal/observability"
)

// Run drives the orchestrator until ctx is done or the executor's event
// channel closes: a pump loop feeding drawable cells to the executor, an
// event consumer applying results one at a time, and a checkpoint ticker.
func (o *Orchestrator) Run(ctx context.Context, events <-chan domain.ExecutorEvent) {
	pump := time.NewTicker(o.opts.PumpInterval)
	defer pump.Stop()
	checkpoint := time.NewTicker(o.opts.CheckpointInterval)
	defer checkpoint.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("orchestrator stopping")
			return
		case ev, ok := <-events:
			if !ok {
				slog.Info("executor event channel closed, orchestrator stopping")
				return
			}
			o.HandleEvent(ctx, ev)
		case <-pump.C:
			o.PumpOnce(ctx)
		case <-checkpoint.C:
			o.CheckpointActive(ctx)
		}
	}
}

// PumpOnce draws drawable cells from every active study and submits them to
// the executor. Queued studies start executing on their first draw.
func (o *Orchestrator) PumpOnce(ctx context.Context) {
	for _, studyID := range o.activeStudyIDs() {
		o.pumpStudy(ctx, studyID)
	}
}

func (o *Orchestrator) activeStudyIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.studies))
	for id, study := range o.studies {
		switch study.Status {
		case domain.StudyQueued, domain.StudyExecuting:
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Orchestrator) pumpStudy(ctx context.Context, studyID string) {
	jobs, err := o.GetNextJobs(studyID, o.opts.PumpBatchSize)
	if err != nil {
		return
	}
	if len(jobs) == 0 {
		// A settled study with nothing drawable may be waiting on its final
		// evaluation (all cells terminal but no event raced it there).
		o.mu.Lock()
		if study, serr := o.studyLocked(studyID); serr == nil && study.Graph.Settled() {
			o.evaluateCompletionLocked(ctx, study)
		}
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	study, serr := o.studyLocked(studyID)
	if serr == nil && study.Status == domain.StudyQueued {
		o.transitionLocked(study, domain.StudyExecuting)
		study.StartedAt = o.now()
	}
	o.mu.Unlock()
	if serr != nil {
		return
	}

	for _, job := range jobs {
		if err := o.StartJob(ctx, studyID, job.ID); err != nil {
			continue
		}
		req := o.buildRequest(study, job)
		jctx := observability.ContextWithStudyID(ctx, studyID)
		jctx = observability.ContextWithJobID(jctx, job.ID)
		if err := o.exec.SubmitJob(req); err != nil {
			slog.Warn("submit refused, requeueing cell",
				slog.String("job_id", job.ID), slog.Any("error", err))
			o.requeueCell(jctx, studyID, job.ID)
			return
		}
	}
}

func (o *Orchestrator) buildRequest(study *domain.Study, job domain.Job) domain.JobExecutionRequest {
	m := study.Manifest
	req := domain.JobExecutionRequest{
		JobID:            job.ID,
		StudyID:          study.ID,
		TenantID:         study.TenantID,
		SurfaceID:        job.SurfaceID,
		LocationID:       job.LocationID,
		AttemptNumber:    job.Attempts + 1,
		MaxAttempts:      job.MaxAttempts,
		Priority:         job.Priority,
		EvidenceLevel:    m.EvidenceLevel,
		QualityGates:     m.QualityGates,
		SessionIsolation: m.SessionIsolation,
	}
	if job.QueryIndex < len(m.Queries) {
		req.QueryText = m.Queries[job.QueryIndex].Text
	}
	return req
}

// requeueCell reverts a StartJob when the executor refused the submission,
// handing the attempt back.
func (o *Orchestrator) requeueCell(ctx context.Context, studyID, jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	study, err := o.studyLocked(studyID)
	if err != nil {
		return
	}
	job, ok := study.Graph.Job(jobID)
	if !ok {
		return
	}
	if err := job.Requeue(o.now()); err == nil {
		job.Attempts--
		o.saveJobLocked(ctx, study, job)
	}
}

// HandleEvent applies one executor event to the job graph. Validation runs
// here: a completed execution whose result fails the quality gates counts as
// a failed, retryable attempt.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev domain.ExecutorEvent) {
	switch ev.Kind {
	case domain.EventJobCompleted:
		if ev.Result == nil {
			return
		}
		o.applyCompleted(ctx, ev)
	case domain.EventJobRetrying:
		var serr *domain.SurfaceError
		if ev.Result != nil {
			serr = ev.Result.Error
		}
		if err := o.FailJob(ctx, ev.StudyID, ev.JobID, serr, true, ev.RetryDelay); err != nil {
			slog.Debug("retry event not applied", slog.String("job_id", ev.JobID), slog.Any("error", err))
		}
	case domain.EventJobFailed:
		var serr *domain.SurfaceError
		if ev.Result != nil {
			serr = ev.Result.Error
		}
		if err := o.FailJob(ctx, ev.StudyID, ev.JobID, serr, false, 0); err != nil {
			slog.Debug("failure event not applied", slog.String("job_id", ev.JobID), slog.Any("error", err))
		}
	case domain.EventWorkerStarted, domain.EventWorkerStopped, domain.EventQueueEmpty, domain.EventJobStarted:
		// Observability-only events; the graph does not move.
	}
}

func (o *Orchestrator) applyCompleted(ctx context.Context, ev domain.ExecutorEvent) {
	o.mu.Lock()
	study, err := o.studyLocked(ev.StudyID)
	if err != nil {
		o.mu.Unlock()
		return
	}
	gates := study.Manifest.QualityGates
	level := study.Manifest.EvidenceLevel
	o.mu.Unlock()

	validation := o.validator.ValidateJob(ev.Result.Response, gates, level)
	if validation.Failed() {
		serr := &domain.SurfaceError{
			Code:            domain.ErrorInvalidResponse,
			Message:         "quality gates failed: " + validation.FailureMessage(),
			Retryable:       true,
			SuggestedAction: domain.ActionRetry,
		}
		if err := o.FailJob(ctx, ev.StudyID, ev.JobID, serr, true, 0); err != nil {
			slog.Debug("quality failure not applied", slog.String("job_id", ev.JobID), slog.Any("error", err))
		}
		return
	}
	if err := o.CompleteJob(ctx, ev.StudyID, ev.JobID, ev.Result.Response); err != nil {
		slog.Debug("completion not applied", slog.String("job_id", ev.JobID), slog.Any("error", err))
	}
}

// CheckpointActive persists every non-terminal study.
func (o *Orchestrator) CheckpointActive(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, study := range o.studies {
		if !study.Status.Terminal() {
			o.checkpointLocked(ctx, study)
		}
	}
}

// FailStaleJobs fails cells stuck in executing longer than maxAge: crash
// recovery for results that will never arrive. Returns how many were failed.
func (o *Orchestrator) FailStaleJobs(ctx context.Context, maxAge time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.now().Add(-maxAge)
	failed := 0
	for _, study := range o.studies {
		if study.Status != domain.StudyExecuting {
			continue
		}
		for _, jobID := range study.Graph.Order {
			job := study.Graph.Jobs[jobID]
			if job.Status != domain.JobExecuting || !job.UpdatedAt.Before(cutoff) {
				continue
			}
			serr := &domain.SurfaceError{
				Code:            domain.ErrorTimeout,
				Message:         "job stuck in executing beyond " + maxAge.String(),
				Retryable:       true,
				SuggestedAction: domain.ActionRetry,
			}
			now := o.now()
			if _, err := job.Fail(serr, true, now, now); err == nil {
				failed++
				o.saveJobLocked(ctx, study, job)
			}
		}
		if failed > 0 {
			o.evaluateCompletionLocked(ctx, study)
		}
	}
	if failed > 0 {
		slog.Warn("stale executing jobs failed", slog.Int("count", failed), slog.Duration("max_age", maxAge))
	}
	return failed
}
