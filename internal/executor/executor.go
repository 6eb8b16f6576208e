package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/observability"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// Options size and tune one executor. Zero values take the defaults.
type Options struct {
	WorkerCount                int
	MaxConcurrentJobsPerWorker int
	// JobTimeout is the hard per-job deadline, independent of any lower
	// timeout the adapter applies internally.
	JobTimeout time.Duration
	// EventBuffer sizes the event channel. The consumer must drain it; sends
	// block when it is full so no result is ever lost.
	EventBuffer int
	// StopGracePeriod bounds how long Stop waits for in-flight jobs.
	StopGracePeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerCount < 1 {
		o.WorkerCount = 4
	}
	if o.MaxConcurrentJobsPerWorker < 1 {
		o.MaxConcurrentJobsPerWorker = 1
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 120 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 1024
	}
	if o.StopGracePeriod <= 0 {
		o.StopGracePeriod = 30 * time.Second
	}
	return o
}

// Stats are the executor's running totals. GetStats returns a copy.
type Stats struct {
	WorkersStarted int64
	WorkersStopped int64
	JobsStarted    int64
	JobsCompleted  int64
	JobsFailed     int64
	JobsRetried    int64
	SuccessRate    float64
	MeanDuration   time.Duration
}

// Executor schedules jobs across the worker pool and dispatches each to the
// adapter registered for its surface id.
type Executor struct {
	opts     Options
	queue    *priorityQueue
	events   chan domain.ExecutorEvent
	strategy domain.RetryStrategy

	adaptersMu sync.RWMutex
	adapters   map[string]domain.SurfaceAdapter

	statsMu       sync.Mutex
	stats         Stats
	totalDuration time.Duration

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	workersDone sync.WaitGroup

	now func() time.Time
}

// New constructs an executor. strategy decides retry advice attached to
// failure events; nil takes the exponential default.
func New(opts Options, strategy domain.RetryStrategy) *Executor {
	opts = opts.withDefaults()
	if strategy == nil {
		strategy = domain.NewExponentialRetryStrategy(time.Second, 5*time.Minute)
	}
	return &Executor{
		opts:     opts,
		queue:    newPriorityQueue(),
		events:   make(chan domain.ExecutorEvent, opts.EventBuffer),
		strategy: strategy,
		adapters: make(map[string]domain.SurfaceAdapter),
		now:      time.Now,
	}
}

// RegisterAdapter adds or replaces the adapter for its surface id.
func (e *Executor) RegisterAdapter(a domain.SurfaceAdapter) {
	e.adaptersMu.Lock()
	defer e.adaptersMu.Unlock()
	e.adapters[a.SurfaceID()] = a
	slog.Info("adapter registered", slog.String("surface", a.SurfaceID()))
}

// UnregisterAdapter removes the adapter for surfaceID, if any.
func (e *Executor) UnregisterAdapter(surfaceID string) {
	e.adaptersMu.Lock()
	defer e.adaptersMu.Unlock()
	delete(e.adapters, surfaceID)
	slog.Info("adapter unregistered", slog.String("surface", surfaceID))
}

// Adapter returns the registered adapter for surfaceID.
func (e *Executor) Adapter(surfaceID string) (domain.SurfaceAdapter, bool) {
	e.adaptersMu.RLock()
	defer e.adaptersMu.RUnlock()
	a, ok := e.adapters[surfaceID]
	return a, ok
}

// AdapterStates snapshots every registered adapter.
func (e *Executor) AdapterStates() []domain.AdapterState {
	e.adaptersMu.RLock()
	defer e.adaptersMu.RUnlock()
	out := make([]domain.AdapterState, 0, len(e.adapters))
	for _, a := range e.adapters {
		out = append(out, a.State())
	}
	return out
}

// Events is the channel the orchestrator drains. Closed after Stop returns.
func (e *Executor) Events() <-chan domain.ExecutorEvent { return e.events }

// Start launches the worker pool. Idempotent start is an error; the executor
// is single-use.
func (e *Executor) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.started {
		return fmt.Errorf("executor already started")
	}
	e.started = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for id := 1; id <= e.opts.WorkerCount; id++ {
		e.workersDone.Add(1)
		go e.worker(ctx, id)
	}
	slog.Info("executor started",
		slog.Int("workers", e.opts.WorkerCount),
		slog.Int("slots_per_worker", e.opts.MaxConcurrentJobsPerWorker),
		slog.Duration("job_timeout", e.opts.JobTimeout))
	return nil
}

// Stop refuses new jobs, drains in-flight work up to the grace period, then
// cancels what remains and closes the event channel.
func (e *Executor) Stop() {
	e.lifecycleMu.Lock()
	if !e.started || e.stopped {
		e.lifecycleMu.Unlock()
		return
	}
	e.stopped = true
	e.lifecycleMu.Unlock()

	e.queue.Close()

	done := make(chan struct{})
	go func() {
		e.workersDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.opts.StopGracePeriod):
		slog.Warn("executor stop grace period elapsed, dropping in-flight work",
			slog.Duration("grace", e.opts.StopGracePeriod))
		e.cancel()
		<-done
	}
	e.cancel()
	close(e.events)
	slog.Info("executor stopped")
}

// SubmitJob enqueues one execution request.
func (e *Executor) SubmitJob(req domain.JobExecutionRequest) error {
	if !e.queue.Enqueue(req) {
		return fmt.Errorf("executor stopped: job %s refused", req.JobID)
	}
	observability.EnqueueJob(req.Priority.String())
	return nil
}

// SubmitJobs enqueues a batch, stopping at the first refusal.
func (e *Executor) SubmitJobs(reqs []domain.JobExecutionRequest) error {
	for _, req := range reqs {
		if err := e.SubmitJob(req); err != nil {
			return err
		}
	}
	return nil
}

// GetQueueLength is the number of queued, not-yet-dispatched jobs.
func (e *Executor) GetQueueLength() int { return e.queue.Len() }

// ClearQueue atomically drops all queued jobs and returns the count.
func (e *Executor) ClearQueue() int { return e.queue.Clear() }

// ClearStudyJobs drops queued jobs of one study; used on study cancellation.
func (e *Executor) ClearStudyJobs(studyID string) int { return e.queue.ClearStudy(studyID) }

// GetStats returns a copy of the running totals.
func (e *Executor) GetStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := e.stats
	finished := s.JobsCompleted + s.JobsFailed
	if finished > 0 {
		s.SuccessRate = float64(s.JobsCompleted) / float64(finished)
		s.MeanDuration = e.totalDuration / time.Duration(finished)
	}
	return s
}

// worker is one consumer loop. slots caps this worker's concurrent in-flight
// dispatches at MaxConcurrentJobsPerWorker.
func (e *Executor) worker(ctx context.Context, workerID int) {
	defer e.workersDone.Done()

	e.statsMu.Lock()
	e.stats.WorkersStarted++
	e.statsMu.Unlock()
	e.emit(domain.ExecutorEvent{Kind: domain.EventWorkerStarted, WorkerID: workerID})

	slots := make(chan struct{}, e.opts.MaxConcurrentJobsPerWorker)
	var inFlight sync.WaitGroup

	for {
		// Acquire a slot before drawing so a saturated worker never holds a
		// job hostage in between.
		slots <- struct{}{}
		req, ok, emptied := e.queue.Dequeue()
		if !ok {
			<-slots
			break
		}
		inFlight.Add(1)
		go func(req domain.JobExecutionRequest) {
			defer func() {
				<-slots
				inFlight.Done()
			}()
			e.dispatch(ctx, workerID, req)
		}(req)
		if emptied {
			e.emit(domain.ExecutorEvent{Kind: domain.EventQueueEmpty, WorkerID: workerID})
		}
	}
	inFlight.Wait()

	e.statsMu.Lock()
	e.stats.WorkersStopped++
	e.statsMu.Unlock()
	e.emit(domain.ExecutorEvent{Kind: domain.EventWorkerStopped, WorkerID: workerID})
}

// dispatch runs one request end to end and emits the outcome event.
func (e *Executor) dispatch(ctx context.Context, workerID int, req domain.JobExecutionRequest) {
	tracer := otel.Tracer("executor")
	ctx, span := tracer.Start(ctx, "executor.dispatch")
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("study.id", req.StudyID),
		attribute.String("surface.id", req.SurfaceID),
		attribute.Int("job.attempt", req.AttemptNumber),
	)
	defer span.End()

	started := e.now()
	e.statsMu.Lock()
	e.stats.JobsStarted++
	e.statsMu.Unlock()
	observability.StartProcessingJob()
	e.emit(domain.ExecutorEvent{
		Kind:     domain.EventJobStarted,
		WorkerID: workerID,
		StudyID:  req.StudyID,
		JobID:    req.JobID,
		Attempt:  req.AttemptNumber,
	})

	response := e.execute(ctx, req)
	finished := e.now()

	result := &domain.JobExecutionResult{
		JobID:         req.JobID,
		StudyID:       req.StudyID,
		Success:       response.Success,
		Response:      response,
		Error:         response.Error,
		AttemptNumber: req.AttemptNumber,
		WorkerID:      workerID,
		Metrics: domain.JobMetrics{
			StartedAt:  started,
			FinishedAt: finished,
			Duration:   finished.Sub(started),
		},
	}

	e.statsMu.Lock()
	e.totalDuration += result.Metrics.Duration
	e.statsMu.Unlock()

	if response.Success {
		e.statsMu.Lock()
		e.stats.JobsCompleted++
		e.statsMu.Unlock()
		observability.CompleteJob(result.Metrics.Duration)
		e.emit(domain.ExecutorEvent{
			Kind:     domain.EventJobCompleted,
			WorkerID: workerID,
			StudyID:  req.StudyID,
			JobID:    req.JobID,
			Attempt:  req.AttemptNumber,
			Result:   result,
		})
		return
	}

	code := domain.ErrorUnknown
	if response.Error != nil {
		code = response.Error.Code
	}
	observability.FailJob(string(code), result.Metrics.Duration)

	if e.strategy.ShouldRetry(req.AttemptNumber, req.MaxAttempts, response.Error) {
		delay := e.strategy.GetDelay(req.AttemptNumber)
		if response.Error != nil && response.Error.RetryDelay > delay {
			delay = response.Error.RetryDelay
		}
		e.statsMu.Lock()
		e.stats.JobsRetried++
		e.statsMu.Unlock()
		observability.RetryJob()
		e.emit(domain.ExecutorEvent{
			Kind:       domain.EventJobRetrying,
			WorkerID:   workerID,
			StudyID:    req.StudyID,
			JobID:      req.JobID,
			Attempt:    req.AttemptNumber,
			RetryDelay: delay,
			Result:     result,
		})
		return
	}

	e.statsMu.Lock()
	e.stats.JobsFailed++
	e.statsMu.Unlock()
	e.emit(domain.ExecutorEvent{
		Kind:     domain.EventJobFailed,
		WorkerID: workerID,
		StudyID:  req.StudyID,
		JobID:    req.JobID,
		Attempt:  req.AttemptNumber,
		Result:   result,
	})
}

// execute resolves the adapter and runs the query under the executor's own
// deadline, independent of whatever the adapter does internally.
func (e *Executor) execute(ctx context.Context, req domain.JobExecutionRequest) *domain.QueryResponse {
	adapter, ok := e.Adapter(req.SurfaceID)
	if !ok {
		return &domain.QueryResponse{
			Success: false,
			Error: &domain.SurfaceError{
				Code:            domain.ErrorAdapterMissing,
				Message:         fmt.Sprintf("no adapter registered for surface %s", req.SurfaceID),
				SuggestedAction: domain.ActionAlertHuman,
			},
		}
	}

	qreq := domain.QueryRequest{
		QueryText:     req.QueryText,
		SystemPrompt:  req.SystemPrompt,
		EvidenceLevel: req.EvidenceLevel,
	}
	if req.SessionIsolation == domain.SessionDedicated {
		qreq.SessionScope = req.StudyID
	}

	jctx, cancel := context.WithTimeout(ctx, e.opts.JobTimeout)
	defer cancel()

	type outcome struct{ res domain.QueryResponse }
	ch := make(chan outcome, 1)
	go func() {
		ch <- outcome{res: adapter.Query(jctx, qreq)}
	}()

	select {
	case out := <-ch:
		return &out.res
	case <-jctx.Done():
		return &domain.QueryResponse{
			Success: false,
			Error: &domain.SurfaceError{
				Code:            domain.ErrorTimeout,
				Message:         fmt.Sprintf("job timeout after %s on %s", e.opts.JobTimeout, req.SurfaceID),
				Retryable:       true,
				SuggestedAction: domain.ActionRetry,
			},
		}
	}
}

func (e *Executor) emit(ev domain.ExecutorEvent) {
	ev.ID = uuid.NewString()
	ev.At = e.now()
	e.events <- ev
}
