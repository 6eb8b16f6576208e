package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-surface-visibility/internal/config"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/internal/executor"
	"github.com/fairyhunter13/ai-surface-visibility/internal/usecase"
)

// StudyService is the orchestrator surface the gateway needs.
type StudyService interface {
	CreateStudy(ctx context.Context, tenantID string, m domain.Manifest) (string, error)
	PauseStudy(ctx context.Context, studyID string) error
	ResumeStudy(ctx context.Context, studyID string) error
	CancelStudy(ctx context.Context, studyID string) error
	GetStudy(studyID string) (usecase.StudyView, error)
	GetStudyResults(studyID string) ([]usecase.JobView, error)
	GetJob(studyID, jobID string) (domain.Job, error)
	ListStudies() []usecase.StudyView
}

// ExecutorInfo exposes the pool's operational counters.
type ExecutorInfo interface {
	GetStats() executor.Stats
	GetQueueLength() int
	AdapterStates() []domain.AdapterState
}

// TenantLimiter throttles study creation per tenant.
type TenantLimiter interface {
	Allow(ctx context.Context, tenantID string) (bool, time.Duration, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Studies    StudyService
	Executor   ExecutorInfo
	Limiter    TenantLimiter
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs the gateway with all handlers and checks wired.
func NewServer(cfg config.Config, studies StudyService, exec ExecutorInfo, limiter TenantLimiter,
	dbCheck, redisCheck, kafkaCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Studies:    studies,
		Executor:   exec,
		Limiter:    limiter,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		KafkaCheck: kafkaCheck,
	}
}

type createStudyResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateStudyHandler accepts a manifest and registers the study.
func (s *Server) CreateStudyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req manifestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed json: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		m, err := req.toManifest()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		if s.Limiter != nil {
			allowed, retryAfter, lerr := s.Limiter.Allow(r.Context(), req.TenantID)
			if lerr == nil && !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				writeError(w, r, fmt.Errorf("%w: tenant %s exceeded study creation budget", domain.ErrRateLimited, req.TenantID), nil)
				return
			}
		}

		id, err := s.Studies.CreateStudy(r.Context(), req.TenantID, m)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		view, err := s.Studies.GetStudy(id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("study created",
			"study_id", id,
			"tenant_id", req.TenantID,
			"cells", view.Progress.TotalJobs)
		writeJSON(w, http.StatusCreated, createStudyResponse{ID: id, Status: string(view.Status)})
	}
}

type studyResponse struct {
	ID         string                  `json:"id"`
	TenantID   string                  `json:"tenant_id"`
	Status     string                  `json:"status"`
	Progress   progressBody            `json:"progress"`
	BySurface  map[string]sliceBody    `json:"by_surface,omitempty"`
	ByLocation map[string]sliceBody    `json:"by_location,omitempty"`
	Shortfalls []shortfallBody         `json:"shortfalls,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
}

type progressBody struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Pending    int     `json:"pending"`
	Executing  int     `json:"executing"`
	Cancelled  int     `json:"cancelled"`
	Percentage float64 `json:"percentage"`
}

type sliceBody struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type shortfallBody struct {
	SurfaceID      string  `json:"surface_id"`
	CompletionRate float64 `json:"completion_rate"`
	Threshold      float64 `json:"threshold"`
}

func toStudyResponse(v usecase.StudyView) studyResponse {
	out := studyResponse{
		ID:       v.ID,
		TenantID: v.TenantID,
		Status:   string(v.Status),
		Progress: progressBody{
			Total:      v.Progress.TotalJobs,
			Completed:  v.Progress.CompletedJobs,
			Failed:     v.Progress.FailedJobs,
			Pending:    v.Progress.PendingJobs,
			Executing:  v.Progress.ExecutingJobs,
			Cancelled:  v.Progress.CancelledJobs,
			Percentage: v.Progress.CompletionPercentage,
		},
		CreatedAt: v.CreatedAt,
	}
	if len(v.Progress.BySurface) > 0 {
		out.BySurface = make(map[string]sliceBody, len(v.Progress.BySurface))
		for id, p := range v.Progress.BySurface {
			out.BySurface[id] = sliceBody{Total: p.Total, Completed: p.Completed, Failed: p.Failed}
		}
	}
	if len(v.Progress.ByLocation) > 0 {
		out.ByLocation = make(map[string]sliceBody, len(v.Progress.ByLocation))
		for id, p := range v.Progress.ByLocation {
			out.ByLocation[id] = sliceBody{Total: p.Total, Completed: p.Completed, Failed: p.Failed}
		}
	}
	for _, sf := range v.Shortfalls {
		out.Shortfalls = append(out.Shortfalls, shortfallBody{
			SurfaceID:      sf.SurfaceID,
			CompletionRate: sf.CompletionRate,
			Threshold:      sf.Threshold,
		})
	}
	if !v.StartedAt.IsZero() {
		out.StartedAt = &v.StartedAt
	}
	if !v.FinishedAt.IsZero() {
		out.FinishedAt = &v.FinishedAt
	}
	return out
}

// GetStudyHandler returns a study's status and aggregate progress.
func (s *Server) GetStudyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Studies.GetStudy(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toStudyResponse(view))
	}
}

// ListStudiesHandler returns every registered study.
func (s *Server) ListStudiesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		views := s.Studies.ListStudies()
		out := make([]studyResponse, 0, len(views))
		for _, v := range views {
			out = append(out, toStudyResponse(v))
		}
		writeJSON(w, http.StatusOK, map[string]any{"studies": out})
	}
}

type jobResultBody struct {
	JobID        string             `json:"job_id"`
	QueryIndex   int                `json:"query_index"`
	SurfaceID    string             `json:"surface_id"`
	LocationID   string             `json:"location_id"`
	Status       string             `json:"status"`
	Attempts     int                `json:"attempts"`
	ResponseText string             `json:"response_text,omitempty"`
	TokenUsage   *tokenUsageBody    `json:"token_usage,omitempty"`
	Evidence     *evidenceBody      `json:"evidence,omitempty"`
	Error        *surfaceErrorBody  `json:"error,omitempty"`
}

type tokenUsageBody struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Estimated        bool    `json:"estimated"`
}

type evidenceBody struct {
	Level       string    `json:"level"`
	URL         string    `json:"url,omitempty"`
	ContentHash string    `json:"content_hash"`
	CapturedAt  time.Time `json:"captured_at"`
}

type surfaceErrorBody struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// GetResultsHandler lists every cell of a study with its outcome.
func (s *Server) GetResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := s.Studies.GetStudyResults(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResultBody, 0, len(views))
		for _, v := range views {
			body := jobResultBody{
				JobID:        v.JobID,
				QueryIndex:   v.QueryIndex,
				SurfaceID:    v.SurfaceID,
				LocationID:   v.LocationID,
				Status:       string(v.Status),
				Attempts:     v.Attempts,
				ResponseText: v.ResponseText,
			}
			if v.TokenUsage != nil {
				body.TokenUsage = &tokenUsageBody{
					InputTokens:      v.TokenUsage.InputTokens,
					OutputTokens:     v.TokenUsage.OutputTokens,
					TotalTokens:      v.TokenUsage.TotalTokens,
					EstimatedCostUSD: v.TokenUsage.EstimatedCostUSD,
					Estimated:        v.TokenUsage.Estimated,
				}
			}
			if v.Evidence != nil {
				body.Evidence = &evidenceBody{
					Level:       string(v.Evidence.Level),
					URL:         v.Evidence.URL,
					ContentHash: v.Evidence.ContentHash,
					CapturedAt:  v.Evidence.CapturedAt,
				}
			}
			if v.Error != nil {
				body.Error = &surfaceErrorBody{
					Code:            string(v.Error.Code),
					Message:         v.Error.Message,
					Retryable:       v.Error.Retryable,
					SuggestedAction: string(v.Error.SuggestedAction),
				}
			}
			out = append(out, body)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

// GetJobHandler returns one cell with its full error detail.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Studies.GetJob(chi.URLParam(r, "id"), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := map[string]any{
			"job_id":       job.ID,
			"study_id":     job.StudyID,
			"surface_id":   job.SurfaceID,
			"location_id":  job.LocationID,
			"status":       string(job.Status),
			"attempts":     job.Attempts,
			"max_attempts": job.MaxAttempts,
		}
		if !job.NextEligibleAt.IsZero() {
			body["next_eligible_at"] = job.NextEligibleAt
		}
		if job.Error != nil {
			body["error"] = surfaceErrorBody{
				Code:            string(job.Error.Code),
				Message:         job.Error.Message,
				Retryable:       job.Error.Retryable,
				SuggestedAction: string(job.Error.SuggestedAction),
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// lifecycleHandler factors the pause/resume/cancel triplet.
func (s *Server) lifecycleHandler(action string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("study "+action, "study_id", id)
		view, err := s.Studies.GetStudy(id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, createStudyResponse{ID: id, Status: string(view.Status)})
	}
}

// PauseHandler pauses an executing study. The service lookup stays inside the
// closure so building the handler set does not dereference Studies.
func (s *Server) PauseHandler() http.HandlerFunc {
	return s.lifecycleHandler("paused", func(ctx context.Context, id string) error {
		return s.Studies.PauseStudy(ctx, id)
	})
}

// ResumeHandler resumes a paused study.
func (s *Server) ResumeHandler() http.HandlerFunc {
	return s.lifecycleHandler("resumed", func(ctx context.Context, id string) error {
		return s.Studies.ResumeStudy(ctx, id)
	})
}

// CancelHandler cancels a study in any non-terminal state.
func (s *Server) CancelHandler() http.HandlerFunc {
	return s.lifecycleHandler("cancelled", func(ctx context.Context, id string) error {
		return s.Studies.CancelStudy(ctx, id)
	})
}

// ExecutorStatsHandler reports pool counters, queue depth, and per-adapter
// state.
func (s *Server) ExecutorStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := s.Executor.GetStats()
		adapters := make([]map[string]any, 0)
		for _, st := range s.Executor.AdapterStates() {
			adapters = append(adapters, map[string]any{
				"surface_id":           st.SurfaceID,
				"healthy":              st.Health.Healthy,
				"recovering":           st.Health.Recovering,
				"consecutive_failures": st.Health.ConsecutiveFailures,
				"rate_limited":         st.RateLimit.Limited,
				"window_count":         st.RateLimit.CurrentCount,
				"total_queries":        st.Stats.TotalQueries,
				"successful_queries":   st.Stats.SuccessfulQueries,
				"failed_queries":       st.Stats.FailedQueries,
				"total_cost_usd":       st.Stats.TotalCostUSD,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"workers_started": stats.WorkersStarted,
			"jobs_started":    stats.JobsStarted,
			"jobs_completed":  stats.JobsCompleted,
			"jobs_failed":     stats.JobsFailed,
			"jobs_retried":    stats.JobsRetried,
			"success_rate":    stats.SuccessRate,
			"mean_duration":   stats.MeanDuration.String(),
			"queue_length":    s.Executor.GetQueueLength(),
			"adapters":        adapters,
		})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler is the readiness probe: every configured dependency must
// answer within two seconds.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]func(context.Context) error{
			"db":    s.DBCheck,
			"redis": s.RedisCheck,
			"kafka": s.KafkaCheck,
		}
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if check == nil {
				results[name] = "skipped"
				continue
			}
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"checks": results})
	}
}
