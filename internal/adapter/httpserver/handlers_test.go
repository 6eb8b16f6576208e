package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-surface-visibility/internal/config"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/internal/executor"
	"github.com/fairyhunter13/ai-surface-visibility/internal/usecase"
)

type fakeStudies struct {
	createErr    error
	createdID    string
	gotTenant    string
	gotManifest  domain.Manifest
	study        usecase.StudyView
	studyErr     error
	results      []usecase.JobView
	resultsErr   error
	job          domain.Job
	jobErr       error
	lifecycleErr error
	actions      []string
}

func (f *fakeStudies) CreateStudy(_ context.Context, tenantID string, m domain.Manifest) (string, error) {
	f.gotTenant = tenantID
	f.gotManifest = m
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createdID, nil
}

func (f *fakeStudies) PauseStudy(_ context.Context, id string) error {
	f.actions = append(f.actions, "pause:"+id)
	return f.lifecycleErr
}

func (f *fakeStudies) ResumeStudy(_ context.Context, id string) error {
	f.actions = append(f.actions, "resume:"+id)
	return f.lifecycleErr
}

func (f *fakeStudies) CancelStudy(_ context.Context, id string) error {
	f.actions = append(f.actions, "cancel:"+id)
	return f.lifecycleErr
}

func (f *fakeStudies) GetStudy(string) (usecase.StudyView, error) { return f.study, f.studyErr }

func (f *fakeStudies) GetStudyResults(string) ([]usecase.JobView, error) {
	return f.results, f.resultsErr
}

func (f *fakeStudies) GetJob(string, string) (domain.Job, error) { return f.job, f.jobErr }

func (f *fakeStudies) ListStudies() []usecase.StudyView { return []usecase.StudyView{f.study} }

type fakeExecInfo struct {
	stats  executor.Stats
	queue  int
	states []domain.AdapterState
}

func (f *fakeExecInfo) GetStats() executor.Stats            { return f.stats }
func (f *fakeExecInfo) GetQueueLength() int                 { return f.queue }
func (f *fakeExecInfo) AdapterStates() []domain.AdapterState { return f.states }

type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
	gotTenant  string
}

func (f *fakeLimiter) Allow(_ context.Context, tenantID string) (bool, time.Duration, error) {
	f.gotTenant = tenantID
	return f.allowed, f.retryAfter, nil
}

func testRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/studies", s.CreateStudyHandler())
	r.Get("/v1/studies", s.ListStudiesHandler())
	r.Get("/v1/studies/{id}", s.GetStudyHandler())
	r.Get("/v1/studies/{id}/results", s.GetResultsHandler())
	r.Get("/v1/studies/{id}/jobs/{jobID}", s.GetJobHandler())
	r.Post("/v1/studies/{id}/pause", s.PauseHandler())
	r.Post("/v1/studies/{id}/resume", s.ResumeHandler())
	r.Post("/v1/studies/{id}/cancel", s.CancelHandler())
	r.Get("/v1/executor/stats", s.ExecutorStatsHandler())
	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())
	return r
}

const validManifestBody = `{
	"tenant_id": "acme",
	"queries": [{"text": "best crm for startups", "category": "software"}],
	"surfaces": ["openai-api", "google-search"],
	"locations": [{"id": "us-east", "country": "US"}],
	"completion_criteria": {
		"required_surfaces": ["openai-api"],
		"coverage_threshold": 0.95,
		"max_retries_per_cell": 3
	},
	"evidence_level": "metadata"
}`

func TestCreateStudy(t *testing.T) {
	t.Parallel()
	studies := &fakeStudies{
		createdID: "01STUDY",
		study:     usecase.StudyView{ID: "01STUDY", Status: domain.StudyQueued},
	}
	s := NewServer(config.Config{}, studies, &fakeExecInfo{}, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/studies", strings.NewReader(validManifestBody))
	testRouter(s).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createStudyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "01STUDY", resp.ID)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "acme", studies.gotTenant)
	require.Len(t, studies.gotManifest.Queries, 1)
	assert.Equal(t, []string{"openai-api", "google-search"}, studies.gotManifest.SurfaceIDs)
	assert.Equal(t, domain.EvidenceMetadata, studies.gotManifest.EvidenceLevel)
}

func TestCreateStudyMalformedJSON(t *testing.T) {
	t.Parallel()
	s := NewServer(config.Config{}, &fakeStudies{}, &fakeExecInfo{}, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/studies", strings.NewReader("{not json"))
	testRouter(s).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestCreateStudyRejectsEmptyQueries(t *testing.T) {
	t.Parallel()
	s := NewServer(config.Config{}, &fakeStudies{}, &fakeExecInfo{}, nil, nil, nil, nil)
	body := `{"tenant_id":"acme","queries":[],"surfaces":["openai-api"],"locations":[{"id":"us","country":"US"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/studies", strings.NewReader(body))
	testRouter(s).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateStudyRejectsRequiredSurfaceOutsideSurfaces(t *testing.T) {
	t.Parallel()
	s := NewServer(config.Config{}, &fakeStudies{}, &fakeExecInfo{}, nil, nil, nil, nil)
	body := `{
		"tenant_id": "acme",
		"queries": [{"text": "q"}],
		"surfaces": ["openai-api"],
		"locations": [{"id": "us", "country": "US"}],
		"completion_criteria": {"required_surfaces": ["chatgpt-web"]}
	}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/studies", strings.NewReader(body))
	testRouter(s).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatgpt-web")
}

func TestCreateStudyTenantRateLimited(t *testing.T) {
	t.Parallel()
	limiter := &fakeLimiter{allowed: false, retryAfter: 90 * time.Second}
	studies := &fakeStudies{createdID: "x"}
	s := NewServer(config.Config{}, studies, &fakeExecInfo{}, limiter, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/studies", strings.NewReader(validManifestBody))
	testRouter(s).ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "91", rec.Header().Get("Retry-After"))
	assert.Equal(t, "acme", limiter.gotTenant)
	assert.Empty(t, studies.gotTenant, "study must not be created when throttled")
}

func TestGetStudyNotFound(t *testing.T) {
	t.Parallel()
	studies := &fakeStudies{studyErr: domain.ErrStudyNotFound}
	s := NewServer(config.Config{}, studies, &fakeExecInfo{}, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/studies/nope", nil)
	testRouter(s).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestGetStudyProgressAndShortfalls(t *testing.T) {
	t.Parallel()
	studies := &fakeStudies{study: usecase.StudyView{
		ID:       "01STUDY",
		TenantID: "acme",
		Status:   domain.StudyFailed,
		Progress: domain.StudyProgress{
			TotalJobs:            4,
			CompletedJobs:        2,
			FailedJobs:           2,
			CompletionPercentage: 0.5,
			BySurface: map[string]domain.SurfaceProgress{
				"openai-api": {Total: 2, Completed: 2},
			},
		},
		Shortfalls: []domain.SurfaceShortfall{
			{SurfaceID: "google-search", CompletionRate: 0, Threshold: 0.95},
		},
		CreatedAt: time.Now(),
	}}
	s := NewServer(config.Config{}, studies, &fakeExecInfo{}, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/studies/01STUDY", nil)
	testRouter(s).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp studyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, 4, resp.Progress.Total)
	assert.InDelta(t, 0.5, resp.Progress.Percentage, 1e-9)
	require.Len(t, resp.Shortfalls, 1)
	assert.Equal(t, "google-search", resp.Shortfalls[0].SurfaceID)
	assert.Equal(t, 2, resp.BySurface["openai-api"].Completed)
}

func TestGetResults(t *testing.T) {
	t.Parallel()
	studies := &fakeStudies{results: []usecase.JobView{
		{
			JobID:        "job-1",
			SurfaceID:    "openai-api",
			LocationID:   "us-east",
			Status:       domain.JobComplete,
			Attempts:     1,
			ResponseText: "answer",
			TokenUsage:   &domain.TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
			Evidence:     &domain.Evidence{Level: domain.EvidenceMetadata, ContentHash: "abc"},
		},
		{
			JobID:     "job-2",
			SurfaceID: "google-search",
			Status:    domain.JobFailed,
			Attempts:  3,
			Error: &domain.SurfaceError{
				Code:      domain.ErrorCaptchaRequired,
				Message:   "captcha wall",
				Retryable: false,
			},
		},
	}}
	s := NewServer(config.Config{}, studies, &fakeExecInfo{}, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/studies/01STUDY/results", nil)
	testRouter(s).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Results []jobResultBody `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "answer", resp.Results[0].ResponseText)
	assert.Equal(t, 30, resp.Results[0].TokenUsage.TotalTokens)
	assert.Equal(t, "abc", resp.Results[0].Evidence.ContentHash)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, "CAPTCHA_REQUIRED", resp.Results[1].Error.Code)
	assert.Nil(t, resp.Results[1].TokenUsage)
}

func TestGetJobDetail(t *testing.T) {
	t.Parallel()
	studies := &fakeStudies{job: domain.Job{
		ID:          "job-1",
		StudyID:     "01STUDY",
		SurfaceID:   "openai-api",
		Status:      domain.JobFailed,
		Attempts:    3,
		MaxAttempts: 3,
		Error: &domain.SurfaceError{
			Code:            domain.ErrorAuthFailed,
			Message:         "401 unauthorized",
			SuggestedAction: domain.ActionAlertHuman,
		},
	}}
	s := NewServer(config.Config{}, studies, &fakeExecInfo{}, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/studies/01STUDY/jobs/job-1", nil)
	testRouter(s).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_FAILED")
	assert.Contains(t, rec.Body.String(), "alert_human")
}

func TestLifecycleEndpoints(t *testing.T) {
	t.Parallel()
	studies := &fakeStudies{study: usecase.StudyView{ID: "01STUDY", Status: domain.StudyPaused}}
	s := NewServer(config.Config{}, studies, &fakeExecInfo{}, nil, nil, nil, nil)
	router := testRouter(s)

	for _, action := range []string{"pause", "resume", "cancel"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/studies/01STUDY/"+action, nil)
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, action)
	}
	assert.Equal(t, []string{"pause:01STUDY", "resume:01STUDY", "cancel:01STUDY"}, studies.actions)
}

func TestLifecycleConflict(t *testing.T) {
	t.Parallel()
	studies := &fakeStudies{lifecycleErr: domain.ErrInvalidTransition}
	s := NewServer(config.Config{}, studies, &fakeExecInfo{}, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/studies/01STUDY/pause", nil)
	testRouter(s).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "CONFLICT")
}

func TestExecutorStats(t *testing.T) {
	t.Parallel()
	exec := &fakeExecInfo{
		stats: executor.Stats{JobsCompleted: 9, JobsFailed: 1, SuccessRate: 0.9},
		queue: 5,
		states: []domain.AdapterState{{
			SurfaceID: "openai-api",
			Health:    domain.HealthState{Healthy: true},
			Stats:     domain.AdapterStats{TotalQueries: 10, SuccessfulQueries: 9, FailedQueries: 1},
		}},
	}
	s := NewServer(config.Config{}, &fakeStudies{}, exec, nil, nil, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/executor/stats", nil)
	testRouter(s).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 9, resp["jobs_completed"])
	assert.EqualValues(t, 5, resp["queue_length"])
	adapters, ok := resp["adapters"].([]any)
	require.True(t, ok)
	require.Len(t, adapters, 1)
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("connection refused") }

	s := NewServer(config.Config{}, &fakeStudies{}, &fakeExecInfo{}, nil, ok, ok, nil)
	rec := httptest.NewRecorder()
	testRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "skipped")

	s = NewServer(config.Config{}, &fakeStudies{}, &fakeExecInfo{}, nil, bad, ok, nil)
	rec = httptest.NewRecorder()
	testRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := NewServer(config.Config{}, &fakeStudies{}, &fakeExecInfo{}, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	testRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerConstructionWithoutCollaborators(t *testing.T) {
	t.Parallel()
	// Routers are built before collaborators may be reachable; constructing
	// the handler set must not touch them.
	s := NewServer(config.Config{}, nil, nil, nil, nil, nil, nil)
	assert.NotNil(t, s.CreateStudyHandler())
	assert.NotNil(t, s.GetStudyHandler())
	assert.NotNil(t, s.ListStudiesHandler())
	assert.NotNil(t, s.GetResultsHandler())
	assert.NotNil(t, s.GetJobHandler())
	assert.NotNil(t, s.PauseHandler())
	assert.NotNil(t, s.ResumeHandler())
	assert.NotNil(t, s.CancelHandler())
	assert.NotNil(t, s.ExecutorStatsHandler())
	assert.NotNil(t, s.HealthzHandler())
	assert.NotNil(t, s.ReadyzHandler())
}
