package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/surface"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/surface/fake"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/internal/executor"
)

// startScenario wires scripted capabilities through the real executor and an
// orchestrator running its full loop, the same topology main assembles.
func startScenario(t *testing.T, leaves map[string]*fake.Capability) *Orchestrator {
	t.Helper()
	e := executor.New(executor.Options{
		WorkerCount:                2,
		MaxConcurrentJobsPerWorker: 2,
		JobTimeout:                 5 * time.Second,
	}, domain.NewExponentialRetryStrategy(time.Millisecond, 10*time.Millisecond))

	surfaces := make(map[string]domain.Surface, len(leaves))
	for id, leaf := range leaves {
		surfaces[id] = leaf.Metadata()
		e.RegisterAdapter(surface.NewRuntime(leaf, surface.Options{
			MaxRetries:     -1,
			BaseRetryDelay: time.Millisecond,
			QueryTimeout:   time.Second,
		}))
	}
	require.NoError(t, e.Start())

	o := NewOrchestrator(memory.New(), e, NewValidator(false), surfaces, Options{
		PumpInterval:       10 * time.Millisecond,
		PumpBatchSize:      8,
		CheckpointInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx, e.Events())
		close(done)
	}()
	t.Cleanup(func() {
		e.Stop()
		<-done
		cancel()
	})
	return o
}

func waitStatus(t *testing.T, o *Orchestrator, studyID string, want domain.StudyStatus) StudyView {
	t.Helper()
	var view StudyView
	require.Eventually(t, func() bool {
		v, err := o.GetStudy(studyID)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 10*time.Second, 10*time.Millisecond, "study never reached %s", want)
	return view
}

func llmSurface(id string) domain.Surface {
	return domain.Surface{ID: id, Category: domain.CategoryLLMAPI}
}

func searchSurface(id string) domain.Surface {
	return domain.Surface{ID: id, Category: domain.CategorySearchEngine}
}

func TestScenarioStudyCompletesAcrossSurfaces(t *testing.T) {
	t.Parallel()
	o := startScenario(t, map[string]*fake.Capability{
		"openai-api":    fake.New(llmSurface("openai-api")),
		"google-search": fake.New(searchSurface("google-search")),
	})

	id, err := o.CreateStudy(context.Background(), "acme", domain.Manifest{
		Queries:    []domain.Query{{Text: "best crm software"}, {Text: "best crm for startups"}},
		SurfaceIDs: []string{"openai-api", "google-search"},
		Locations:  []domain.Location{{ID: "us-east", Country: "US"}},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredSurfaces:  domain.RequiredSurfaces{SurfaceIDs: []string{"openai-api", "google-search"}, CoverageThreshold: 0.95},
			MaxRetriesPerCell: 3,
		},
	})
	require.NoError(t, err)

	view := waitStatus(t, o, id, domain.StudyComplete)
	assert.Equal(t, 4, view.Progress.CompletedJobs)
	assert.InDelta(t, 100, view.Progress.CompletionPercentage, 1e-9)

	results, err := o.GetStudyResults(id)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, domain.JobComplete, r.Status)
		assert.Contains(t, r.ResponseText, "echo[")
		require.NotNil(t, r.TokenUsage)
	}
}

func TestScenarioTransientFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	leaf := fake.New(llmSurface("openai-api"),
		fake.Fail("timeout after 60s: context deadline exceeded"),
		fake.OK("recovered: Salesforce, HubSpot, and Zoho lead."))
	o := startScenario(t, map[string]*fake.Capability{"openai-api": leaf})

	id, err := o.CreateStudy(context.Background(), "acme", domain.Manifest{
		Queries:    []domain.Query{{Text: "best crm software"}},
		SurfaceIDs: []string{"openai-api"},
		Locations:  []domain.Location{{ID: "us-east", Country: "US"}},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredSurfaces:  domain.RequiredSurfaces{SurfaceIDs: []string{"openai-api"}, CoverageThreshold: 1},
			MaxRetriesPerCell: 3,
		},
	})
	require.NoError(t, err)

	waitStatus(t, o, id, domain.StudyComplete)
	results, err := o.GetStudyResults(id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Contains(t, results[0].ResponseText, "recovered")
	assert.Equal(t, 2, leaf.Calls())
}

func TestScenarioContentBlockedShortfallFailsStudy(t *testing.T) {
	t.Parallel()
	// The first call answers; the second is blocked after a beat so the
	// completion lands before the terminal failure settles the graph.
	leaf := fake.New(llmSurface("openai-api"),
		fake.OK("Salesforce leads the CRM market."),
		fake.Step{Err: errors.New("response blocked by content policy"), Latency: 200 * time.Millisecond})
	o := startScenario(t, map[string]*fake.Capability{"openai-api": leaf})

	id, err := o.CreateStudy(context.Background(), "acme", domain.Manifest{
		Queries:    []domain.Query{{Text: "best crm software"}, {Text: "best crm for startups"}},
		SurfaceIDs: []string{"openai-api"},
		Locations:  []domain.Location{{ID: "us-east", Country: "US"}},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredSurfaces:  domain.RequiredSurfaces{SurfaceIDs: []string{"openai-api"}, CoverageThreshold: 1},
			MaxRetriesPerCell: 3,
		},
	})
	require.NoError(t, err)

	view := waitStatus(t, o, id, domain.StudyFailed)
	require.Len(t, view.Shortfalls, 1)
	assert.Equal(t, "openai-api", view.Shortfalls[0].SurfaceID)
	assert.InDelta(t, 0.5, view.Shortfalls[0].CompletionRate, 1e-9)

	results, err := o.GetStudyResults(id)
	require.NoError(t, err)
	require.Len(t, results, 2)
	var blocked *JobView
	for i := range results {
		if results[i].Error != nil {
			blocked = &results[i]
		}
	}
	require.NotNil(t, blocked)
	assert.Equal(t, domain.ErrorContentBlocked, blocked.Error.Code)
	assert.Equal(t, 1, blocked.Attempts, "terminal failures burn no further attempts")
}

func TestScenarioThresholdMetDespiteFailures(t *testing.T) {
	t.Parallel()
	steps := make([]fake.Step, 0, 10)
	for i := 0; i < 8; i++ {
		steps = append(steps, fake.OK("a solid answer naming the usual vendors"))
	}
	steps = append(steps,
		fake.Fail("response blocked by content policy"),
		fake.Fail("response blocked by content policy"))
	leaf := fake.New(llmSurface("openai-api"), steps...)
	o := startScenario(t, map[string]*fake.Capability{"openai-api": leaf})

	queries := make([]domain.Query, 10)
	for i := range queries {
		queries[i] = domain.Query{Text: "query"}
	}
	id, err := o.CreateStudy(context.Background(), "acme", domain.Manifest{
		Queries:    queries,
		SurfaceIDs: []string{"openai-api"},
		Locations:  []domain.Location{{ID: "us-east", Country: "US"}},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredSurfaces:  domain.RequiredSurfaces{SurfaceIDs: []string{"openai-api"}, CoverageThreshold: 0.8},
			MaxRetriesPerCell: 1,
		},
	})
	require.NoError(t, err)

	view := waitStatus(t, o, id, domain.StudyComplete)
	assert.Equal(t, 8, view.Progress.CompletedJobs)
	assert.Equal(t, 2, view.Progress.FailedJobs)
	assert.Empty(t, view.Shortfalls)
}

func TestScenarioOptionalSurfaceFailureDoesNotBlock(t *testing.T) {
	t.Parallel()
	o := startScenario(t, map[string]*fake.Capability{
		"openai-api": fake.New(llmSurface("openai-api")),
		"google-search": fake.New(searchSurface("google-search"),
			fake.Fail("response blocked by content policy")),
	})

	id, err := o.CreateStudy(context.Background(), "acme", domain.Manifest{
		Queries:    []domain.Query{{Text: "best crm software"}},
		SurfaceIDs: []string{"openai-api", "google-search"},
		Locations:  []domain.Location{{ID: "us-east", Country: "US"}},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredSurfaces:  domain.RequiredSurfaces{SurfaceIDs: []string{"openai-api"}, CoverageThreshold: 1},
			OptionalSurfaces:  []string{"google-search"},
			MaxRetriesPerCell: 2,
		},
	})
	require.NoError(t, err)

	view := waitStatus(t, o, id, domain.StudyComplete)
	assert.Equal(t, 1, view.Progress.CompletedJobs)
	assert.Equal(t, 1, view.Progress.FailedJobs)
	assert.Empty(t, view.Shortfalls)
}

func TestScenarioQualityGateRejectionRetries(t *testing.T) {
	t.Parallel()
	leaf := fake.New(llmSurface("openai-api"),
		fake.OK("thin"),
		fake.OK("A substantive answer naming Salesforce, HubSpot, Zoho, and Pipedrive in detail."))
	o := startScenario(t, map[string]*fake.Capability{"openai-api": leaf})

	id, err := o.CreateStudy(context.Background(), "acme", domain.Manifest{
		Queries:      []domain.Query{{Text: "best crm software"}},
		SurfaceIDs:   []string{"openai-api"},
		Locations:    []domain.Location{{ID: "us-east", Country: "US"}},
		QualityGates: domain.QualityGates{MinResponseLength: 50, RequireActualContent: true},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredSurfaces:  domain.RequiredSurfaces{SurfaceIDs: []string{"openai-api"}, CoverageThreshold: 1},
			MaxRetriesPerCell: 2,
		},
	})
	require.NoError(t, err)

	waitStatus(t, o, id, domain.StudyComplete)
	results, err := o.GetStudyResults(id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Attempts, "the gated-out first result consumed an attempt")
	assert.Contains(t, results[0].ResponseText, "substantive")
}

func TestScenarioCancelStopsExecution(t *testing.T) {
	t.Parallel()
	slow := fake.New(llmSurface("openai-api"), fake.Step{
		Response: domain.QueryResponse{Success: true, ResponseText: "slow answer"},
		Latency:  500 * time.Millisecond,
	})
	o := startScenario(t, map[string]*fake.Capability{"openai-api": slow})

	queries := make([]domain.Query, 8)
	for i := range queries {
		queries[i] = domain.Query{Text: "query"}
	}
	id, err := o.CreateStudy(context.Background(), "acme", domain.Manifest{
		Queries:    queries,
		SurfaceIDs: []string{"openai-api"},
		Locations:  []domain.Location{{ID: "us-east", Country: "US"}},
		CompletionCriteria: domain.CompletionCriteria{
			RequiredSurfaces:  domain.RequiredSurfaces{SurfaceIDs: []string{"openai-api"}, CoverageThreshold: 1},
			MaxRetriesPerCell: 1,
		},
	})
	require.NoError(t, err)

	waitStatus(t, o, id, domain.StudyExecuting)
	require.NoError(t, o.CancelStudy(context.Background(), id))

	view := waitStatus(t, o, id, domain.StudyCancelled)
	assert.Positive(t, view.Progress.CancelledJobs)
	assert.False(t, view.FinishedAt.IsZero())

	// In-flight results arriving after cancellation are discarded, never
	// resurrecting the study.
	time.Sleep(700 * time.Millisecond)
	after, err := o.GetStudy(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StudyCancelled, after.Status)
	assert.Equal(t, view.Progress.CompletedJobs, after.Progress.CompletedJobs)
}
