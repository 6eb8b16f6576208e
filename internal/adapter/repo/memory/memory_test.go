package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

func sampleStudy() *domain.Study {
	m := domain.Manifest{
		Queries:    []domain.Query{{Text: "best running shoes"}},
		SurfaceIDs: []string{"openai-api"},
		Locations:  []domain.Location{{ID: "us-east", Country: "US"}},
	}
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return &domain.Study{
		ID:        "01TESTSTUDY",
		TenantID:  "tenant-1",
		Manifest:  m,
		Status:    domain.StudyQueued,
		Graph:     domain.NewJobGraph("01TESTSTUDY", m, map[string]domain.SurfaceCategory{"openai-api": domain.CategoryLLMAPI}, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSaveLoadStudy(t *testing.T) {
	t.Parallel()
	r := New()
	ctx := context.Background()
	s := sampleStudy()
	require.NoError(t, r.SaveStudy(ctx, s))

	got, err := r.LoadStudy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, domain.StudyQueued, got.Status)
	require.NotNil(t, got.Graph)
	assert.Len(t, got.Graph.Jobs, 1)

	// stored copy must not alias the caller's study
	s.Status = domain.StudyCancelled
	got2, err := r.LoadStudy(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StudyQueued, got2.Status)
}

func TestLoadMissingStudy(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.LoadStudy(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrStudyNotFound)
}

func TestSaveJobRequiresStudy(t *testing.T) {
	t.Parallel()
	r := New()
	ctx := context.Background()
	err := r.SaveJob(ctx, "missing", &domain.Job{ID: "j1"})
	require.ErrorIs(t, err, domain.ErrStudyNotFound)

	s := sampleStudy()
	require.NoError(t, r.SaveStudy(ctx, s))
	require.NoError(t, r.SaveJob(ctx, s.ID, &domain.Job{ID: "j1"}))
}

func TestSaveResultRoundTrip(t *testing.T) {
	t.Parallel()
	r := New()
	res := &domain.QueryResponse{Success: true, ResponseText: "hello"}
	require.NoError(t, r.SaveResult(context.Background(), "study", "job-1", res))

	got, ok := r.Result("job-1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.ResponseText)
}
