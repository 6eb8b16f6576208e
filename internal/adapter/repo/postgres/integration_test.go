package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// Full round trip against a real postgres. Needs docker; opt in with
// RUN_DB_INTEGRATION=1.
func TestStudyRepoIntegration(t *testing.T) {
	if testing.Short() || os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run against a postgres container")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "study",
			"POSTGRES_PASSWORD": "study",
			"POSTGRES_DB":       "study",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	req.HostConfigModifier = func(hc *containerTypes.HostConfig) {
		if hc.PortBindings == nil {
			hc.PortBindings = nat.PortMap{}
		}
	}
	pgC, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://study:study@%s:%s/study?sslmode=disable", host, port.Port())

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))

	repo := postgres.NewStudyRepo(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)
	m := domain.Manifest{
		Queries:    []domain.Query{{Text: "best running shoes"}, {Text: "best trail shoes"}},
		SurfaceIDs: []string{"openai-api", "google-search"},
		Locations:  []domain.Location{{ID: "us-east", Country: "US"}},
	}
	study := &domain.Study{
		ID:       "01INTEGRATION",
		TenantID: "tenant-1",
		Manifest: m,
		Status:   domain.StudyExecuting,
		Graph: domain.NewJobGraph("01INTEGRATION", m, map[string]domain.SurfaceCategory{
			"openai-api":    domain.CategoryLLMAPI,
			"google-search": domain.CategorySearchEngine,
		}, now),
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: now,
	}
	require.NoError(t, repo.SaveStudy(ctx, study))

	jobID := domain.CellID(study.ID, 0, "openai-api", "us-east")
	job := study.Graph.Jobs[jobID]
	require.NoError(t, job.Start(now))
	res := &domain.QueryResponse{Success: true, ResponseText: "Nike Pegasus"}
	require.NoError(t, job.Complete(res, now))
	require.NoError(t, repo.SaveJob(ctx, study.ID, job))
	require.NoError(t, repo.SaveResult(ctx, study.ID, jobID, res))

	got, err := repo.LoadStudy(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StudyExecuting, got.Status)
	require.NotNil(t, got.Graph)
	assert.Len(t, got.Graph.Jobs, m.CellCount())
	loaded := got.Graph.Jobs[jobID]
	require.NotNil(t, loaded)
	assert.Equal(t, domain.JobComplete, loaded.Status)
	require.NotNil(t, loaded.Result)
	assert.Equal(t, "Nike Pegasus", loaded.Result.ResponseText)
}
