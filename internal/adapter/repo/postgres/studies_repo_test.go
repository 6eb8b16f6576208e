package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// poolStub implements postgres.PgxPool for tests; it records the last SQL and
// args handed to Exec.
type poolStub struct {
	execErr  error
	execTag  pgconn.CommandTag
	row      rowStub
	beginErr error
	lastSQL  string
	lastArgs []any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.lastSQL = sql
	p.lastArgs = args
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("query not configured")
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, p.beginErr
}

func TestSaveJobUpserts(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	r := postgres.NewStudyRepo(pool)
	j := &domain.Job{
		ID:          "s1:0:openai-api:us-east",
		StudyID:     "s1",
		SurfaceID:   "openai-api",
		LocationID:  "us-east",
		Status:      domain.JobPending,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, r.SaveJob(context.Background(), "s1", j))
	assert.Contains(t, pool.lastSQL, "INSERT INTO jobs")
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (id) DO UPDATE")
	assert.Equal(t, j.ID, pool.lastArgs[0])
}

func TestSaveJobError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: errors.New("connection refused")}
	r := postgres.NewStudyRepo(pool)
	err := r.SaveJob(context.Background(), "s1", &domain.Job{ID: "j1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.save")
}

func TestSaveResultUpserts(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	r := postgres.NewStudyRepo(pool)
	res := &domain.QueryResponse{Success: true, ResponseText: "answer"}
	require.NoError(t, r.SaveResult(context.Background(), "s1", "j1", res))
	assert.Contains(t, pool.lastSQL, "INSERT INTO results")
	assert.Equal(t, "j1", pool.lastArgs[0])
	assert.Equal(t, "s1", pool.lastArgs[1])
}

func TestLoadStudyNotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	r := postgres.NewStudyRepo(pool)
	_, err := r.LoadStudy(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrStudyNotFound)
}

func TestSaveStudyBeginFailure(t *testing.T) {
	t.Parallel()
	pool := &poolStub{beginErr: errors.New("pool exhausted")}
	r := postgres.NewStudyRepo(pool)
	err := r.SaveStudy(context.Background(), &domain.Study{ID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin")
}

func TestSweeperSkipsWhenNothingExpired(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 0")}
	s := postgres.NewSweeper(pool, 30, nil)
	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	// legal hold must always be excluded from the sweep
	assert.Contains(t, pool.lastSQL, "legal_hold = FALSE")
}

func TestSweeperCountsDeletions(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 4")}
	s := postgres.NewSweeper(pool, 0, nil) // 0 falls back to 90 days
	assert.Equal(t, 90, s.RetentionDays)
	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}
