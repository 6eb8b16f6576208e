package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// PgxPool is the minimal pgxpool subset the repo uses, kept narrow for
// stub-based tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// StudyRepo implements domain.StudyRepository on PostgreSQL.
type StudyRepo struct{ Pool PgxPool }

// NewStudyRepo constructs a StudyRepo with the given pool.
func NewStudyRepo(p PgxPool) *StudyRepo { return &StudyRepo{Pool: p} }

const upsertJobSQL = `INSERT INTO jobs
	(id, study_id, query_index, surface_id, location_id, category, status,
	 attempts, max_attempts, priority, next_eligible_at, error, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO UPDATE SET
	 status=EXCLUDED.status, attempts=EXCLUDED.attempts,
	 next_eligible_at=EXCLUDED.next_eligible_at, error=EXCLUDED.error,
	 updated_at=EXCLUDED.updated_at`

// SaveStudy checkpoints the full study: the study row plus every job row, in
// one transaction.
func (r *StudyRepo) SaveStudy(ctx domain.Context, s *domain.Study) error {
	tracer := otel.Tracer("repo.studies")
	ctx, span := tracer.Start(ctx, "studies.SaveStudy")
	defer span.End()

	manifest, err := json.Marshal(s.Manifest)
	if err != nil {
		return fmt.Errorf("op=study.save: marshal manifest: %w", err)
	}
	var shortfalls []byte
	if len(s.Shortfalls) > 0 {
		if shortfalls, err = json.Marshal(s.Shortfalls); err != nil {
			return fmt.Errorf("op=study.save: marshal shortfalls: %w", err)
		}
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=study.save: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO studies
		(id, tenant_id, status, manifest, shortfalls, legal_hold, created_at, updated_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
		 status=EXCLUDED.status, shortfalls=EXCLUDED.shortfalls,
		 updated_at=EXCLUDED.updated_at, started_at=EXCLUDED.started_at,
		 finished_at=EXCLUDED.finished_at`,
		s.ID, s.TenantID, s.Status, manifest, shortfalls, s.Manifest.LegalHold,
		s.CreatedAt, s.UpdatedAt, nullTime(s.StartedAt), nullTime(s.FinishedAt))
	if err != nil {
		return fmt.Errorf("op=study.save: %w", err)
	}

	if s.Graph != nil {
		for _, id := range s.Graph.Order {
			j := s.Graph.Jobs[id]
			args, err := jobArgs(j)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, upsertJobSQL, args...); err != nil {
				return fmt.Errorf("op=study.save: job %s: %w", j.ID, err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=study.save: commit: %w", err)
	}
	return nil
}

// SaveJob upserts one job row.
func (r *StudyRepo) SaveJob(ctx domain.Context, studyID string, j *domain.Job) error {
	tracer := otel.Tracer("repo.studies")
	ctx, span := tracer.Start(ctx, "studies.SaveJob")
	defer span.End()

	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, upsertJobSQL, args...); err != nil {
		return fmt.Errorf("op=job.save: %s: %w", j.ID, err)
	}
	_ = studyID
	return nil
}

// SaveResult stores a job's final response.
func (r *StudyRepo) SaveResult(ctx domain.Context, studyID, jobID string, res *domain.QueryResponse) error {
	tracer := otel.Tracer("repo.studies")
	ctx, span := tracer.Start(ctx, "studies.SaveResult")
	defer span.End()

	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=result.save: marshal: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `INSERT INTO results (job_id, study_id, response, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (job_id) DO UPDATE SET response=EXCLUDED.response`,
		jobID, studyID, b, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=result.save: %s: %w", jobID, err)
	}
	return nil
}

// LoadStudy reconstructs a study with its job graph and stored results.
func (r *StudyRepo) LoadStudy(ctx domain.Context, id string) (*domain.Study, error) {
	tracer := otel.Tracer("repo.studies")
	ctx, span := tracer.Start(ctx, "studies.LoadStudy")
	defer span.End()

	var (
		s          domain.Study
		manifest   []byte
		shortfalls []byte
		startedAt  *time.Time
		finishedAt *time.Time
	)
	row := r.Pool.QueryRow(ctx, `SELECT id, tenant_id, status, manifest, shortfalls, created_at, updated_at, started_at, finished_at
		FROM studies WHERE id=$1`, id)
	if err := row.Scan(&s.ID, &s.TenantID, &s.Status, &manifest, &shortfalls,
		&s.CreatedAt, &s.UpdatedAt, &startedAt, &finishedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("op=study.load: %s: %w", id, domain.ErrStudyNotFound)
		}
		return nil, fmt.Errorf("op=study.load: %w", err)
	}
	if err := json.Unmarshal(manifest, &s.Manifest); err != nil {
		return nil, fmt.Errorf("op=study.load: unmarshal manifest: %w", err)
	}
	if len(shortfalls) > 0 {
		if err := json.Unmarshal(shortfalls, &s.Shortfalls); err != nil {
			return nil, fmt.Errorf("op=study.load: unmarshal shortfalls: %w", err)
		}
	}
	if startedAt != nil {
		s.StartedAt = *startedAt
	}
	if finishedAt != nil {
		s.FinishedAt = *finishedAt
	}

	graph, err := r.loadGraph(ctx, &s)
	if err != nil {
		return nil, err
	}
	s.Graph = graph
	return &s, nil
}

// loadGraph rebuilds the deterministic graph shape from the manifest, then
// overlays the persisted job rows and results.
func (r *StudyRepo) loadGraph(ctx context.Context, s *domain.Study) (*domain.JobGraph, error) {
	rows, err := r.Pool.Query(ctx, `SELECT j.id, j.query_index, j.surface_id, j.location_id, j.category,
		j.status, j.attempts, j.max_attempts, j.priority, j.next_eligible_at, j.error,
		j.created_at, j.updated_at, res.response
		FROM jobs j LEFT JOIN results res ON res.job_id = j.id
		WHERE j.study_id=$1`, s.ID)
	if err != nil {
		return nil, fmt.Errorf("op=study.load: jobs: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*domain.Job)
	categories := make(map[string]domain.SurfaceCategory)
	for rows.Next() {
		var (
			j          domain.Job
			eligibleAt *time.Time
			errJSON    []byte
			respJSON   []byte
		)
		if err := rows.Scan(&j.ID, &j.QueryIndex, &j.SurfaceID, &j.LocationID, &j.Category,
			&j.Status, &j.Attempts, &j.MaxAttempts, &j.Priority, &eligibleAt, &errJSON,
			&j.CreatedAt, &j.UpdatedAt, &respJSON); err != nil {
			return nil, fmt.Errorf("op=study.load: scan job: %w", err)
		}
		j.StudyID = s.ID
		if eligibleAt != nil {
			j.NextEligibleAt = *eligibleAt
		}
		if len(errJSON) > 0 {
			if err := json.Unmarshal(errJSON, &j.Error); err != nil {
				return nil, fmt.Errorf("op=study.load: unmarshal job error: %w", err)
			}
		}
		if len(respJSON) > 0 {
			if err := json.Unmarshal(respJSON, &j.Result); err != nil {
				return nil, fmt.Errorf("op=study.load: unmarshal result: %w", err)
			}
		}
		byID[j.ID] = &j
		categories[j.SurfaceID] = j.Category
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=study.load: rows: %w", err)
	}

	graph := domain.NewJobGraph(s.ID, s.Manifest, categories, s.CreatedAt)
	for id, stored := range byID {
		if _, ok := graph.Jobs[id]; ok {
			graph.Jobs[id] = stored
		}
	}
	return graph, nil
}

func jobArgs(j *domain.Job) ([]any, error) {
	var errJSON []byte
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return nil, fmt.Errorf("op=job.save: marshal error: %w", err)
		}
		errJSON = b
	}
	return []any{
		j.ID, j.StudyID, j.QueryIndex, j.SurfaceID, j.LocationID, j.Category,
		j.Status, j.Attempts, j.MaxAttempts, int(j.Priority),
		nullTime(j.NextEligibleAt), errJSON, j.CreatedAt, j.UpdatedAt,
	}, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
