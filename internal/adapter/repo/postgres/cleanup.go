package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper removes terminal studies past the retention window. Studies under
// legal hold are never touched; jobs and results cascade from the study row.
type Sweeper struct {
	Pool          PgxPool
	RetentionDays int
	log           *slog.Logger
}

// NewSweeper constructs a Sweeper; retentionDays <= 0 falls back to 90.
func NewSweeper(pool PgxPool, retentionDays int, log *slog.Logger) *Sweeper {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{Pool: pool, RetentionDays: retentionDays, log: log}
}

// SweepOnce deletes expired studies and returns how many were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	tag, err := s.Pool.Exec(ctx, `DELETE FROM studies
		WHERE finished_at IS NOT NULL AND finished_at < $1
		AND legal_hold = FALSE`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=retention.sweep: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info("retention sweep removed studies",
			slog.Int64("studies", n),
			slog.Time("cutoff", cutoff))
		return n, nil
	}
	return 0, nil
}

// Run sweeps on the interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("retention sweep failed", slog.Any("error", err))
			}
		}
	}
}
