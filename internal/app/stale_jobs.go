package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// StaleJobFailer is the orchestrator surface the watchdog drives.
type StaleJobFailer interface {
	FailStaleJobs(ctx context.Context, maxAge time.Duration) int
}

// StaleJobWatchdog fails cells stuck in executing longer than maxAge. It
// covers crash recovery: a worker that died mid-job never sends a terminal
// event, so its cell would otherwise hang the study forever.
type StaleJobWatchdog struct {
	orchestrator StaleJobFailer
	maxAge       time.Duration
	interval     time.Duration
}

// NewStaleJobWatchdog builds the watchdog; maxAge should be a multiple of the
// job timeout so in-flight work is never reaped while still legitimate.
func NewStaleJobWatchdog(orchestrator StaleJobFailer, maxAge, interval time.Duration) *StaleJobWatchdog {
	if orchestrator == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 6 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleJobWatchdog{
		orchestrator: orchestrator,
		maxAge:       maxAge,
		interval:     interval,
	}
}

// Run sweeps on the configured interval until ctx is done.
func (w *StaleJobWatchdog) Run(ctx context.Context) {
	if w == nil {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job watchdog stopping")
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *StaleJobWatchdog) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.watchdog")
	ctx, span := tracer.Start(ctx, "StaleJobWatchdog.sweepOnce")
	defer span.End()

	failed := w.orchestrator.FailStaleJobs(ctx, w.maxAge)
	span.SetAttributes(
		attribute.Int("jobs.stale_failed", failed),
		attribute.Float64("jobs.max_age_seconds", w.maxAge.Seconds()),
	)
}
