package surface

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/observability"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

const (
	// circuitFailureThreshold opens the circuit: five consecutive
	// surface-wide failures, any success closes it.
	circuitFailureThreshold = 5
	// rateLimitWindow is how long a tripped rate limiter stays closed.
	rateLimitWindow = 60 * time.Second

	defaultMaxRetries      = 2
	defaultBaseRetryDelay  = time.Second
	defaultQueryTimeout    = 60 * time.Second
	defaultRecoveryTimeout = 30 * time.Second
)

// Options tune one adapter runtime. Zero values take the package defaults.
type Options struct {
	// MaxRetries bounds in-adapter retries for transient transport errors.
	// Rate-limit failures always surface immediately regardless.
	MaxRetries int
	// BaseRetryDelay scales the classification table's retry delays.
	BaseRetryDelay time.Duration
	// QueryTimeout is the per-call deadline when the request carries none.
	QueryTimeout time.Duration
	// RecoveryTimeout is how long an open circuit waits before allowing a
	// single probe.
	RecoveryTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = defaultBaseRetryDelay
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = defaultRecoveryTimeout
	}
	return o
}

// Runtime wraps one leaf capability with the cross-cutting adapter policy.
// Safe for concurrent use by worker goroutines; all counters mutate under a
// single lock, the leaf call itself runs outside it.
type Runtime struct {
	capability domain.SurfaceCapability
	meta       domain.Surface
	opts       Options

	mu            sync.Mutex
	stats         domain.AdapterStats
	rate          domain.RateLimitState
	health        domain.HealthState
	lastFailureAt time.Time
	probeInFlight bool

	now func() time.Time
}

// NewRuntime wraps capability with retry, rate-limit, and circuit policy.
func NewRuntime(capability domain.SurfaceCapability, opts Options) *Runtime {
	meta := capability.Metadata()
	return &Runtime{
		capability: capability,
		meta:       meta,
		opts:       opts.withDefaults(),
		rate:       domain.RateLimitState{MaxCount: meta.RateLimitRPM},
		health:     domain.HealthState{Healthy: true},
		now:        time.Now,
	}
}

// SurfaceID implements domain.SurfaceAdapter.
func (r *Runtime) SurfaceID() string { return r.meta.ID }

// Metadata implements domain.SurfaceAdapter.
func (r *Runtime) Metadata() domain.Surface { return r.meta }

// Query implements domain.SurfaceAdapter. Failures come back as values inside
// the response, never as panics or bare errors.
func (r *Runtime) Query(ctx domain.Context, req domain.QueryRequest) domain.QueryResponse {
	started := r.now()

	if serr := r.preflight(); serr != nil {
		r.recordSynthetic(serr)
		observability.ObserveSurfaceRequest(r.meta.ID, string(serr.Code), r.now().Sub(started))
		return r.failureResponse(serr, started)
	}

	var lastErr *domain.SurfaceError
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		res, err := r.callLeaf(ctx, req)
		if err == nil && res.Success {
			latency := r.now().Sub(started)
			r.recordSuccess(res.TokenUsage, latency)
			observability.ObserveSurfaceRequest(r.meta.ID, "ok", latency)
			if res.TokenUsage != nil {
				observability.AddSurfaceTokens(r.meta.ID, res.TokenUsage.InputTokens, res.TokenUsage.OutputTokens)
				observability.AddSurfaceCost(r.meta.ID, res.TokenUsage.EstimatedCostUSD)
			}
			res.Timing.Total = latency
			if res.Evidence != nil && res.Evidence.ContentHash == "" {
				res.Evidence.ContentHash = domain.HashContent([]byte(res.ResponseText))
			}
			return res
		}

		serr := res.Error
		if err != nil || serr == nil {
			serr = Classify(leafFailureMessage(res, err), r.opts.BaseRetryDelay)
		}
		r.recordFailure(serr)
		observability.ObserveSurfaceRequest(r.meta.ID, string(serr.Code), r.now().Sub(started))
		lastErr = serr

		// Rate-limit waits belong to the executor's retry strategy, not an
		// in-adapter sleep.
		if !serr.Retryable || serr.Code == domain.ErrorRateLimited || attempt == r.opts.MaxRetries {
			break
		}
		if err := sleepCtx(ctx, serr.RetryDelay<<attempt); err != nil {
			lastErr = Classify(fmt.Sprintf("timeout: %v", err), r.opts.BaseRetryDelay)
			break
		}
	}
	return r.failureResponse(lastErr, started)
}

// HealthCheck implements domain.SurfaceAdapter. It feeds circuit state (a
// successful probe closes the circuit) but never the query stats.
func (r *Runtime) HealthCheck(ctx domain.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	defer cancel()
	err := r.capability.ExecuteHealthCheck(cctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.resetHealthLocked()
		return nil
	}
	serr := Classify(err.Error(), r.opts.BaseRetryDelay)
	if serr.SurfaceWide {
		r.markFailureLocked(serr)
	}
	return fmt.Errorf("health check %s: %w", r.meta.ID, err)
}

// State implements domain.SurfaceAdapter. Reading refreshes an expired
// rate-limit window.
func (r *Runtime) State() domain.AdapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshRateWindowLocked()

	stats := r.stats
	stats.ErrorCounts = make(map[domain.ErrorCode]int64, len(r.stats.ErrorCounts))
	for code, n := range r.stats.ErrorCounts {
		stats.ErrorCounts[code] = n
	}
	return domain.AdapterState{
		SurfaceID: r.meta.ID,
		Stats:     stats,
		RateLimit: r.rate,
		Health:    r.health,
	}
}

// preflight applies the fail-fast gates: an active rate-limit window and the
// circuit breaker. Returns nil when the leaf may be invoked.
func (r *Runtime) preflight() *domain.SurfaceError {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	r.refreshRateWindowLocked()
	if r.rate.Limited && now.Before(r.rate.ResetAt) {
		return &domain.SurfaceError{
			Code:            domain.ErrorRateLimited,
			Message:         fmt.Sprintf("rate limit window active on %s", r.meta.ID),
			Retryable:       true,
			RetryDelay:      r.rate.ResetAt.Sub(now),
			SurfaceWide:     true,
			SuggestedAction: domain.ActionRetry,
		}
	}

	if r.health.ConsecutiveFailures >= circuitFailureThreshold {
		if now.Sub(r.lastFailureAt) < r.opts.RecoveryTimeout || r.probeInFlight {
			return &domain.SurfaceError{
				Code:            domain.ErrorServiceUnavailable,
				Message:         fmt.Sprintf("circuit open on %s after %d consecutive failures", r.meta.ID, r.health.ConsecutiveFailures),
				Retryable:       true,
				RetryDelay:      3 * r.opts.BaseRetryDelay,
				SurfaceWide:     true,
				SuggestedAction: domain.ActionRetry,
			}
		}
		// Recovery window elapsed: let exactly one probe through.
		r.probeInFlight = true
		r.health.Recovering = true
		observability.SetCircuitState(r.meta.ID, observability.CircuitRecovering)
		slog.Info("circuit probing recovery",
			slog.String("surface", r.meta.ID),
			slog.Int("consecutive_failures", r.health.ConsecutiveFailures))
	}
	return nil
}

func (r *Runtime) callLeaf(ctx domain.Context, req domain.QueryRequest) (domain.QueryResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.opts.QueryTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.capability.ExecuteQuery(cctx, req)
	if err != nil && cctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("timeout after %s: %w", timeout, err)
	}
	return res, err
}

func (r *Runtime) recordSuccess(usage *domain.TokenUsage, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	r.stats.TotalQueries++
	r.stats.SuccessfulQueries++
	n := r.stats.SuccessfulQueries
	r.stats.MeanLatency += (latency - r.stats.MeanLatency) / time.Duration(n)
	if usage != nil {
		r.stats.TotalInputTokens += int64(usage.InputTokens)
		r.stats.TotalOutputTokens += int64(usage.OutputTokens)
		r.stats.TotalCostUSD += usage.EstimatedCostUSD
	}

	if r.rate.MaxCount > 0 {
		r.rate.CurrentCount++
		if r.rate.CurrentCount >= r.rate.MaxCount && !r.rate.Limited {
			r.rate.Limited = true
			r.rate.ResetAt = now.Add(rateLimitWindow)
			slog.Warn("surface rate limit window tripped",
				slog.String("surface", r.meta.ID),
				slog.Int("count", r.rate.CurrentCount),
				slog.Time("reset_at", r.rate.ResetAt))
		}
	}

	r.resetHealthLocked()
}

func (r *Runtime) recordFailure(serr *domain.SurfaceError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalQueries++
	r.stats.FailedQueries++
	r.tallyLocked(serr.Code)
	if serr.SurfaceWide {
		r.markFailureLocked(serr)
	} else {
		// A failed probe that is not surface-wide still ends the probe.
		r.probeInFlight = false
	}
}

// recordSynthetic counts preflight rejections in the stats without touching
// circuit state; the circuit only moves on leaf observations.
func (r *Runtime) recordSynthetic(serr *domain.SurfaceError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalQueries++
	r.stats.FailedQueries++
	r.tallyLocked(serr.Code)
}

func (r *Runtime) tallyLocked(code domain.ErrorCode) {
	if r.stats.ErrorCounts == nil {
		r.stats.ErrorCounts = make(map[domain.ErrorCode]int64)
	}
	r.stats.ErrorCounts[code]++
}

func (r *Runtime) markFailureLocked(serr *domain.SurfaceError) {
	now := r.now()
	r.health.ConsecutiveFailures++
	r.health.LastError = serr.Message
	r.lastFailureAt = now
	r.probeInFlight = false
	r.health.Recovering = false
	if r.health.ConsecutiveFailures >= circuitFailureThreshold && r.health.Healthy {
		r.health.Healthy = false
		observability.SetCircuitState(r.meta.ID, observability.CircuitOpen)
		slog.Warn("circuit opened",
			slog.String("surface", r.meta.ID),
			slog.Int("consecutive_failures", r.health.ConsecutiveFailures),
			slog.String("last_error", serr.Message))
	}
}

func (r *Runtime) resetHealthLocked() {
	wasOpen := !r.health.Healthy
	r.health.ConsecutiveFailures = 0
	r.health.Healthy = true
	r.health.Recovering = false
	r.health.LastError = ""
	r.health.LastSuccessAt = r.now()
	r.probeInFlight = false
	if wasOpen {
		observability.SetCircuitState(r.meta.ID, observability.CircuitClosed)
		slog.Info("circuit closed after successful probe", slog.String("surface", r.meta.ID))
	}
}

func (r *Runtime) refreshRateWindowLocked() {
	if r.rate.Limited && !r.now().Before(r.rate.ResetAt) {
		r.rate.CurrentCount = 0
		r.rate.Limited = false
		r.rate.ResetAt = time.Time{}
	}
}

func (r *Runtime) failureResponse(serr *domain.SurfaceError, started time.Time) domain.QueryResponse {
	if serr == nil {
		serr = &domain.SurfaceError{
			Code:            domain.ErrorUnknown,
			Message:         "adapter returned no result",
			Retryable:       true,
			RetryDelay:      r.opts.BaseRetryDelay,
			SuggestedAction: domain.ActionRetry,
		}
	}
	return domain.QueryResponse{
		Success: false,
		Error:   serr,
		Timing:  domain.Timing{Total: r.now().Sub(started)},
	}
}

func leafFailureMessage(res domain.QueryResponse, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Error != nil {
		return res.Error.Message
	}
	return "leaf returned unsuccessful response without error detail"
}

func sleepCtx(ctx domain.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
