// Command server starts the study execution core: the orchestrator, the job
// executor with its surface adapters, and the HTTP gateway.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/browser"
	eventsadapter "github.com/fairyhunter13/ai-surface-visibility/internal/adapter/events"
	eventspanda "github.com/fairyhunter13/ai-surface-visibility/internal/adapter/events/redpanda"
	httpserver "github.com/fairyhunter13/ai-surface-visibility/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/observability"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/session"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/surface"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/surface/llm"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/surface/search"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/surface/web"
	"github.com/fairyhunter13/ai-surface-visibility/internal/app"
	"github.com/fairyhunter13/ai-surface-visibility/internal/catalog"
	"github.com/fairyhunter13/ai-surface-visibility/internal/config"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/internal/executor"
	"github.com/fairyhunter13/ai-surface-visibility/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-surface-visibility/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness check interface.
type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, surface, and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Surface catalog drives adapter construction and manifest validation.
	cat, err := catalog.Load(cfg.SurfaceCatalogPath)
	if err != nil {
		slog.Error("catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("surface catalog loaded", slog.Int("surfaces", cat.Len()))

	// Study repository: Postgres when configured, in-memory otherwise.
	var (
		repo    domain.StudyRepository
		dbCheck func(context.Context) error
	)
	if cfg.DBURL != "" {
		pool, perr := postgres.NewPool(ctx, cfg.DBURL)
		if perr != nil {
			slog.Error("db connect failed", slog.Any("error", perr))
			os.Exit(1)
		}
		defer pool.Close()
		if serr := postgres.EnsureSchema(ctx, pool); serr != nil {
			slog.Error("schema setup failed", slog.Any("error", serr))
			os.Exit(1)
		}
		repo = postgres.NewStudyRepo(pool)
		dbCheck, _, _ = app.BuildReadinessChecks(pool, nil, nil)

		if cfg.DataRetentionDays > 0 {
			sweeper := postgres.NewSweeper(pool, cfg.DataRetentionDays, logger)
			go sweeper.Run(ctx, cfg.CleanupInterval)
			slog.Info("retention sweeper started",
				slog.Int("retention_days", cfg.DataRetentionDays),
				slog.Duration("interval", cfg.CleanupInterval))
		}
	} else {
		slog.Warn("DB_URL empty, studies held in memory only")
		repo = memory.New()
	}

	// Redis backs the cross-replica tenant budget; absent Redis the limiter
	// fails open.
	var (
		rdb        *redis.Client
		redisCheck func(context.Context) error
	)
	if cfg.RedisURL != "" {
		redisOpts, rerr := redis.ParseURL(cfg.RedisURL)
		if rerr != nil {
			slog.Error("redis url invalid", slog.Any("error", rerr))
			os.Exit(1)
		}
		rdb = redis.NewClient(redisOpts)
		defer func() { _ = rdb.Close() }()
		_, redisCheck, _ = app.BuildReadinessChecks(nil, redisPinger{c: rdb}, nil)
	} else {
		slog.Warn("REDIS_URL empty, tenant rate limiting disabled")
	}
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.NewBucketConfigFromPerHour(cfg.StudiesPerTenantPerHour))

	// Browser integration: captured-session surfaces need the driver gateway,
	// Redis for session records, and the session encryption key. Missing any
	// of the three leaves those surfaces unregistered.
	sessions, pages := buildBrowserIntegration(cfg, rdb, logger)

	// Executor pool with the catalog's adapters.
	exec := executor.New(executor.Options{
		WorkerCount:                cfg.WorkerCount,
		MaxConcurrentJobsPerWorker: cfg.MaxConcurrentJobsPerWorker,
		JobTimeout:                 cfg.JobTimeout,
	}, domain.NewExponentialRetryStrategy(cfg.BaseRetryDelay, cfg.MaxRetryDelay))
	registerAdapters(cfg, cat, exec, sessions, pages)

	validator := usecase.NewValidator(cfg.StrictMode)
	orchestrator := usecase.NewOrchestrator(repo, exec, validator, cat.Map(), usecase.Options{
		PumpInterval:       cfg.PumpInterval,
		PumpBatchSize:      cfg.PumpBatchSize,
		CheckpointInterval: cfg.CheckpointInterval,
	})

	if err := exec.Start(); err != nil {
		slog.Error("executor start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Event flow: executor -> (optional Redpanda mirror) -> orchestrator.
	events := exec.Events()
	var kafkaCheck func(context.Context) error
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	if len(cfg.KafkaBrokers) > 0 {
		pub, perr := eventspanda.NewPublisher(ctx, cfg.KafkaBrokers, cfg.EventsTopic, logger)
		if perr != nil {
			slog.Error("event mirror connect failed", slog.Any("error", perr))
			os.Exit(1)
		}
		defer func() { _ = pub.Close(context.Background()) }()
		_, _, kafkaCheck = app.BuildReadinessChecks(nil, nil, pub)
		events = eventsadapter.Tee(runCtx, events, pub)
	}

	orchestratorDone := make(chan struct{})
	go func() {
		orchestrator.Run(runCtx, events)
		close(orchestratorDone)
	}()

	// Crash recovery: fail cells stuck in executing well past the job timeout.
	watchdog := app.NewStaleJobWatchdog(orchestrator,
		time.Duration(cfg.StaleJobMultiplier)*cfg.JobTimeout, cfg.StaleJobInterval)
	go watchdog.Run(runCtx)

	srv := httpserver.NewServer(cfg, orchestrator, exec, limiter, dbCheck, redisCheck, kafkaCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Stop the pool first so every in-flight result is emitted, then let the
	// orchestrator drain the closed channel.
	exec.Stop()
	select {
	case <-orchestratorDone:
	case <-shutdownCtx.Done():
		slog.Warn("orchestrator did not drain before shutdown deadline")
	}
	stopRun()
}

// buildBrowserIntegration wires the session store and the page-driver client
// when all three prerequisites are configured. Any gap disables the
// web-chatbot surfaces with a warning rather than failing startup.
func buildBrowserIntegration(cfg config.Config, rdb *redis.Client, logger *slog.Logger) (domain.SessionStore, domain.BrowserProvider) {
	if cfg.BrowserDriverURL == "" {
		return nil, nil
	}
	if rdb == nil {
		slog.Warn("BROWSER_DRIVER_URL set but REDIS_URL empty, web-chatbot surfaces disabled")
		return nil, nil
	}
	key, err := hex.DecodeString(cfg.SessionCryptKey)
	if err != nil || len(key) != 32 {
		slog.Warn("SESSION_CRYPT_KEY missing or not 32 hex-encoded bytes, web-chatbot surfaces disabled")
		return nil, nil
	}
	store, err := session.New(rdb, key, cfg.SessionTTL)
	if err != nil {
		slog.Warn("session store setup failed, web-chatbot surfaces disabled", slog.Any("error", err))
		return nil, nil
	}
	// no client-level timeout; per-action deadlines come from the job context
	driverClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	slog.Info("browser driver configured", slog.String("endpoint", cfg.BrowserDriverURL))
	return store, browser.NewProvider(cfg.BrowserDriverURL, driverClient, logger)
}

// registerAdapters builds a leaf capability for every catalog surface the
// current configuration can serve and wraps each in the shared runtime
// policy. Surfaces without credentials or required integrations are skipped;
// jobs targeting them fail with ADAPTER_MISSING.
func registerAdapters(cfg config.Config, cat *catalog.Catalog, exec *executor.Executor, sessions domain.SessionStore, pages domain.BrowserProvider) {
	scrapeClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	runtimeOpts := surface.Options{
		BaseRetryDelay: cfg.BaseRetryDelay,
		QueryTimeout:   cfg.JobTimeout,
	}

	for _, s := range cat.All() {
		var leaf domain.SurfaceCapability
		switch s.ID {
		case "openai-api":
			leaf = openAICompatible(s, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
		case "perplexity-api":
			leaf = openAICompatible(s, cfg.PerplexityBaseURL, cfg.PerplexityAPIKey)
		case "xai-api":
			leaf = openAICompatible(s, cfg.XAIBaseURL, cfg.XAIAPIKey)
		case "together-api":
			leaf = openAICompatible(s, cfg.TogetherBaseURL, cfg.TogetherAPIKey)
		case "anthropic-api":
			if cfg.AnthropicAPIKey != "" {
				leaf = llm.NewAnthropic(llm.Config{Surface: s, BaseURL: cfg.AnthropicBaseURL, APIKey: cfg.AnthropicAPIKey})
			}
		case "google-ai-api":
			if cfg.GoogleAIAPIKey != "" {
				leaf = llm.NewGoogleAI(llm.Config{Surface: s, BaseURL: cfg.GoogleAIBaseURL, APIKey: cfg.GoogleAIAPIKey})
			}
		case "google-search":
			leaf = search.NewGoogle(s, scrapeClient, "")
		case "bing-search":
			leaf = search.NewBing(s, scrapeClient, "")
		case "amazon-web":
			leaf = search.NewAmazon(s, scrapeClient, "")
		case "zappos-web":
			leaf = search.NewZappos(s, scrapeClient, "")
		default:
			if s.AuthRequirement == domain.AuthCapturedSession && sessions != nil && pages != nil {
				if profile, ok := web.Profiles[s.ID]; ok {
					leaf = web.NewChatbot(s, profile, pages, sessions, nil)
				}
			}
		}

		if leaf == nil {
			reason := "no credentials configured"
			if s.AuthRequirement == domain.AuthCapturedSession {
				reason = "browser integration not configured"
			}
			slog.Warn("surface skipped",
				slog.String("surface", s.ID),
				slog.String("category", string(s.Category)),
				slog.String("reason", reason))
			continue
		}
		exec.RegisterAdapter(surface.NewRuntime(leaf, runtimeOpts))
	}
}

func openAICompatible(s domain.Surface, baseURL, apiKey string) domain.SurfaceCapability {
	if apiKey == "" {
		return nil
	}
	return llm.NewOpenAICompatible(llm.Config{Surface: s, BaseURL: baseURL, APIKey: apiKey})
}
