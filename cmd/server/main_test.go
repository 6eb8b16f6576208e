package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-surface-visibility/internal/catalog"
	"github.com/fairyhunter13/ai-surface-visibility/internal/config"
	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
	"github.com/fairyhunter13/ai-surface-visibility/internal/executor"
)

type stubSessions struct{}

func (stubSessions) Fetch(context.Context, string, string) (domain.CapturedSession, error) {
	return domain.CapturedSession{}, nil
}
func (stubSessions) Store(context.Context, string, domain.CapturedSession) error { return nil }
func (stubSessions) Delete(context.Context, string, string) error                { return nil }

type stubPages struct{}

func (stubPages) Acquire(context.Context, domain.CapturedSession) (domain.BrowserPage, error) {
	return nil, nil
}

func testCfg() config.Config {
	return config.Config{
		WorkerCount:                1,
		MaxConcurrentJobsPerWorker: 1,
		JobTimeout:                 time.Second,
		BaseRetryDelay:             time.Millisecond,
		MaxRetryDelay:              time.Second,
		OpenAIAPIKey:               "sk-test",
		OpenAIBaseURL:              "https://api.openai.com/v1",
	}
}

func newPool(t *testing.T, cfg config.Config) *executor.Executor {
	t.Helper()
	return executor.New(executor.Options{
		WorkerCount:                cfg.WorkerCount,
		MaxConcurrentJobsPerWorker: cfg.MaxConcurrentJobsPerWorker,
		JobTimeout:                 cfg.JobTimeout,
	}, domain.NewExponentialRetryStrategy(cfg.BaseRetryDelay, cfg.MaxRetryDelay))
}

func registeredIDs(e *executor.Executor) map[string]bool {
	ids := map[string]bool{}
	for _, st := range e.AdapterStates() {
		ids[st.SurfaceID] = true
	}
	return ids
}

func TestRegisterAdaptersSkipsWebSurfacesWithoutBrowserIntegration(t *testing.T) {
	t.Parallel()
	cat, err := catalog.Load("")
	require.NoError(t, err)

	exec := newPool(t, testCfg())
	registerAdapters(testCfg(), cat, exec, nil, nil)

	ids := registeredIDs(exec)
	assert.True(t, ids["openai-api"])
	for _, id := range []string{"chatgpt-web", "perplexity-web", "meta-ai-web", "copilot-web", "x-grok-web", "amazon-rufus"} {
		assert.False(t, ids[id], id)
	}
}

func TestRegisterAdaptersServesWebSurfacesWithBrowserIntegration(t *testing.T) {
	t.Parallel()
	cat, err := catalog.Load("")
	require.NoError(t, err)

	exec := newPool(t, testCfg())
	registerAdapters(testCfg(), cat, exec, stubSessions{}, stubPages{})

	ids := registeredIDs(exec)
	for _, id := range []string{"chatgpt-web", "perplexity-web", "meta-ai-web", "copilot-web", "x-grok-web", "amazon-rufus"} {
		assert.True(t, ids[id], id)
	}
}

func TestBuildBrowserIntegrationRequiresAllPrerequisites(t *testing.T) {
	t.Parallel()
	cfg := testCfg()

	sessions, pages := buildBrowserIntegration(cfg, nil, nil)
	assert.Nil(t, sessions)
	assert.Nil(t, pages)

	cfg.BrowserDriverURL = "http://driver:9222"
	sessions, pages = buildBrowserIntegration(cfg, nil, nil)
	assert.Nil(t, sessions, "no redis client")
	assert.Nil(t, pages)
}
