package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-surface-visibility/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 2, cfg.MaxConcurrentJobsPerWorker)
	assert.Equal(t, 8, cfg.MaxInFlightJobs())
	assert.Equal(t, 120*time.Second, cfg.JobTimeout)
	assert.Equal(t, "study.events", cfg.EventsTopic)
	assert.False(t, cfg.EnableAutoScale)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("JOB_TIMEOUT", "30s")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestValidateRejectsBadPool(t *testing.T) {
	t.Setenv("WORKER_COUNT", "0")
	_, err := config.Load()
	require.Error(t, err)
}

func TestValidateRejectsBadRetryBounds(t *testing.T) {
	t.Setenv("BASE_RETRY_DELAY", "10s")
	t.Setenv("MAX_RETRY_DELAY", "1s")
	_, err := config.Load()
	require.Error(t, err)
}
