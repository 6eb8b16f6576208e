package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/ai-surface-visibility/internal/config"
)

// SetupLogger builds the process-wide JSON slog logger. Every line carries
// the service and environment so study and job logs aggregate cleanly across
// replicas. Debug level is dev-only.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
