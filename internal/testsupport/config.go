package testsupport

import (
	"path/filepath"
	"testing"

	"lectern/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithMaxAttempts overrides the workflow attempt cap on the test config.
func WithMaxAttempts(n int) ConfigOption {
	return func(c *config.Config) {
		c.Workflow.MaxAttempts = n
	}
}

// WithConcurrencyLimit overrides the default batch concurrency limit.
func WithConcurrencyLimit(n int) ConfigOption {
	return func(c *config.Config) {
		c.Batch.DefaultConcurrencyLimit = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
