package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateHealth(); err != nil {
		return err
	}
	if err := c.validateBatch(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.ArtifactDir == "" {
		return errors.New("paths.artifact_dir must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.QueuePollInterval <= 0 {
		return errors.New("workflow.queue_poll_interval must be positive")
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		return errors.New("workflow.error_retry_interval must be positive")
	}
	if c.Workflow.MaxAttempts <= 0 {
		return errors.New("workflow.max_attempts must be positive")
	}
	if c.Workflow.RetryBackoff < 0 {
		return errors.New("workflow.retry_backoff must not be negative")
	}
	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.StuckThresholdMinutes <= 0 {
		return errors.New("health.stuck_threshold_minutes must be positive")
	}
	if c.Health.FailureRateWindowMinutes <= 0 {
		return errors.New("health.failure_rate_window_minutes must be positive")
	}
	if c.Health.FailureRateAlert < 0 || c.Health.FailureRateAlert > 1 {
		return errors.New("health.failure_rate_alert must be between 0 and 1")
	}
	if c.Health.RecentActivityMinutes <= 0 {
		return errors.New("health.recent_activity_minutes must be positive")
	}
	if c.Health.LongReservationMinutes <= 0 {
		return errors.New("health.long_reservation_minutes must be positive")
	}
	return nil
}

func (c *Config) validateBatch() error {
	if c.Batch.DefaultConcurrencyLimit <= 0 {
		return errors.New("batch.default_concurrency_limit must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
