package config

const (
	defaultDataDir     = "~/.local/share/lectern"
	defaultArtifactDir = "~/.local/share/lectern/artifacts"
	defaultLogDir      = "~/.local/share/lectern/logs"
	defaultLogFormat   = "console"
	defaultLogLevel    = "info"

	defaultQueuePollInterval  = 5
	defaultErrorRetryInterval = 10
	defaultMaxAttempts        = 3
	defaultRetryBackoff       = 30

	defaultStuckThresholdMinutes    = 30
	defaultFailureRateWindowMinutes = 60
	defaultFailureRateAlert         = 0.20
	defaultRecentActivityMinutes    = 2
	defaultLongReservationMinutes   = 60

	defaultBatchConcurrencyLimit = 4
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			ArtifactDir: defaultArtifactDir,
			LogDir:      defaultLogDir,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			MaxAttempts:        defaultMaxAttempts,
			RetryBackoff:       defaultRetryBackoff,
		},
		Health: Health{
			StuckThresholdMinutes:    defaultStuckThresholdMinutes,
			FailureRateWindowMinutes: defaultFailureRateWindowMinutes,
			FailureRateAlert:         defaultFailureRateAlert,
			RecentActivityMinutes:    defaultRecentActivityMinutes,
			LongReservationMinutes:   defaultLongReservationMinutes,
		},
		Batch: Batch{
			DefaultConcurrencyLimit: defaultBatchConcurrencyLimit,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
