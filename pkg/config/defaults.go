package config

import "github.com/orch-dev/orch/pkg/models"

// Defaults returns the baseline configuration merged under any loaded
// document. Every value here is overridable.
func Defaults() *Config {
	return &Config{
		Execution: ExecutionConfig{
			BaseURL:      "http://localhost:4096",
			Timeout:      600,
			Retries:      2,
			PollInterval: 2,
			Parallel: ParallelConfig{
				MaxConcurrency: Concurrency{Auto: true},
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffMultiplier: 2.0,
				InitialDelayMs:    1000,
			},
		},
		Agents: map[string]AgentConfig{
			"architect": {Agent: "architect", Timeout: 900},
			"sculptor":  {Agent: "sculptor", Timeout: 900},
			"sentinel":  {Agent: "sentinel", Timeout: 900},
			"craftsman": {Agent: "craftsman", Timeout: 1800},
			"validator": {Agent: "validator", Timeout: 1800},
		},
		Tracker: TrackerConfig{
			BaseBranch: "main",
			CreatePR:   BoolPtr(true),
		},
		Worktree: WorktreeConfig{
			BasePath: "../",
			// Failed runs keep their worktree for inspection.
			CleanupOnCompletion: BoolPtr(true),
			CleanupOnFailure:    false,
		},
		Notifier: NotifierConfig{
			NotificationLevel: NotifyAllMajorEvents,
		},
		StatusTable: StatusTableConfig{
			UpdateIntervalSeconds:  60,
			ShowRetryHistory:       BoolPtr(true),
			MaxRetryHistoryEntries: 5,
		},
		Logging: LoggingConfig{
			Level:       "info",
			LogDir:      "./logs",
			DebugLogDir: "./logs/debug",
		},
		Service: ServiceConfig{
			Enabled:       BoolPtr(true),
			Port:          8080,
			Host:          "0.0.0.0",
			PollInterval:  60000,
			QueueLabel:    "queue",
			MaxBufferSize: 10000,
			StaticDir:     "./web/dist",
		},
		StatusResilience: StatusResilienceConfig{
			Features: ResilienceFeatures{
				HangRecovery:      BoolPtr(true),
				UseOcclientEvents: BoolPtr(true),
				PollBasedFallback: BoolPtr(true),
			},
			ModelFailover: ModelFailover{
				Enabled:                 BoolPtr(true),
				TimeoutThresholdSeconds: 120,
				MaxFailoversPerAgent:    2,
				FailbackModels:          map[string]models.ModelRef{},
			},
		},
	}
}
