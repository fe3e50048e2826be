// Package config loads, validates and defaults the orchestrator
// configuration document.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/orch-dev/orch/pkg/models"
)

// Config is the complete configuration document.
type Config struct {
	Execution        ExecutionConfig        `yaml:"execution" json:"execution"`
	Agents           map[string]AgentConfig `yaml:"agents" json:"agents"`
	Tracker          TrackerConfig          `yaml:"tracker" json:"tracker"`
	Worktree         WorktreeConfig         `yaml:"worktree" json:"worktree"`
	Notifier         NotifierConfig         `yaml:"notifier" json:"notifier"`
	StatusTable      StatusTableConfig      `yaml:"statusTable" json:"statusTable"`
	Logging          LoggingConfig          `yaml:"logging" json:"logging"`
	Service          ServiceConfig          `yaml:"service" json:"service"`
	StatusResilience StatusResilienceConfig `yaml:"statusResilience" json:"statusResilience"`
}

// ExecutionConfig addresses the AI execution service and controls
// scheduling, retry and approval behavior.
type ExecutionConfig struct {
	BaseURL      string `yaml:"baseUrl" json:"baseUrl"`
	Timeout      int    `yaml:"timeout" json:"timeout"`           // seconds
	Retries      int    `yaml:"retries" json:"retries"`           // ambient client retries
	PollInterval int    `yaml:"pollInterval" json:"pollInterval"` // seconds

	Parallel    ParallelConfig `yaml:"parallel" json:"parallel"`
	Retry       RetryConfig    `yaml:"retry" json:"retry"`
	Testing     TestingConfig  `yaml:"testing" json:"testing"`
	AutoApprove bool           `yaml:"autoApprove" json:"autoApprove"`
}

// ParallelConfig caps concurrent test agents.
type ParallelConfig struct {
	MaxConcurrency Concurrency `yaml:"maxConcurrency" json:"maxConcurrency"`
}

// RetryConfig parameterizes the exponential-backoff executor.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"maxAttempts" json:"maxAttempts"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	InitialDelayMs    int     `yaml:"initialDelayMs" json:"initialDelayMs"`
}

// InitialDelay returns the configured first backoff delay.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

// TestingConfig controls the testing stage.
type TestingConfig struct {
	ContinueOnFailure bool `yaml:"continueOnFailure" json:"continueOnFailure"`
}

// AgentConfig binds an agent role to a model, a remote agent name and a
// per-agent timeout.
type AgentConfig struct {
	Model   models.ModelRef `yaml:"model" json:"model"`
	Agent   string          `yaml:"agent" json:"agent"`
	Timeout int             `yaml:"timeout" json:"timeout"` // seconds
}

// TimeoutDuration returns the agent timeout as a duration.
func (a AgentConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// TrackerConfig identifies the repository and issue-tracker behavior.
// Default-true toggles are pointers so mergo can tell an explicit
// `false` in the document from an absent key.
type TrackerConfig struct {
	Owner                string `yaml:"owner" json:"owner"`
	Repo                 string `yaml:"repo" json:"repo"`
	RepoPath             string `yaml:"repoPath" json:"repoPath"`
	BaseBranch           string `yaml:"baseBranch" json:"baseBranch"`
	LabelPrefix          string `yaml:"labelPrefix" json:"labelPrefix"`
	CreatePR             *bool  `yaml:"createPR,omitempty" json:"createPR,omitempty"`
	AutoMergePR          bool   `yaml:"autoMergePR" json:"autoMergePR"`
	CloseSubOnCompletion bool   `yaml:"closeSubOnCompletion" json:"closeSubOnCompletion"`
}

// CreatePREnabled reports whether a change request should be opened on
// completion. Unset means enabled.
func (t TrackerConfig) CreatePREnabled() bool {
	return t.CreatePR == nil || *t.CreatePR
}

// WorktreeConfig controls isolated working-copy placement and cleanup.
type WorktreeConfig struct {
	BasePath            string `yaml:"basePath" json:"basePath"`
	CleanupOnCompletion *bool  `yaml:"cleanupOnCompletion,omitempty" json:"cleanupOnCompletion,omitempty"`
	CleanupOnFailure    bool   `yaml:"cleanupOnFailure" json:"cleanupOnFailure"`
}

// CleanupOnCompletionEnabled reports whether worktrees are removed
// after a successful run. Unset means enabled.
func (w WorktreeConfig) CleanupOnCompletionEnabled() bool {
	return w.CleanupOnCompletion == nil || *w.CleanupOnCompletion
}

// Notification levels, most to least restrictive.
const (
	NotifyErrorsOnly       = "errors-only"
	NotifyStageTransitions = "stage-transitions"
	NotifyAllMajorEvents   = "all-major-events"
)

// NotifierConfig controls webhook delivery. BotToken and Channel are only
// needed for the file-attachment variant.
type NotifierConfig struct {
	WebhookURL        string   `yaml:"webhookUrl" json:"webhookUrl"`
	NotificationLevel string   `yaml:"notificationLevel" json:"notificationLevel"`
	MentionRoles      []string `yaml:"mentionRoles" json:"mentionRoles"`
	BotToken          string   `yaml:"botToken" json:"botToken"`
	Channel           string   `yaml:"channel" json:"channel"`
}

// StatusTableConfig controls the periodic status table updates.
type StatusTableConfig struct {
	UpdateIntervalSeconds  int   `yaml:"updateIntervalSeconds" json:"updateIntervalSeconds"`
	ShowRetryHistory       *bool `yaml:"showRetryHistory,omitempty" json:"showRetryHistory,omitempty"`
	MaxRetryHistoryEntries int   `yaml:"maxRetryHistoryEntries" json:"maxRetryHistoryEntries"`
}

// RetryHistoryEnabled reports whether the table renders retry history.
// Unset means enabled.
func (s StatusTableConfig) RetryHistoryEnabled() bool {
	return s.ShowRetryHistory == nil || *s.ShowRetryHistory
}

// UpdateInterval returns the table refresh period.
func (s StatusTableConfig) UpdateInterval() time.Duration {
	return time.Duration(s.UpdateIntervalSeconds) * time.Second
}

// LoggingConfig controls log level, directories and debug dumps.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	DebugMode   bool   `yaml:"debugMode" json:"debugMode"`
	LogDir      string `yaml:"logDir" json:"logDir"`
	DebugLogDir string `yaml:"debugLogDir" json:"debugLogDir"`
}

// ServiceConfig controls the queue service loop and web surface.
type ServiceConfig struct {
	Enabled       *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Port          int    `yaml:"port" json:"port"`
	Host          string `yaml:"host" json:"host"`
	PollInterval  int    `yaml:"pollInterval" json:"pollInterval"` // milliseconds
	QueueLabel    string `yaml:"queueLabel" json:"queueLabel"`
	MaxBufferSize int    `yaml:"maxBufferSize" json:"maxBufferSize"`
	StaticDir     string `yaml:"staticDir" json:"staticDir"`
}

// PollIntervalDuration returns the source poller period.
func (s ServiceConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Millisecond
}

// IsEnabled reports whether service mode may run. Unset means enabled.
func (s ServiceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StatusResilienceConfig controls hang recovery and model failover.
type StatusResilienceConfig struct {
	Features      ResilienceFeatures `yaml:"features" json:"features"`
	ModelFailover ModelFailover      `yaml:"modelFailover" json:"modelFailover"`
}

// ResilienceFeatures toggles hang detection paths.
type ResilienceFeatures struct {
	HangRecovery      *bool `yaml:"hangRecovery,omitempty" json:"hangRecovery,omitempty"`
	UseOcclientEvents *bool `yaml:"useOcclientEvents,omitempty" json:"useOcclientEvents,omitempty"`
	PollBasedFallback *bool `yaml:"pollBasedFallback,omitempty" json:"pollBasedFallback,omitempty"`
}

// HangRecoveryEnabled reports whether stalled sessions are detected and
// killed. Unset means enabled.
func (f ResilienceFeatures) HangRecoveryEnabled() bool {
	return f.HangRecovery == nil || *f.HangRecovery
}

// OcclientEventsEnabled reports whether the event stream feeds hang
// detection. Unset means enabled.
func (f ResilienceFeatures) OcclientEventsEnabled() bool {
	return f.UseOcclientEvents == nil || *f.UseOcclientEvents
}

// PollFallbackEnabled reports whether poll-based completion detection
// backs up the event stream. Unset means enabled.
func (f ResilienceFeatures) PollFallbackEnabled() bool {
	return f.PollBasedFallback == nil || *f.PollBasedFallback
}

// ModelFailover configures per-agent failback models.
type ModelFailover struct {
	Enabled                 *bool                      `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutThresholdSeconds int                        `yaml:"timeoutThresholdSeconds" json:"timeoutThresholdSeconds"`
	MaxFailoversPerAgent    int                        `yaml:"maxFailoversPerAgent" json:"maxFailoversPerAgent"`
	FailbackModels          map[string]models.ModelRef `yaml:"failbackModels" json:"failbackModels"`
}

// TimeoutThreshold returns the hang-detection threshold.
func (m ModelFailover) TimeoutThreshold() time.Duration {
	return time.Duration(m.TimeoutThresholdSeconds) * time.Second
}

// IsEnabled reports whether model failover is active. Unset means
// enabled.
func (m ModelFailover) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// BoolPtr returns a pointer to b, for building configs in code.
func BoolPtr(b bool) *bool {
	return &b
}

// Concurrency is an integer cap or the literal "auto" (= logical CPUs).
type Concurrency struct {
	Auto  bool
	Value int
}

// Resolve returns the effective cap.
func (c Concurrency) Resolve() int {
	if c.Auto || c.Value < 1 {
		return runtime.NumCPU()
	}
	return c.Value
}

// UnmarshalYAML accepts either an integer or "auto".
func (c *Concurrency) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int
	if err := unmarshal(&n); err == nil {
		c.Auto = false
		c.Value = n
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s != "auto" && s != "" {
		return fmt.Errorf("maxConcurrency must be an integer or \"auto\", got %q", s)
	}
	c.Auto = true
	return nil
}

// UnmarshalJSON accepts either an integer or "auto".
func (c *Concurrency) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == `"auto"` || s == `""` || s == "null" {
		c.Auto = true
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("maxConcurrency must be an integer or \"auto\", got %s", s)
	}
	c.Auto = false
	c.Value = n
	return nil
}

// MarshalYAML renders "auto" or the integer value.
func (c Concurrency) MarshalYAML() (interface{}, error) {
	if c.Auto {
		return "auto", nil
	}
	return c.Value, nil
}
