package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks cross-field consistency after defaults are merged.
func (c *Config) Validate() error {
	if c.Execution.BaseURL == "" {
		return fmt.Errorf("%w: execution.baseUrl is required", ErrInvalidConfig)
	}
	if c.Execution.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: execution.retry.maxAttempts must be >= 1", ErrInvalidConfig)
	}
	if c.Execution.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: execution.retry.backoffMultiplier must be >= 1", ErrInvalidConfig)
	}
	if c.Execution.Retry.InitialDelayMs < 0 {
		return fmt.Errorf("%w: execution.retry.initialDelayMs must be >= 0", ErrInvalidConfig)
	}

	for role, agent := range c.Agents {
		if agent.Timeout < 1 {
			return fmt.Errorf("%w: agents.%s.timeout must be >= 1 second", ErrInvalidConfig, role)
		}
	}

	switch c.Notifier.NotificationLevel {
	case NotifyErrorsOnly, NotifyStageTransitions, NotifyAllMajorEvents:
	default:
		return fmt.Errorf("%w: notifier.notificationLevel must be one of %q, %q, %q (got %q)",
			ErrInvalidConfig, NotifyErrorsOnly, NotifyStageTransitions, NotifyAllMajorEvents,
			c.Notifier.NotificationLevel)
	}

	if c.Service.IsEnabled() {
		if c.Service.Port < 1 || c.Service.Port > 65535 {
			return fmt.Errorf("%w: service.port must be in 1..65535", ErrInvalidConfig)
		}
		if c.Service.PollInterval < 100 {
			return fmt.Errorf("%w: service.pollInterval must be >= 100ms", ErrInvalidConfig)
		}
		if c.Service.QueueLabel == "" {
			return fmt.Errorf("%w: service.queueLabel is required when the service is enabled", ErrInvalidConfig)
		}
	}

	if c.StatusTable.UpdateIntervalSeconds < 1 {
		return fmt.Errorf("%w: statusTable.updateIntervalSeconds must be >= 1", ErrInvalidConfig)
	}

	if mf := c.StatusResilience.ModelFailover; mf.IsEnabled() {
		if mf.TimeoutThresholdSeconds < 1 {
			return fmt.Errorf("%w: statusResilience.modelFailover.timeoutThresholdSeconds must be >= 1", ErrInvalidConfig)
		}
		if mf.MaxFailoversPerAgent < 0 {
			return fmt.Errorf("%w: statusResilience.modelFailover.maxFailoversPerAgent must be >= 0", ErrInvalidConfig)
		}
	}
	return nil
}

// AgentFor returns the configuration for an agent role, falling back to a
// bare config with the role as agent name.
func (c *Config) AgentFor(role string) AgentConfig {
	if agent, ok := c.Agents[role]; ok {
		return agent
	}
	return AgentConfig{Agent: role, Timeout: c.Execution.Timeout}
}
