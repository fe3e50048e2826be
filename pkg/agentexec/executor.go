package agentexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/retry"
)

// maxFailoverAttempts bounds how many sessions the executor will start
// for a single task before giving up.
const maxFailoverAttempts = 3

// ModelProvider selects models per agent and absorbs hang and timeout
// reports. The resilience manager implements it.
type ModelProvider interface {
	CurrentModelFor(agent string) models.ModelRef
	// ReportModelTimeout records a stalled session and returns the
	// model to use next, or ok=false when failovers are exhausted.
	ReportModelTimeout(ctx context.Context, agent, sessionID string, elapsed time.Duration) (models.ModelRef, bool, error)
	// HandleHang terminates the stalled session.
	HandleHang(ctx context.Context, agent, sessionID string) error
	// ResetAgent clears the agent's failover state after a successful
	// run, restoring its primary model and failover budget.
	ResetAgent(agent string)
}

// staticModels is the provider used when resilience is disabled.
type staticModels struct{ ref models.ModelRef }

func (s staticModels) CurrentModelFor(string) models.ModelRef { return s.ref }
func (s staticModels) ReportModelTimeout(context.Context, string, string, time.Duration) (models.ModelRef, bool, error) {
	return models.ModelRef{}, false, nil
}
func (s staticModels) HandleHang(context.Context, string, string) error { return nil }
func (s staticModels) ResetAgent(string)                                {}

// StaticModelProvider returns a provider that always serves ref and
// never fails over.
func StaticModelProvider(ref models.ModelRef) ModelProvider { return staticModels{ref: ref} }

// ExecuteRequest describes one agent run.
type ExecuteRequest struct {
	Agent          string
	Prompt         string
	WorkingDir     string
	IssueNumber    int
	SubIssueNumber int
	// Timeout bounds the whole run including failover sessions. Zero
	// means no deadline beyond the caller's context.
	Timeout time.Duration
	// HangThreshold is how long the event stream may stay silent before
	// the session is presumed stalled. Zero disables hang detection.
	HangThreshold time.Duration
}

// Result is the outcome of a successful agent run.
type Result struct {
	Response      string
	SessionID     string
	Duration      time.Duration
	Attempts      int
	ToolsExecuted int
}

// Executor drives agent sessions end to end.
type Executor struct {
	client      *ServiceClient
	provider    ModelProvider
	sink        ProgressSink
	retryConfig retry.Config
	dumper      *Dumper
	// logSnapshot names the current log file so unreachable-service
	// errors can point operators at the evidence.
	logSnapshot func() string
	logger      *slog.Logger
}

// NewExecutor wires an Executor. sink and dumper may be nil.
func NewExecutor(client *ServiceClient, provider ModelProvider, sink ProgressSink,
	retryConfig retry.Config, dumper *Dumper, logSnapshot func() string, logger *slog.Logger) *Executor {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if logSnapshot == nil {
		logSnapshot = func() string { return "" }
	}
	return &Executor{
		client:      client,
		provider:    provider,
		sink:        sink,
		retryConfig: retryConfig,
		dumper:      dumper,
		logSnapshot: logSnapshot,
		logger:      logger.With("component", "agentexec"),
	}
}

// Fingerprint derives a stable id for an agent+prompt pair so resumed
// orchestrations reattach instead of double-submitting.
func Fingerprint(agent, prompt string) string {
	sum := sha256.Sum256([]byte(agent + "\x00" + prompt))
	return hex.EncodeToString(sum[:16])
}

// Execute runs the agent to completion, failing over to alternate
// models when a session stalls.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	start := time.Now()

	if err := e.client.Health(ctx); err != nil {
		if path := e.logSnapshot(); path != "" {
			return Result{}, fmt.Errorf("%w (log snapshot: %s)", err, path)
		}
		return Result{}, err
	}

	logger := e.logger.With("agent", req.Agent, "issue", req.IssueNumber)
	if req.SubIssueNumber > 0 {
		logger = logger.With("sub_issue", req.SubIssueNumber)
	}

	var lastErr error
	result := Result{}
	for session := 1; session <= maxFailoverAttempts; session++ {
		model := e.provider.CurrentModelFor(req.Agent)
		logger.Info("starting agent session", "session_attempt", session, "model", model.String())

		sessionID, err := retry.Do(ctx, e.retryConfig, func(ctx context.Context) (string, error) {
			return e.client.Submit(ctx, SubmitRequest{
				Agent:       req.Agent,
				Prompt:      req.Prompt,
				Model:       model,
				WorkingDir:  req.WorkingDir,
				Fingerprint: Fingerprint(req.Agent, req.Prompt),
			})
		})
		if err != nil {
			return Result{}, fmt.Errorf("agent %s: %w", req.Agent, err)
		}
		result.SessionID = sessionID

		res, stalled, err := e.stream(ctx, req, sessionID, &result, logger)
		if err == nil && !stalled {
			res.Duration = time.Since(start)
			if e.dumper != nil {
				e.dumper.DumpExchange(req.Agent, sessionID, req.Prompt, res.Response)
			}
			e.provider.ResetAgent(req.Agent)
			return res, nil
		}
		if err != nil && !stalled {
			return Result{}, err
		}

		// Stalled: kill, report, maybe fail over.
		lastErr = fmt.Errorf("agent %s session %s stalled after %s silence",
			req.Agent, sessionID, req.HangThreshold)
		if hangErr := e.provider.HandleHang(ctx, req.Agent, sessionID); hangErr != nil {
			logger.Error("hang recovery failed", "session_id", sessionID, "error", hangErr)
		}
		next, ok, reportErr := e.provider.ReportModelTimeout(ctx, req.Agent, sessionID, time.Since(start))
		if reportErr != nil {
			return Result{}, reportErr
		}
		if !ok {
			break
		}
		logger.Warn("failing over to alternate model",
			"session_id", sessionID, "next_model", next.String())
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("agent %s: exhausted %d session attempts", req.Agent, maxFailoverAttempts)
	}
	return Result{}, lastErr
}

// stream consumes the session's events. stalled=true means the stream
// went silent past the hang threshold.
func (e *Executor) stream(ctx context.Context, req ExecuteRequest, sessionID string,
	acc *Result, logger *slog.Logger) (Result, bool, error) {

	streamCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	events, err := e.client.Events(streamCtx, sessionID)
	if err != nil {
		return Result{}, false, fmt.Errorf("agent %s: %w", req.Agent, err)
	}

	var hangC <-chan time.Time
	var hangTimer *time.Timer
	if req.HangThreshold > 0 {
		hangTimer = time.NewTimer(req.HangThreshold)
		defer hangTimer.Stop()
		hangC = hangTimer.C
	}
	resetHang := func() {
		if hangTimer == nil {
			return
		}
		if !hangTimer.Stop() {
			select {
			case <-hangTimer.C:
			default:
			}
		}
		hangTimer.Reset(req.HangThreshold)
	}

	for {
		select {
		case <-streamCtx.Done():
			if ctx.Err() != nil {
				return Result{}, false, ctx.Err()
			}
			return Result{}, false, fmt.Errorf("agent %s: timed out after %s", req.Agent, req.Timeout)
		case <-hangC:
			logger.Warn("no session events within hang threshold",
				"session_id", sessionID, "threshold", req.HangThreshold)
			return Result{}, true, nil
		case ev, open := <-events:
			if !open {
				return Result{}, false, fmt.Errorf("agent %s: event stream ended without completion", req.Agent)
			}
			resetHang()
			switch ev.Kind {
			case EventToolCompleted:
				acc.ToolsExecuted++
				e.sink.TaskProgress(req.IssueNumber, req.SubIssueNumber, ev.Message, acc.ToolsExecuted)
				logger.Debug("tool completed", "tool", ev.Tool, "session_id", sessionID)
			case EventMessageReceived:
				e.sink.TaskProgress(req.IssueNumber, req.SubIssueNumber, ev.Message, acc.ToolsExecuted)
			case EventRetry:
				acc.Attempts = ev.Attempt
				e.sink.TaskRetry(req.IssueNumber, req.SubIssueNumber, ev.Attempt, ev.Message)
				logger.Warn("agent retrying", "attempt", ev.Attempt, "reason", ev.Message)
			case EventHangDetected:
				logger.Warn("service reported hang", "session_id", sessionID)
				return Result{}, true, nil
			case EventError:
				msg := ev.Error
				if msg == "" {
					msg = ev.Message
				}
				err := fmt.Errorf("agent %s: %s", req.Agent, msg)
				if retry.IsNonRetryable(err) {
					return Result{}, false, retry.Permanent(err)
				}
				return Result{}, false, err
			case EventCompleted:
				res := *acc
				if res.Attempts == 0 {
					res.Attempts = 1
				}
				res.Response = ev.Response
				return res, false, nil
			}
		}
	}
}

// IsUnreachable reports whether err stems from a failed service health
// check.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrServerUnreachable)
}
