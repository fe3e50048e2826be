// Command orch runs the issue-driven development orchestrator, either as
// a long-lived service (label-fed queue, web surface, log streaming) or
// as a one-shot run of a single issue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/orch-dev/orch/pkg/agentexec"
	"github.com/orch-dev/orch/pkg/api"
	"github.com/orch-dev/orch/pkg/config"
	"github.com/orch-dev/orch/pkg/gitcmd"
	"github.com/orch-dev/orch/pkg/logstream"
	"github.com/orch-dev/orch/pkg/notify"
	"github.com/orch-dev/orch/pkg/orchestrator"
	"github.com/orch-dev/orch/pkg/queue"
	"github.com/orch-dev/orch/pkg/resilience"
	"github.com/orch-dev/orch/pkg/retry"
	"github.com/orch-dev/orch/pkg/tracker"
	"github.com/orch-dev/orch/pkg/version"
	"github.com/orch-dev/orch/pkg/worktree"
)

// Exit codes for one-shot mode.
const (
	exitSuccess          = 0
	exitFailure          = 1
	exitAwaitingApproval = 2
	exitInProgress       = 3
)

// drainBudget bounds how long shutdown waits for the in-flight
// orchestration before cancelling it.
const drainBudget = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configDir   = flag.String("config", ".", "directory holding orch.yaml")
		issueNumber = flag.Int("issue", 0, "orchestrate one issue and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return exitSuccess
	}

	// Best effort; the environment may already carry everything.
	_ = godotenv.Load()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		return exitFailure
	}
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "GITHUB_TOKEN is not set")
		return exitFailure
	}

	hub := logstream.NewHub(cfg.Service.MaxBufferSize)
	logger, fileSink, err := setupLogging(cfg, hub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return exitFailure
	}
	if fileSink != nil {
		defer fileSink.Close()
	}
	slog.SetDefault(logger)
	logger.Info("starting", "version", version.String(), "config", *configDir)

	client := tracker.NewGitHubClient(cfg.Tracker.Owner, cfg.Tracker.Repo, token)
	labels := tracker.Labels{Prefix: cfg.Tracker.LabelPrefix}
	git := gitcmd.NewRunner(cfg.Tracker.RepoPath, logger)
	notifier := notify.NewService(cfg.Notifier, logger)

	aiClient := agentexec.NewServiceClient(cfg.Execution.BaseURL)
	resil := resilience.NewManager(aiClient, cfg.StatusResilience.ModelFailover, cfg.Agents,
		func(rec resilience.FailoverRecord) {
			notifier.Notify(context.Background(), notify.Event{
				Kind:  notify.EventModelFailover,
				Title: fmt.Sprintf("Model failover for %s", rec.Agent),
				Message: fmt.Sprintf("%s/%s → %s/%s (%s)",
					rec.From.ProviderID, rec.From.ModelID, rec.To.ProviderID, rec.To.ModelID, rec.Reason),
			})
		}, logger)

	var dumper *agentexec.Dumper
	if cfg.Logging.DebugMode {
		dumper = agentexec.NewDumper(cfg.Logging.DebugLogDir, logger)
	}
	progress := &progressSwitch{}
	var logSnapshot func() string
	if fileSink != nil {
		logSnapshot = fileSink.Path
	}
	executor := agentexec.NewExecutor(aiClient, resil, progress,
		retry.Config{
			MaxAttempts:  cfg.Execution.Retry.MaxAttempts,
			InitialDelay: cfg.Execution.Retry.InitialDelay(),
			Multiplier:   cfg.Execution.Retry.BackoffMultiplier,
		},
		dumper, logSnapshot, logger)

	worktrees := worktree.NewManager(git, cfg.Worktree.BasePath, cfg.Tracker.Repo, cfg.Tracker.BaseBranch, logger)
	if pruned, err := worktrees.RepairDrift(context.Background()); err != nil {
		logger.Error("worktree registry repair failed", "error", err)
	} else if pruned > 0 {
		logger.Info("pruned drifted worktree entries", "count", pruned)
	}

	factory := &orchestrator.Factory{
		Client:     client,
		Labels:     labels,
		States:     tracker.NewStateStore(client, labels),
		Completion: tracker.NewCompletionPoller(client, labels, time.Duration(cfg.Execution.PollInterval)*time.Second),
		Executor:   executor,
		Worktrees:  worktrees,
		Git:        git,
		Notifier:   notifier,
		Config:     cfg,
		Logger:     logger,
	}
	if fileSink != nil {
		factory.LogPath = fileSink.Path
	}
	runIssue := func(ctx context.Context, n int) error {
		o := factory.New(n)
		progress.set(o.Reporter())
		defer progress.set(nil)
		return o.Run(ctx)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *issueNumber > 0 {
		return runOnce(ctx, factory, runIssue, *issueNumber, logger)
	}
	if !cfg.Service.IsEnabled() {
		fmt.Fprintln(os.Stderr, "service mode is disabled in configuration; run with -issue <n>")
		return exitFailure
	}
	return runService(ctx, cfg, client, labels, runIssue, hub, logger)
}

// runOnce orchestrates a single issue and maps its final state to an
// exit code.
func runOnce(ctx context.Context, factory *orchestrator.Factory, run queue.RunFunc, issueNumber int, logger *slog.Logger) int {
	err := run(ctx, issueNumber)

	state, stateErr := factory.States.Current(context.Background(), issueNumber)
	if stateErr != nil {
		logger.Error("could not read final state", "issue", issueNumber, "error", stateErr)
		if err != nil {
			return exitFailure
		}
		return exitSuccess
	}
	switch {
	case state == tracker.StateCompleted || state == tracker.StatePRCreated:
		return exitSuccess
	case state == tracker.StateAwaitingApproval:
		return exitAwaitingApproval
	case state.Resumable():
		return exitInProgress
	case err != nil:
		return exitFailure
	}
	return exitSuccess
}

// runService runs the queue loop, the source poller and the web surface
// until a signal arrives, then drains the in-flight orchestration.
func runService(ctx context.Context, cfg *config.Config, client tracker.Client,
	labels tracker.Labels, run queue.RunFunc, hub *logstream.Hub, logger *slog.Logger) int {

	// Orchestrations get their own context so intake can stop first and
	// the running issue can finish within the drain budget.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	q := queue.New(run, logger)
	q.Start(runCtx)

	poller := queue.NewSourcePoller(client, labels, q, cfg.Service.QueueLabel,
		cfg.Service.PollIntervalDuration(), logger)
	go poller.Start(ctx)

	server := api.NewServer(q, hub, cfg.Service.StaticDir, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Service.Host, cfg.Service.Port)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx, addr) }()

	logger.Info("service started", "addr", addr, "queue_label", cfg.Service.QueueLabel)
	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("web surface failed", "error", err)
			return exitFailure
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down, draining in-flight orchestration", "budget", drainBudget)
	deadline := time.Now().Add(drainBudget)
	for time.Now().Before(deadline) {
		if q.Snapshot().Running == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	cancelRuns()
	logger.Info("shutdown complete")
	return exitSuccess
}

// setupLogging builds the slog handler chain: stdout text handler teed
// through the hub, plus a daily file sink subscribed to the hub.
func setupLogging(cfg *config.Config, hub *logstream.Hub) (*slog.Logger, *logstream.FileSink, error) {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(logstream.NewHubHandler(hub, inner))

	if cfg.Logging.LogDir == "" {
		return logger, nil, nil
	}
	sink, err := logstream.NewFileSink(cfg.Logging.LogDir)
	if err != nil {
		return nil, nil, err
	}
	if err := hub.Subscribe(sink); err != nil {
		return nil, nil, err
	}
	return logger, sink, nil
}

// progressSwitch routes executor progress events to the reporter of the
// orchestration currently running. One orchestration runs at a time.
type progressSwitch struct {
	mu   sync.Mutex
	sink agentexec.ProgressSink
}

func (p *progressSwitch) set(sink agentexec.ProgressSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

func (p *progressSwitch) TaskProgress(issueNumber, subIssueNumber int, message string, toolsUsed int) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.TaskProgress(issueNumber, subIssueNumber, message, toolsUsed)
	}
}

func (p *progressSwitch) TaskRetry(issueNumber, subIssueNumber int, attempt int, reason string) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.TaskRetry(issueNumber, subIssueNumber, attempt, reason)
	}
}
