package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orch-dev/orch/pkg/agentexec"
	"github.com/orch-dev/orch/pkg/config"
	"github.com/orch-dev/orch/pkg/gitcmd"
	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/retry"
	"github.com/orch-dev/orch/pkg/tracker"
	"github.com/orch-dev/orch/pkg/tracker/trackertest"
	"github.com/orch-dev/orch/pkg/worktree"
)

// fakeAgents is a scriptable AI service. Responses are queued per agent
// name; an agent with no queued response answers "done".
type fakeAgents struct {
	mu        sync.Mutex
	responses map[string][]string
	sessions  map[string]string
	submits   []agentexec.SubmitRequest
	nextID    int
	healthOK  bool
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		responses: make(map[string][]string),
		sessions:  make(map[string]string),
		healthOK:  true,
	}
}

func (f *fakeAgents) script(agent string, responses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[agent] = append(f.responses[agent], responses...)
}

func (f *fakeAgents) submitCount(agent string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.submits {
		if s.Agent == agent {
			n++
		}
	}
	return n
}

func (f *fakeAgents) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ok := f.healthOK
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req agentexec.SubmitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.submits = append(f.submits, req)
		response := "done"
		if queue := f.responses[req.Agent]; len(queue) > 0 {
			response = queue[0]
			f.responses[req.Agent] = queue[1:]
		}
		id := fmt.Sprintf("sess-%d", f.nextID)
		f.nextID++
		f.sessions[id] = response
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": id})
	})
	mux.HandleFunc("GET /sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		response := f.sessions[r.PathValue("id")]
		f.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range []agentexec.Event{
			{Kind: agentexec.EventToolCompleted, Tool: "edit", Message: "working"},
			{Kind: agentexec.EventCompleted, Response: response},
		} {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return mux
}

// harness wires a full orchestration stack over fakes and a throwaway
// git repository with a bare origin.
type harness struct {
	fake    *trackertest.FakeClient
	agents  *fakeAgents
	cfg     *config.Config
	factory *Factory
	repo    string

	mu          sync.Mutex
	handled     map[int]bool
	failures    map[int]int    // test sub-issue -> remaining failing runs
	failLabels  map[int]string // test sub-issue -> failure label override
	stalls      map[int]int    // test sub-issue -> remaining runs that never report back
	dirtyFixes  int            // fix tickets that leave work uncommitted
	commitN     int
	testsActive int
	testsPeak   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repo := initTestRepo(t)
	agents := newFakeAgents()
	server := httptest.NewServer(agents.handler())
	t.Cleanup(server.Close)

	cfg := config.Defaults()
	cfg.Execution.AutoApprove = true
	cfg.Tracker = config.TrackerConfig{
		Owner: "acme", Repo: "widgets", RepoPath: repo, BaseBranch: "main",
		CreatePR: config.BoolPtr(true), CloseSubOnCompletion: true,
	}
	cfg.Worktree = config.WorktreeConfig{BasePath: t.TempDir(), CleanupOnCompletion: config.BoolPtr(false)}
	for _, role := range []string{RoleArchitect, RoleSculptor, RoleSentinel, RoleCraftsman, RoleValidator} {
		cfg.Agents[role] = config.AgentConfig{Agent: role, Timeout: 10}
	}
	cfg.StatusResilience.ModelFailover.Enabled = config.BoolPtr(false)
	cfg.StatusResilience.Features.HangRecovery = config.BoolPtr(false)

	fake := trackertest.NewFakeClient()
	labels := tracker.Labels{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	git := gitcmd.NewRunner(repo, logger)
	client := agentexec.NewServiceClient(server.URL)
	executor := agentexec.NewExecutor(client,
		agentexec.StaticModelProvider(models.ModelRef{ProviderID: "p", ModelID: "m"}), nil,
		retry.Config{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond, Multiplier: 2.0},
		nil, nil, logger)

	h := &harness{
		fake:     fake,
		agents:   agents,
		cfg:      cfg,
		repo:     repo,
		handled:    make(map[int]bool),
		failures:   make(map[int]int),
		failLabels: make(map[int]string),
		stalls:     make(map[int]int),
	}
	h.factory = &Factory{
		Client:     fake,
		Labels:     labels,
		States:     tracker.NewStateStore(fake, labels),
		Completion: tracker.NewCompletionPoller(fake, labels, 10*time.Millisecond),
		Executor:   executor,
		Worktrees:  worktree.NewManager(git, cfg.Worktree.BasePath, "widgets", "main", logger),
		Git:        git,
		Notifier:   nil,
		Config:     cfg,
		Logger:     logger,
	}
	fake.LabelHook = h.onLabels
	return h
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	bare := t.TempDir()
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run(bare, "init", "--bare", "-b", "main")
	run(repo, "init", "-b", "main")
	run(repo, "config", "user.email", "test@example.com")
	run(repo, "config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("widgets\n"), 0o644))
	run(repo, "add", ".")
	run(repo, "commit", "-m", "initial commit")
	run(repo, "remote", "add", "origin", bare)
	run(repo, "push", "-u", "origin", "main")
	return repo
}

// failTest scripts the test sub-ticket to fail its next n runs.
func (h *harness) failTest(subIssue, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[subIssue] = n
}

// failTestWith is failTest with the failure label the agent reports.
func (h *harness) failTestWith(subIssue, n int, label string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[subIssue] = n
	h.failLabels[subIssue] = label
}

// stallTest scripts the test sub-ticket's next n runs to go silent:
// the agent picks the ticket up but never reports any outcome.
func (h *harness) stallTest(subIssue, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stalls[subIssue] = n
}

// leaveFixesDirty scripts the next n fix tickets to finish with their
// work left uncommitted in the worktree.
func (h *harness) leaveFixesDirty(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirtyFixes = n
}

// onLabels simulates the remote agents: a sub-ticket entering
// in-progress is "worked on" and completed shortly after.
func (h *harness) onLabels(number int, labels []string) {
	has := func(name string) bool {
		for _, l := range labels {
			if l == name {
				return true
			}
		}
		return false
	}
	if !has(tracker.LabelInProgress) || has(tracker.LabelAgentComplete) {
		if has(tracker.LabelPending) {
			// Re-armed for a re-run.
			h.mu.Lock()
			delete(h.handled, number)
			h.mu.Unlock()
		}
		return
	}

	h.mu.Lock()
	if h.handled[number] {
		h.mu.Unlock()
		return
	}
	h.handled[number] = true
	isTest := has(tracker.LabelTest)
	if isTest && h.stalls[number] > 0 {
		// The agent took the ticket and went silent.
		h.stalls[number]--
		h.mu.Unlock()
		return
	}
	isFix := has(tracker.LabelFixAttempt)
	leaveDirty := false
	if isFix && h.dirtyFixes > 0 {
		h.dirtyFixes--
		leaveDirty = true
	}
	shouldFail := false
	failLabel := tracker.LabelTestFailed
	if isTest {
		if h.failures[number] > 0 {
			h.failures[number]--
			shouldFail = true
			if override := h.failLabels[number]; override != "" {
				failLabel = override
			}
		}
		h.testsActive++
		if h.testsActive > h.testsPeak {
			h.testsPeak = h.testsActive
		}
	}
	h.mu.Unlock()

	go func() {
		time.Sleep(20 * time.Millisecond)
		ctx := context.Background()
		if !isTest {
			if leaveDirty {
				h.leaveUncommitted(number)
			} else {
				h.commitWork(number)
			}
		}
		if shouldFail {
			_ = h.fake.AddLabels(ctx, number, failLabel)
		}
		_ = h.fake.AddLabels(ctx, number, tracker.LabelAgentComplete)
		if isTest {
			h.mu.Lock()
			h.testsActive--
			h.mu.Unlock()
		}
	}()
}

// peakTestConcurrency reports the most test agents observed working at
// once.
func (h *harness) peakTestConcurrency() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.testsPeak
}

// commitWork leaves a commit in the issue worktree, like a real agent
// would.
func (h *harness) commitWork(subIssue int) {
	h.mu.Lock()
	h.commitN++
	n := h.commitN
	h.mu.Unlock()

	entries, _ := filepath.Glob(filepath.Join(h.cfg.Worktree.BasePath, "widgets-*"))
	for _, dir := range entries {
		name := filepath.Join(dir, fmt.Sprintf("work-%d-%d.txt", subIssue, n))
		if err := os.WriteFile(name, []byte("change\n"), 0o644); err != nil {
			continue
		}
		for _, args := range [][]string{{"add", "."}, {"commit", "-m", fmt.Sprintf("implement ticket %d", subIssue)}} {
			cmd := exec.Command("git", args...)
			cmd.Dir = dir
			_ = cmd.Run()
		}
	}
}

// leaveUncommitted drops a change in the issue worktree without
// committing it, like a fix agent that reported done too early.
func (h *harness) leaveUncommitted(subIssue int) {
	entries, _ := filepath.Glob(filepath.Join(h.cfg.Worktree.BasePath, "widgets-*"))
	for _, dir := range entries {
		name := filepath.Join(dir, fmt.Sprintf("fix-%d.txt", subIssue))
		_ = os.WriteFile(name, []byte("fix\n"), 0o644)
	}
}

func specJSON() string {
	return `{"requirements": ["search endpoint"], "acceptance_criteria": ["returns 200"],
	  "technical_approach": "add a handler", "complexity": "low"}`
}

func implTasksJSON() string {
	return `[{"id": "impl-1", "title": "Add handler", "description": "add the search handler",
	   "criteria": ["returns 200"], "depends_on": []},
	  {"id": "impl-2", "title": "Wire routes", "description": "register the route",
	   "criteria": ["route registered"], "depends_on": ["impl-1"]}]`
}

func testTasksJSON() string {
	return `[{"id": "test-1", "title": "Handler tests", "description": "cover the handler",
	   "test_scenarios": ["happy path", "empty query"], "depends_on": ["impl-1"]}]`
}

func (h *harness) scriptPlanning() {
	h.agents.script(RoleArchitect, specJSON())
	h.agents.script(RoleSculptor, implTasksJSON())
	h.agents.script(RoleSentinel, testTasksJSON())
}

func (h *harness) seedMaster() {
	h.fake.Seed(1, "Add search", "Please add full-text search.")
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	o := h.factory.New(1)
	o.approvalInterval = 10 * time.Millisecond
	return o.Run(ctx)
}

// subIssueByTitle finds a created sub-ticket by exact title.
func (h *harness) subIssueByTitle(title string) *tracker.Issue {
	for n := 2; n < 50; n++ {
		if issue := h.fake.Issue(n); issue != nil && issue.Title == title {
			return issue
		}
	}
	return nil
}
