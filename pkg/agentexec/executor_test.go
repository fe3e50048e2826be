package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/retry"
)

// fakeService is a scriptable stand-in for the AI service. Each
// submitted session replays the event script registered for it.
type fakeService struct {
	mu       sync.Mutex
	scripts  [][]Event
	next     int
	killed   []string
	healthOK bool
	submits  []SubmitRequest
}

func newFakeService() *fakeService {
	return &fakeService{healthOK: true}
}

func (f *fakeService) addScript(events ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, events)
}

func (f *fakeService) handler() http.Handler {
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
		var req SubmitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.submits = append(f.submits, req)
		id := fmt.Sprintf("sess-%d", f.next)
		f.next++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": id})
	})
	mux.HandleFunc("GET /sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		var idx int
		_, _ = fmt.Sscanf(r.PathValue("id"), "sess-%d", &idx)
		f.mu.Lock()
		var script []Event
		if idx < len(f.scripts) {
			script = f.scripts[idx]
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range script {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		// Keep the stream open briefly so hang detection, not EOF,
		// decides the outcome for silent scripts.
		if len(script) == 0 || script[len(script)-1].Kind != EventCompleted {
			time.Sleep(300 * time.Millisecond)
		}
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.killed = append(f.killed, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		killed := false
		for _, k := range f.killed {
			if k == r.PathValue("id") {
				killed = true
			}
		}
		f.mu.Unlock()
		if killed {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type recordingProvider struct {
	mu        sync.Mutex
	model     models.ModelRef
	failovers int
	maxFail   int
	hangs     []string
	resets    []string
}

func (p *recordingProvider) CurrentModelFor(string) models.ModelRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model
}

func (p *recordingProvider) ReportModelTimeout(_ context.Context, _, session string, _ time.Duration) (models.ModelRef, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failovers >= p.maxFail {
		return models.ModelRef{}, false, nil
	}
	p.failovers++
	p.model = models.ModelRef{ProviderID: "fallback", ModelID: fmt.Sprintf("backup-%d", p.failovers)}
	return p.model, true, nil
}

func (p *recordingProvider) HandleHang(_ context.Context, _, session string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangs = append(p.hangs, session)
	return nil
}

func (p *recordingProvider) ResetAgent(agent string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets = append(p.resets, agent)
}

type captureSink struct {
	mu       sync.Mutex
	progress []string
	retries  []int
}

func (s *captureSink) TaskProgress(_, _ int, msg string, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, msg)
}

func (s *captureSink) TaskRetry(_, _ int, attempt int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, attempt)
}

func newExecutor(t *testing.T, f *fakeService, provider ModelProvider, sink ProgressSink) *Executor {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	client := NewServiceClient(server.URL)
	return NewExecutor(client, provider, sink,
		retry.Config{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond, Multiplier: 2.0},
		nil, nil, nil)
}

func TestExecutor_CompletesAndCountsTools(t *testing.T) {
	f := newFakeService()
	f.addScript(
		Event{Kind: EventToolCompleted, Tool: "read", Message: "reading files"},
		Event{Kind: EventToolCompleted, Tool: "edit", Message: "editing handler"},
		Event{Kind: EventMessageReceived, Message: "almost done"},
		Event{Kind: EventCompleted, Response: "implemented the handler"},
	)
	sink := &captureSink{}
	exec := newExecutor(t, f, StaticModelProvider(models.ModelRef{ProviderID: "p", ModelID: "m"}), sink)

	res, err := exec.Execute(context.Background(), ExecuteRequest{
		Agent: "craftsman", Prompt: "do the thing", IssueNumber: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, "implemented the handler", res.Response)
	assert.Equal(t, 2, res.ToolsExecuted)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "sess-0", res.SessionID)
	assert.Contains(t, sink.progress, "almost done")
}

func TestExecutor_UnreachableServiceIsCritical(t *testing.T) {
	f := newFakeService()
	f.healthOK = false
	exec := newExecutor(t, f, StaticModelProvider(models.ModelRef{}), nil)

	_, err := exec.Execute(context.Background(), ExecuteRequest{Agent: "craftsman", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
}

func TestExecutor_UnreachableErrorNamesLogSnapshot(t *testing.T) {
	f := newFakeService()
	f.healthOK = false
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	exec := NewExecutor(NewServiceClient(server.URL),
		StaticModelProvider(models.ModelRef{}), nil, retry.DefaultConfig, nil,
		func() string { return "/var/log/orch/orch-2026-08-26.log" }, nil)

	_, err := exec.Execute(context.Background(), ExecuteRequest{Agent: "craftsman", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orch-2026-08-26.log")
}

func TestExecutor_FailsOverOnHang(t *testing.T) {
	f := newFakeService()
	f.addScript() // first session: silent, hangs
	f.addScript(Event{Kind: EventCompleted, Response: "done on backup"})
	provider := &recordingProvider{model: models.ModelRef{ProviderID: "p", ModelID: "primary"}, maxFail: 2}
	exec := newExecutor(t, f, provider, nil)

	res, err := exec.Execute(context.Background(), ExecuteRequest{
		Agent: "craftsman", Prompt: "p", HangThreshold: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "done on backup", res.Response)
	assert.Equal(t, []string{"sess-0"}, provider.hangs)
	assert.Equal(t, 1, provider.failovers)

	// The second submit carried the failover model.
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.submits, 2)
	assert.Equal(t, "backup-1", f.submits[1].Model.ModelID)
}

func TestExecutor_SuccessResetsProvider(t *testing.T) {
	f := newFakeService()
	f.addScript() // first session: silent, hangs
	f.addScript(Event{Kind: EventCompleted, Response: "done on backup"})
	provider := &recordingProvider{model: models.ModelRef{ProviderID: "p", ModelID: "primary"}, maxFail: 2}
	exec := newExecutor(t, f, provider, nil)

	_, err := exec.Execute(context.Background(), ExecuteRequest{
		Agent: "craftsman", Prompt: "p", HangThreshold: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, []string{"craftsman"}, provider.resets,
		"successful completion must clear the agent's failover state")
}

func TestExecutor_GivesUpWhenFailoversExhausted(t *testing.T) {
	f := newFakeService()
	f.addScript() // silent
	provider := &recordingProvider{model: models.ModelRef{ProviderID: "p", ModelID: "m"}, maxFail: 0}
	exec := newExecutor(t, f, provider, nil)

	_, err := exec.Execute(context.Background(), ExecuteRequest{
		Agent: "craftsman", Prompt: "p", HangThreshold: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stalled")
}

func TestExecutor_NonRetryableErrorEventFailsFast(t *testing.T) {
	f := newFakeService()
	f.addScript(Event{Kind: EventError, Error: "authentication failed for provider"})
	exec := newExecutor(t, f, StaticModelProvider(models.ModelRef{}), nil)

	_, err := exec.Execute(context.Background(), ExecuteRequest{Agent: "craftsman", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, retry.IsNonRetryable(err))
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.submits, 1)
}

func TestExecutor_RetryEventsReachSink(t *testing.T) {
	f := newFakeService()
	f.addScript(
		Event{Kind: EventRetry, Attempt: 2, Message: "transient provider error"},
		Event{Kind: EventCompleted, Response: "ok"},
	)
	sink := &captureSink{}
	exec := newExecutor(t, f, StaticModelProvider(models.ModelRef{}), sink)

	res, err := exec.Execute(context.Background(), ExecuteRequest{Agent: "sentinel", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []int{2}, sink.retries)
}

func TestExecutor_OverallTimeout(t *testing.T) {
	f := newFakeService()
	f.addScript() // silent stream, no hang threshold set
	exec := newExecutor(t, f, StaticModelProvider(models.ModelRef{}), nil)

	_, err := exec.Execute(context.Background(), ExecuteRequest{
		Agent: "craftsman", Prompt: "p", Timeout: 60 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestServiceClient_SessionProbeAndKill(t *testing.T) {
	f := newFakeService()
	f.addScript(Event{Kind: EventCompleted, Response: "r"})
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	client := NewServiceClient(server.URL)
	ctx := context.Background()

	id, err := client.Submit(ctx, SubmitRequest{Agent: "craftsman", Prompt: "p"})
	require.NoError(t, err)

	exists, err := client.SessionExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.KillSession(ctx, id))
	exists, err = client.SessionExists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFingerprintStableAndDistinct(t *testing.T) {
	a := Fingerprint("craftsman", "implement login")
	b := Fingerprint("craftsman", "implement login")
	c := Fingerprint("validator", "implement login")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, strings.Contains(a, " "))
}
