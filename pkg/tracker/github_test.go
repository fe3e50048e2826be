package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*GitHubClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewGitHubClientWithBaseURL("acme", "widgets", "tok-123", server.URL), server
}

func TestGitHubClient_GetIssue(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/issues/7", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"number": 7,
			"title":  "Add search",
			"body":   "please",
			"state":  "open",
			"labels": []map[string]string{{"name": "queue"}, {"name": "bug"}},
		})
	})

	issue, err := client.GetIssue(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, issue.Number)
	assert.Equal(t, "Add search", issue.Title)
	assert.Equal(t, []string{"queue", "bug"}, issue.Labels)
	assert.True(t, issue.HasLabel("queue"))
}

func TestGitHubClient_CreateIssueSendsLabels(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var payload struct {
			Title  string   `json:"title"`
			Labels []string `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "[Fix] flaky test (Attempt 1/10)", payload.Title)
		assert.Contains(t, payload.Labels, "fix-attempt")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"number": 101})
	})

	issue, err := client.CreateIssue(context.Background(),
		"[Fix] flaky test (Attempt 1/10)", "body", []string{"sub-issue", "fix-attempt"})
	require.NoError(t, err)
	assert.Equal(t, 101, issue.Number)
}

func TestGitHubClient_RemoveMissingLabelIsNotAnError(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Label does not exist"})
	})

	err := client.RemoveLabel(context.Background(), 7, "test-failed")
	assert.NoError(t, err)
}

func TestGitHubClient_ErrorCarriesStatusAndMessage(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "API rate limit exceeded"})
	})

	_, err := client.GetIssue(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "rate limit")
}

func TestGitHubClient_CreatePullRequest(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/pulls", r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "orch/issue-42", payload["head"])
		assert.Equal(t, "main", payload["base"])
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"number":   5,
			"html_url": "https://github.com/acme/widgets/pull/5",
		})
	})

	pr, err := client.CreatePullRequest(context.Background(), NewPullRequest{
		Title: "[orch] Issue #42",
		Body:  "summary",
		Head:  "orch/issue-42",
		Base:  "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, pr.Number)
	assert.Equal(t, "https://github.com/acme/widgets/pull/5", pr.URL)
}

func TestGitHubClient_CreatePullRequestAppliesLabels(t *testing.T) {
	var labelPath string
	var labelPayload struct {
		Labels []string `json:"labels"`
	}
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/acme/widgets/pulls" {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"number":   5,
				"html_url": "https://github.com/acme/widgets/pull/5",
			})
			return
		}
		labelPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&labelPayload))
		_ = json.NewEncoder(w).Encode([]map[string]string{})
	})

	pr, err := client.CreatePullRequest(context.Background(), NewPullRequest{
		Title:  "[orch] Issue #42",
		Head:   "orch/issue-42",
		Base:   "main",
		Labels: []string{"orchestrated"},
	})
	require.NoError(t, err)
	// GitHub labels pull requests through the issues endpoint.
	assert.Equal(t, "/repos/acme/widgets/issues/5/labels", labelPath)
	assert.Equal(t, []string{"orchestrated"}, labelPayload.Labels)
	assert.Equal(t, []string{"orchestrated"}, pr.Labels)
}
