package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const githubAPIBase = "https://api.github.com"

// GitHubClient implements Client against the GitHub REST v3 API using a
// personal access token from the environment.
type GitHubClient struct {
	owner      string
	repo       string
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGitHubClient creates a GitHub tracker client.
func NewGitHubClient(owner, repo, token string) *GitHubClient {
	return &GitHubClient{
		owner:      owner,
		repo:       repo,
		token:      token,
		baseURL:    githubAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "github-client"),
	}
}

// NewGitHubClientWithBaseURL targets a custom API URL. Useful for testing
// with a mock server.
func NewGitHubClientWithBaseURL(owner, repo, token, baseURL string) *GitHubClient {
	c := NewGitHubClient(owner, repo, token)
	c.baseURL = baseURL
	return c
}

type githubLabel struct {
	Name string `json:"name"`
}

type githubIssue struct {
	Number  int           `json:"number"`
	Title   string        `json:"title"`
	Body    string        `json:"body"`
	State   string        `json:"state"`
	Labels  []githubLabel `json:"labels"`
	HTMLURL string        `json:"html_url"`
}

func (gi *githubIssue) toIssue() *Issue {
	labels := make([]string, len(gi.Labels))
	for i, l := range gi.Labels {
		labels[i] = l.Name
	}
	return &Issue{
		Number: gi.Number,
		Title:  gi.Title,
		Body:   gi.Body,
		State:  gi.State,
		Labels: labels,
		URL:    gi.HTMLURL,
	}
}

// GetIssue fetches a single issue.
func (c *GitHubClient) GetIssue(ctx context.Context, number int) (*Issue, error) {
	var gi githubIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &gi); err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	return gi.toIssue(), nil
}

// ListOpenIssuesWithLabel returns open issues carrying the label.
func (c *GitHubClient) ListOpenIssuesWithLabel(ctx context.Context, label string) ([]*Issue, error) {
	var raw []githubIssue
	path := fmt.Sprintf("/repos/%s/%s/issues?state=open&labels=%s&per_page=100",
		c.owner, c.repo, url.QueryEscape(label))
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("list issues with label %q: %w", label, err)
	}
	issues := make([]*Issue, 0, len(raw))
	for i := range raw {
		issues = append(issues, raw[i].toIssue())
	}
	return issues, nil
}

// CreateIssue opens a new issue with the given labels.
func (c *GitHubClient) CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error) {
	payload := map[string]interface{}{
		"title":  title,
		"body":   body,
		"labels": labels,
	}
	var gi githubIssue
	path := fmt.Sprintf("/repos/%s/%s/issues", c.owner, c.repo)
	if err := c.do(ctx, http.MethodPost, path, payload, &gi); err != nil {
		return nil, fmt.Errorf("create issue %q: %w", title, err)
	}
	return gi.toIssue(), nil
}

// UpdateBody rewrites the issue body.
func (c *GitHubClient) UpdateBody(ctx context.Context, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("update body of #%d: %w", number, err)
	}
	return nil
}

// CloseIssue closes the issue.
func (c *GitHubClient) CloseIssue(ctx context.Context, number int) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"state": "closed"}, nil); err != nil {
		return fmt.Errorf("close issue #%d: %w", number, err)
	}
	return nil
}

// AddLabels attaches labels to an issue (or PR).
func (c *GitHubClient) AddLabels(ctx context.Context, number int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", c.owner, c.repo, number)
	if err := c.do(ctx, http.MethodPost, path, map[string][]string{"labels": labels}, nil); err != nil {
		return fmt.Errorf("add labels to #%d: %w", number, err)
	}
	return nil
}

// RemoveLabel detaches a label. Removing a label the issue does not carry
// is not an error.
func (c *GitHubClient) RemoveLabel(ctx context.Context, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s",
		c.owner, c.repo, number, url.PathEscape(label))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove label %q from #%d: %w", label, number, err)
	}
	return nil
}

// Labels returns the issue's current label names.
func (c *GitHubClient) Labels(ctx context.Context, number int) ([]string, error) {
	var raw []githubLabel
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels?per_page=100", c.owner, c.repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("list labels of #%d: %w", number, err)
	}
	labels := make([]string, len(raw))
	for i, l := range raw {
		labels[i] = l.Name
	}
	return labels, nil
}

// CreateComment posts a comment on the issue.
func (c *GitHubClient) CreateComment(ctx context.Context, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, number)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

type githubComment struct {
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

// ListComments returns the issue's comments, oldest first.
func (c *GitHubClient) ListComments(ctx context.Context, number int) ([]Comment, error) {
	var raw []githubComment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", c.owner, c.repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("list comments of #%d: %w", number, err)
	}
	comments := make([]Comment, len(raw))
	for i, rc := range raw {
		comments[i] = Comment{Body: rc.Body, Author: rc.User.Login, CreatedAt: rc.CreatedAt}
	}
	return comments, nil
}

type githubPR struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Body    string `json:"body"`
}

// CreatePullRequest opens a change request.
func (c *GitHubClient) CreatePullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error) {
	payload := map[string]string{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  pr.Head,
		"base":  pr.Base,
	}
	var raw githubPR
	path := fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo)
	if err := c.do(ctx, http.MethodPost, path, payload, &raw); err != nil {
		return nil, fmt.Errorf("create pull request %q: %w", pr.Title, err)
	}
	created := &PullRequest{Number: raw.Number, URL: raw.HTMLURL, Body: raw.Body}
	if len(pr.Labels) > 0 {
		// Pull requests are labeled through the issues endpoint.
		if err := c.AddLabels(ctx, raw.Number, pr.Labels...); err != nil {
			c.logger.Error("failed to label pull request", "pr", raw.Number, "error", err)
		} else {
			created.Labels = append([]string(nil), pr.Labels...)
		}
	}
	return created, nil
}

// UpdatePullRequestBody rewrites a change request's body.
func (c *GitHubClient) UpdatePullRequestBody(ctx context.Context, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", c.owner, c.repo, number)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("update pull request #%d body: %w", number, err)
	}
	return nil
}

// apiError carries the HTTP status so callers can classify.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("GitHub API returned HTTP %d: %s", e.Status, e.Message)
}

func isNotFound(err error) bool {
	var ae *apiError
	return asAPIError(err, &ae) && ae.Status == http.StatusNotFound
}

func asAPIError(err error, target **apiError) bool {
	for err != nil {
		if ae, ok := err.(*apiError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// do executes one API request, encoding the payload and decoding into out
// when non-nil.
func (c *GitHubClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ghErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &ghErr)
		return &apiError{Status: resp.StatusCode, Message: ghErr.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
