// Package agentexec runs coding agents through the AI service: session
// submission, server-sent event streaming, liveness probes, and kills.
package agentexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/orch-dev/orch/pkg/models"
)

// ErrServerUnreachable marks a failed health check against the AI
// service. The orchestrator treats it as a critical error rather than a
// task failure.
var ErrServerUnreachable = errors.New("ai service unreachable")

// healthTimeout bounds the pre-flight health probe.
const healthTimeout = 5 * time.Second

// SubmitRequest starts an agent session.
type SubmitRequest struct {
	Agent      string          `json:"agent"`
	Prompt     string          `json:"prompt"`
	Model      models.ModelRef `json:"model,omitempty"`
	WorkingDir string          `json:"workingDir,omitempty"`
	// Fingerprint dedupes identical prompts so a crashed orchestrator
	// resuming does not start a second session for the same work.
	Fingerprint string `json:"fingerprint,omitempty"`
}

type submitResponse struct {
	SessionID string `json:"sessionId"`
}

// ServiceClient talks to the AI service over HTTP.
type ServiceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewServiceClient creates a client for the service at baseURL.
func NewServiceClient(baseURL string) *ServiceClient {
	return &ServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Streaming connections are bounded by the caller's context,
		// not a client-wide timeout.
		httpClient: &http.Client{Timeout: 0},
	}
}

// Health probes the service. A non-200 or transport error yields
// ErrServerUnreachable.
func (c *ServiceClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrServerUnreachable, resp.StatusCode)
	}
	return nil
}

// Submit starts a session and returns its id.
func (c *ServiceClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("submit session: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.SessionID == "" {
		return "", errors.New("submit response missing session id")
	}
	return out.SessionID, nil
}

// Events streams the session's progress events. The channel closes when
// the stream ends; the caller decides whether a close without a
// completed event is an error.
func (c *ServiceClient) Events(ctx context.Context, sessionID string) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/sessions/%s/events", c.baseURL, sessionID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open event stream: status %d", resp.StatusCode)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data:"):
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var ev Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
				data.Reset()
			}
		}
	}()
	return ch, nil
}

// SessionExists probes whether the service still knows the session.
func (c *ServiceClient) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/sessions/%s", c.baseURL, sessionID), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("probe session %s: status %d", sessionID, resp.StatusCode)
	}
}

// KillSession asks the service to terminate the session.
func (c *ServiceClient) KillSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/sessions/%s", c.baseURL, sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kill session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("kill session %s: status %d", sessionID, resp.StatusCode)
	}
	return nil
}
