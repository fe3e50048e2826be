// Package tracker talks to the issue tracker. The tracker is the system
// of record for orchestration state: labels encode the state machine and
// issue bodies hold the structured orchestration block.
package tracker

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned when a sub-ticket does not reach completion
// within the poller's budget.
var ErrPollTimeout = errors.New("poll timeout")

// Issue is a ticket in the tracker.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	State  string   `json:"state"`
	Labels []string `json:"labels"`
	URL    string   `json:"html_url"`
}

// HasLabel reports whether the issue carries the exact label.
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Comment is a single issue comment.
type Comment struct {
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPullRequest describes a change request to open.
type NewPullRequest struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// PullRequest is an opened change request.
type PullRequest struct {
	Number int      `json:"number"`
	URL    string   `json:"html_url"`
	Body   string   `json:"body"`
	Labels []string `json:"-"`
}

// Client is the capability interface every stage consumes. Implemented by
// the GitHub REST client; tests substitute fakes.
type Client interface {
	GetIssue(ctx context.Context, number int) (*Issue, error)
	ListOpenIssuesWithLabel(ctx context.Context, label string) ([]*Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error)
	UpdateBody(ctx context.Context, number int, body string) error
	CloseIssue(ctx context.Context, number int) error

	AddLabels(ctx context.Context, number int, labels ...string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	Labels(ctx context.Context, number int) ([]string, error)

	CreateComment(ctx context.Context, number int, body string) error
	ListComments(ctx context.Context, number int) ([]Comment, error)

	CreatePullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error)
	UpdatePullRequestBody(ctx context.Context, number int, body string) error
}
