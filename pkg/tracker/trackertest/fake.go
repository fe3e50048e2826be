// Package trackertest provides an in-memory tracker.Client for tests.
package trackertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orch-dev/orch/pkg/tracker"
)

// FakeClient is a thread-safe in-memory issue tracker.
type FakeClient struct {
	mu       sync.Mutex
	nextNum  int
	issues   map[int]*tracker.Issue
	comments map[int][]tracker.Comment
	prs      map[int]*tracker.PullRequest
	nextPR   int

	// Err, when set, is returned by every call. For failure-path tests.
	Err error

	// LabelHook, when set, runs after every label mutation with the
	// issue number and its new label set. Tests use it to script
	// external actors (agents completing, humans approving).
	LabelHook func(number int, labels []string)
}

// NewFakeClient creates an empty fake tracker.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		nextNum:  1,
		nextPR:   1,
		issues:   make(map[int]*tracker.Issue),
		comments: make(map[int][]tracker.Comment),
		prs:      make(map[int]*tracker.PullRequest),
	}
}

// Seed inserts an issue with a fixed number and returns it.
func (f *FakeClient) Seed(number int, title, body string, labels ...string) *tracker.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := &tracker.Issue{
		Number: number,
		Title:  title,
		Body:   body,
		State:  "open",
		Labels: append([]string{}, labels...),
	}
	f.issues[number] = issue
	if number >= f.nextNum {
		f.nextNum = number + 1
	}
	return issue
}

// Issue returns the stored issue for assertions.
func (f *FakeClient) Issue(number int) *tracker.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issues[number]
}

// Comments returns the stored comments for assertions.
func (f *FakeClient) Comments(number int) []tracker.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Comment{}, f.comments[number]...)
}

// PullRequests returns all opened PRs.
func (f *FakeClient) PullRequests() []*tracker.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*tracker.PullRequest, 0, len(f.prs))
	for _, pr := range f.prs {
		out = append(out, pr)
	}
	return out
}

// SetLabels replaces an issue's labels, simulating an external actor.
func (f *FakeClient) SetLabels(number int, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		issue.Labels = append([]string{}, labels...)
	}
}

func (f *FakeClient) GetIssue(_ context.Context, number int) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	clone := *issue
	clone.Labels = append([]string{}, issue.Labels...)
	return &clone, nil
}

func (f *FakeClient) ListOpenIssuesWithLabel(_ context.Context, label string) ([]*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*tracker.Issue
	for _, issue := range f.issues {
		if issue.State != "open" {
			continue
		}
		for _, l := range issue.Labels {
			if l == label {
				clone := *issue
				clone.Labels = append([]string{}, issue.Labels...)
				out = append(out, &clone)
				break
			}
		}
	}
	return out, nil
}

func (f *FakeClient) CreateIssue(_ context.Context, title, body string, labels []string) (*tracker.Issue, error) {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return nil, f.Err
	}
	number := f.nextNum
	f.nextNum++
	issue := &tracker.Issue{
		Number: number,
		Title:  title,
		Body:   body,
		State:  "open",
		Labels: append([]string{}, labels...),
	}
	f.issues[number] = issue
	hook := f.LabelHook
	snapshot := append([]string{}, issue.Labels...)
	f.mu.Unlock()

	if hook != nil {
		hook(number, snapshot)
	}
	clone := *issue
	return &clone, nil
}

func (f *FakeClient) UpdateBody(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	issue, ok := f.issues[number]
	if !ok {
		return fmt.Errorf("issue #%d not found", number)
	}
	issue.Body = body
	return nil
}

func (f *FakeClient) CloseIssue(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	issue, ok := f.issues[number]
	if !ok {
		return fmt.Errorf("issue #%d not found", number)
	}
	issue.State = "closed"
	return nil
}

func (f *FakeClient) AddLabels(_ context.Context, number int, labels ...string) error {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return f.Err
	}
	issue, ok := f.issues[number]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("issue #%d not found", number)
	}
	for _, add := range labels {
		present := false
		for _, l := range issue.Labels {
			if l == add {
				present = true
				break
			}
		}
		if !present {
			issue.Labels = append(issue.Labels, add)
		}
	}
	hook := f.LabelHook
	snapshot := append([]string{}, issue.Labels...)
	f.mu.Unlock()

	if hook != nil {
		hook(number, snapshot)
	}
	return nil
}

func (f *FakeClient) RemoveLabel(_ context.Context, number int, label string) error {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return f.Err
	}
	issue, ok := f.issues[number]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("issue #%d not found", number)
	}
	kept := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	hook := f.LabelHook
	snapshot := append([]string{}, issue.Labels...)
	f.mu.Unlock()

	if hook != nil {
		hook(number, snapshot)
	}
	return nil
}

func (f *FakeClient) Labels(_ context.Context, number int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	return append([]string{}, issue.Labels...), nil
}

func (f *FakeClient) CreateComment(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.comments[number] = append(f.comments[number], tracker.Comment{
		Body:      body,
		Author:    "orch",
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *FakeClient) ListComments(_ context.Context, number int) ([]tracker.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]tracker.Comment{}, f.comments[number]...), nil
}

func (f *FakeClient) CreatePullRequest(_ context.Context, pr tracker.NewPullRequest) (*tracker.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	number := f.nextPR
	f.nextPR++
	created := &tracker.PullRequest{
		Number: number,
		URL:    fmt.Sprintf("https://example.test/pr/%d", number),
		Body:   pr.Body,
		Labels: append([]string{}, pr.Labels...),
	}
	f.prs[number] = created
	return created, nil
}

func (f *FakeClient) UpdatePullRequestBody(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	pr, ok := f.prs[number]
	if !ok {
		return fmt.Errorf("pull request #%d not found", number)
	}
	pr.Body = body
	return nil
}
