package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RegistryFileName is the on-disk ledger of active worktrees, kept
// under the repository's .orch directory so it travels with the clone.
const RegistryFileName = "worktrees.json"

// Entry records one provisioned worktree.
type Entry struct {
	IssueNumber int       `json:"issueNumber"`
	Path        string    `json:"path"`
	Branch      string    `json:"branch"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Registry persists worktree entries as JSON. All methods are safe for
// concurrent use.
type Registry struct {
	path string

	mu      sync.Mutex
	entries map[int]Entry
	loaded  bool
}

// NewRegistry creates a registry backed by the file at
// <repoPath>/.orch/worktrees.json.
func NewRegistry(repoPath string) *Registry {
	return &Registry{
		path:    filepath.Join(repoPath, ".orch", RegistryFileName),
		entries: make(map[int]Entry),
	}
}

func (r *Registry) loadLocked() error {
	if r.loaded {
		return nil
	}
	r.loaded = true

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read worktree registry: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse worktree registry %s: %w", r.path, err)
	}
	for _, e := range entries {
		r.entries[e.IssueNumber] = e
	}
	return nil
}

func (r *Registry) saveLocked() error {
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IssueNumber < entries[j].IssueNumber })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write worktree registry: %w", err)
	}
	return nil
}

// Put records or replaces an entry.
func (r *Registry) Put(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	r.entries[entry.IssueNumber] = entry
	return r.saveLocked()
}

// Get looks up the entry for an issue.
func (r *Registry) Get(issueNumber int) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return Entry{}, false, err
	}
	e, ok := r.entries[issueNumber]
	return e, ok, nil
}

// Delete removes the entry for an issue. Deleting an absent entry is a
// no-op.
func (r *Registry) Delete(issueNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, ok := r.entries[issueNumber]; !ok {
		return nil
	}
	delete(r.entries, issueNumber)
	return r.saveLocked()
}

// List returns all entries ordered by issue number.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IssueNumber < entries[j].IssueNumber })
	return entries, nil
}
