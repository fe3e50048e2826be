// Package deps batches tasks by their dependency order. The resolver
// repeatedly extracts dependency-free tasks (Kahn style): batch i depends
// only on batches before it, and tasks inside a batch are independent.
package deps

import (
	"errors"
	"fmt"
	"sort"

	"github.com/orch-dev/orch/pkg/models"
)

// Resolution errors.
var (
	// ErrInvalidDependency means a task names a prerequisite id that is
	// not in the input set.
	ErrInvalidDependency = errors.New("invalid dependency")

	// ErrCyclicDependency means the tasks contain a dependency cycle and
	// no batching exists.
	ErrCyclicDependency = errors.New("cyclic dependency")
)

// Resolve partitions tasks into ordered batches. Within a batch tasks are
// sorted by id for determinism. Duplicate ids are rejected as invalid.
func Resolve(tasks []models.Task) ([][]models.Task, error) {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %q", ErrInvalidDependency, t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidDependency, t.ID, dep)
			}
		}
	}

	remaining := make(map[string]models.Task, len(byID))
	for id, t := range byID {
		remaining[id] = t
	}
	done := make(map[string]bool, len(byID))

	var batches [][]models.Task
	for len(remaining) > 0 {
		var ready []models.Task
		for _, t := range remaining {
			if allDone(t.DependsOn, done) {
				ready = append(ready, t)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("%w: %d task(s) unresolvable (%s)",
				ErrCyclicDependency, len(remaining), remainingIDs(remaining))
		}

		sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
		for _, t := range ready {
			done[t.ID] = true
			delete(remaining, t.ID)
		}
		batches = append(batches, ready)
	}
	return batches, nil
}

func allDone(ids []string, done map[string]bool) bool {
	for _, id := range ids {
		if !done[id] {
			return false
		}
	}
	return true
}

func remainingIDs(remaining map[string]models.Task) string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}
