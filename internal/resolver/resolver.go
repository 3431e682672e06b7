// Package resolver batches a set of tasks into dependency-ordered groups so
// the Implementation and Testing stages can run each group concurrently and
// the groups themselves in order.
package resolver

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidDependency is returned when a task names a prerequisite id that
// is not present in the input.
var ErrInvalidDependency = errors.New("invalid dependency")

// ErrCyclicDependency is returned when the dependency graph contains a
// cycle, so no fixpoint of dependency-free tasks ever covers every task.
var ErrCyclicDependency = errors.New("cyclic dependency")

// Task is a unit of work with an id and a (possibly empty) list of
// prerequisite ids.
type Task struct {
	ID           string
	Dependencies []string
}

// Resolve partitions tasks into batches: every task appears in exactly one
// batch, batch i depends only on tasks in batches < i, and within a batch
// task ids are sorted for determinism. Implementation is repeated
// Kahn-style extraction of dependency-free tasks.
func Resolve(tasks []Task) ([][]string, error) {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	remaining := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !known[dep] {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidDependency, t.ID, dep)
			}
		}
		remaining[t.ID] = append([]string(nil), t.Dependencies...)
	}

	satisfied := make(map[string]bool, len(tasks))
	var batches [][]string

	for len(satisfied) < len(tasks) {
		var ready []string
		for id, deps := range remaining {
			if satisfied[id] {
				continue
			}
			if allSatisfied(deps, satisfied) {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("%w: %d task(s) remain unresolved", ErrCyclicDependency, len(tasks)-len(satisfied))
		}
		sort.Strings(ready)
		batches = append(batches, ready)
		for _, id := range ready {
			satisfied[id] = true
		}
	}

	return batches, nil
}

func allSatisfied(deps []string, satisfied map[string]bool) bool {
	for _, d := range deps {
		if !satisfied[d] {
			return false
		}
	}
	return true
}
