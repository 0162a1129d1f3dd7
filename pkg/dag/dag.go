// Package dag validates workflow definitions and computes execution
// order over their dependency graph. Tasks are kept in a flat slice and
// edges are index pairs into it, which keeps cycle detection and
// serialization free of pointer cycles.
package dag

import (
	"fmt"

	"github.com/dagforge/dagforge/pkg/models"
)

// ValidationError describes a single problem found in a workflow
// definition.
type ValidationError struct {
	TaskKey string `json:"task_key,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.TaskKey == "" {
		return e.Message
	}
	return fmt.Sprintf("task %q: %s", e.TaskKey, e.Message)
}

// ValidationResult collects every error found in one pass so callers
// can render all of them at once. An empty result means the definition
// is a well-formed DAG.
type ValidationResult struct {
	Errors []ValidationError `json:"errors"`
}

// Valid reports whether no errors were found.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// graph is the arena form of a task list: nodes are declaration
// indexes, deps[i] holds the indexes task i depends on.
type graph struct {
	keys  []string
	index map[string]int
	deps  [][]int
}

func buildGraph(tasks []models.TaskDefinition) (*graph, ValidationResult) {
	var result ValidationResult
	g := &graph{
		keys:  make([]string, len(tasks)),
		index: make(map[string]int, len(tasks)),
		deps:  make([][]int, len(tasks)),
	}
	for i, t := range tasks {
		g.keys[i] = t.Key
		if t.Key == "" {
			result.Errors = append(result.Errors, ValidationError{Message: fmt.Sprintf("task at position %d has an empty key", i)})
			continue
		}
		if _, dup := g.index[t.Key]; dup {
			result.Errors = append(result.Errors, ValidationError{TaskKey: t.Key, Message: "duplicate task key"})
			continue
		}
		g.index[t.Key] = i
	}
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				result.Errors = append(result.Errors, ValidationError{TaskKey: t.Key, Message: fmt.Sprintf("depends on unknown task %q", dep)})
				continue
			}
			g.deps[i] = append(g.deps[i], j)
		}
	}
	return g, result
}

// kahn runs Kahn's algorithm over g and returns the visited node
// indexes in execution order. Ties among simultaneously ready nodes are
// broken by declaration order so the result is deterministic. If a
// cycle exists the returned slice is shorter than the node count.
func (g *graph) kahn() []int {
	n := len(g.keys)
	inDegree := make([]int, n)
	dependents := make([][]int, n)
	for i, deps := range g.deps {
		inDegree[i] = len(deps)
		for _, j := range deps {
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := make([]bool, n)
	done := make([]bool, n)
	for i := 0; i < n; i++ {
		ready[i] = inDegree[i] == 0
	}

	var order []int
	for {
		// Lowest declaration index among ready nodes.
		next := -1
		for i := 0; i < n; i++ {
			if ready[i] && !done[i] {
				next = i
				break
			}
		}
		if next == -1 {
			break
		}
		done[next] = true
		order = append(order, next)
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready[dep] = true
			}
		}
	}
	return order
}

// Validate checks that every dependency refers to a declared task, that
// task keys are unique and non-empty, that task kinds are known, and
// that the graph is acyclic. A task depending on itself is reported as
// a cycle of length 1. It never panics on malformed input.
func Validate(tasks []models.TaskDefinition) ValidationResult {
	g, result := buildGraph(tasks)
	for _, t := range tasks {
		if !t.Kind.Valid() {
			result.Errors = append(result.Errors, ValidationError{TaskKey: t.Key, Message: fmt.Sprintf("unknown task kind %q", t.Kind)})
		}
	}
	// Cycle detection is only meaningful once keys and edges resolved.
	if len(result.Errors) > 0 {
		return result
	}
	order := g.kahn()
	if len(order) != len(tasks) {
		inCycle := make(map[int]bool, len(tasks))
		for i := range tasks {
			inCycle[i] = true
		}
		for _, i := range order {
			delete(inCycle, i)
		}
		for i := range tasks {
			if inCycle[i] {
				result.Errors = append(result.Errors, ValidationError{TaskKey: g.keys[i], Message: "part of a dependency cycle"})
			}
		}
	}
	return result
}

// TopologicalOrder returns the task keys in an order where every task
// appears after all of its dependencies. The input must already have
// passed Validate; a cycle or unresolved reference is returned as an
// error rather than a partial order.
func TopologicalOrder(tasks []models.TaskDefinition) ([]string, error) {
	g, result := buildGraph(tasks)
	if !result.Valid() {
		return nil, result.Errors[0]
	}
	order := g.kahn()
	if len(order) != len(tasks) {
		return nil, fmt.Errorf("dependency cycle among %d tasks", len(tasks)-len(order))
	}
	keys := make([]string, len(order))
	for i, idx := range order {
		keys[i] = g.keys[idx]
	}
	return keys, nil
}

// ParallelGroups partitions the tasks into execution layers: a task's
// layer is one past the deepest layer among its dependencies, zero if
// it has none. Tasks in the same layer have no ordering between them
// and may be dispatched concurrently.
func ParallelGroups(tasks []models.TaskDefinition) ([][]string, error) {
	g, result := buildGraph(tasks)
	if !result.Valid() {
		return nil, result.Errors[0]
	}
	order := g.kahn()
	if len(order) != len(tasks) {
		return nil, fmt.Errorf("dependency cycle among %d tasks", len(tasks)-len(order))
	}
	layer := make([]int, len(tasks))
	maxLayer := -1
	for _, i := range order {
		l := 0
		for _, j := range g.deps[i] {
			if layer[j]+1 > l {
				l = layer[j] + 1
			}
		}
		layer[i] = l
		if l > maxLayer {
			maxLayer = l
		}
	}
	groups := make([][]string, maxLayer+1)
	for i := range tasks {
		groups[layer[i]] = append(groups[layer[i]], g.keys[i])
	}
	return groups, nil
}

// Downstream returns every task that transitively depends on key, in
// declaration order. Used to mark dependents skipped after a terminal
// failure.
func Downstream(tasks []models.TaskDefinition, key string) []string {
	g, result := buildGraph(tasks)
	if !result.Valid() {
		return nil
	}
	start, ok := g.index[key]
	if !ok {
		return nil
	}
	dependents := make([][]int, len(tasks))
	for i, deps := range g.deps {
		for _, j := range deps {
			dependents[j] = append(dependents[j], i)
		}
	}
	seen := make([]bool, len(tasks))
	var visit func(int)
	visit = func(i int) {
		for _, dep := range dependents[i] {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(start)
	var out []string
	for i := range tasks {
		if seen[i] {
			out = append(out, g.keys[i])
		}
	}
	return out
}
