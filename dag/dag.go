// Package dag implements the task dependency graph and wave scheduler of
// §4.7: add/validate tasks, detect cycles, and expose ready work in
// deterministic order. Cycle detection is Kahn's algorithm, the same
// in-degree-map-plus-queue shape the pack uses to validate a workflow's
// step graph before running it.
package dag

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/descartes-run/descartes/errs"
)

// Status is a task's position in the scheduling lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// Task is one node of the dependency graph.
type Task struct {
	ID        string
	Name      string
	DependsOn []string
	Status    Status
}

func (t *Task) clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}

// Storage is the opaque persistence contract a Graph can be backed by.
// `dag/sqlitestore` and `dag/pgstore` both implement it; a Graph works
// identically regardless of which backend is wired in.
type Storage interface {
	LoadAll(ctx context.Context) ([]*Task, error)
	Save(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error
}

// Graph is a mutable, validated task dependency graph. Zero value is not
// usable; construct with New.
type Graph struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	storage Storage
}

// Option configures a Graph.
type Option func(*Graph)

func WithStorage(s Storage) Option {
	return func(g *Graph) { g.storage = s }
}

// New creates an empty Graph, loading any persisted tasks from storage.
func New(opts ...Option) (*Graph, error) {
	g := &Graph{tasks: make(map[string]*Task)}
	for _, o := range opts {
		o(g)
	}
	if g.storage != nil {
		tasks, err := g.storage.LoadAll(context.Background())
		if err != nil {
			return nil, fmt.Errorf("dag: load persisted tasks: %w", err)
		}
		for _, t := range tasks {
			g.tasks[t.ID] = t
		}
	}
	return g, nil
}

// AddNode inserts a new task. Its DependsOn ids need not exist yet; they
// are resolved at Validate time so a batch of tasks can be added before
// wiring edges.
func (g *Graph) AddNode(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tasks[t.ID]; exists {
		return errs.Conflict(fmt.Sprintf("task %s already exists", t.ID), nil)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	stored := t.clone()
	g.tasks[t.ID] = stored
	return g.persist(stored)
}

// UpdateNode replaces an existing task's status and dependency set.
func (g *Graph) UpdateNode(id string, status Status, dependsOn []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return errs.NotFound(fmt.Sprintf("task %s", id), nil)
	}
	if status != "" {
		t.Status = status
	}
	if dependsOn != nil {
		t.DependsOn = dependsOn
	}
	return g.persist(t)
}

// RemoveNode deletes a task and any edges pointing at it. Dependents of
// the removed task simply lose that dependency; they are not cascaded.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[id]; !ok {
		return errs.NotFound(fmt.Sprintf("task %s", id), nil)
	}
	delete(g.tasks, id)
	for _, t := range g.tasks {
		t.DependsOn = removeString(t.DependsOn, id)
	}
	if g.storage != nil {
		if err := g.storage.Delete(context.Background(), id); err != nil {
			return errs.Backend("delete task", err)
		}
	}
	return nil
}

// AddEdge records that to depends on from.
func (g *Graph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[to]
	if !ok {
		return errs.NotFound(fmt.Sprintf("task %s", to), nil)
	}
	if _, ok := g.tasks[from]; !ok {
		return errs.NotFound(fmt.Sprintf("task %s", from), nil)
	}
	for _, d := range t.DependsOn {
		if d == from {
			return nil
		}
	}
	t.DependsOn = append(t.DependsOn, from)
	return g.persist(t)
}

// Validate checks that every DependsOn id exists and that the graph is
// acyclic, via Kahn's algorithm: nodes enter a queue once their in-degree
// (remaining unresolved dependency count) hits zero, and a graph is
// acyclic iff every node is eventually visited this way.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	for id, t := range g.tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return errs.NotFound(fmt.Sprintf("task %s depends on unknown task %s", id, dep), nil)
			}
		}
	}

	inDegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string)
	for id, t := range g.tasks {
		inDegree[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := zeroDegreeIDs(inDegree)
	visited := 0
	for len(queue) > 0 {
		sort.Strings(queue)
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(g.tasks) {
		return errs.Cycle("cycle detected in task dependency graph", nil)
	}
	return nil
}

// TopologicalSort returns task ids in dependency order, breaking ties by
// ascending id for determinism.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.validateLocked(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string)
	for id, t := range g.tasks {
		inDegree[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var order []string
	queue := zeroDegreeIDs(inDegree)
	for len(queue) > 0 {
		sort.Strings(queue)
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return order, nil
}

// ReadyTasks returns Pending tasks whose dependencies are all Done,
// ascending by id.
func (g *Graph) ReadyTasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Task
	for _, t := range g.tasks {
		if t.Status == StatusPending && g.depsSatisfiedLocked(t) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BlockedTasks returns Pending tasks with at least one dependency that is
// missing from the graph or not Done, ascending by id.
func (g *Graph) BlockedTasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Task
	for _, t := range g.tasks {
		if t.Status == StatusPending && !g.depsSatisfiedLocked(t) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Graph) depsSatisfiedLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusDone {
			return false
		}
	}
	return true
}

// Waves groups all tasks into ordered layers: wave 0 has no dependencies,
// wave N depends only on tasks in waves < N. Computed with the same
// Kahn's-algorithm peeling as Validate, but retaining each peeled layer
// instead of collapsing it into a single order.
func (g *Graph) Waves() ([][]*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.validateLocked(); err != nil {
		return nil, err
	}

	// Done tasks are excluded from the layering entirely: they occupy no
	// wave slot, and a dependency on a Done task is already satisfied, so
	// it doesn't count toward its dependent's in-degree.
	inDegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string)
	for id, t := range g.tasks {
		if t.Status == StatusDone {
			continue
		}
		degree := 0
		for _, dep := range t.DependsOn {
			if depTask, ok := g.tasks[dep]; ok && depTask.Status == StatusDone {
				continue
			}
			degree++
			dependents[dep] = append(dependents[dep], id)
		}
		inDegree[id] = degree
	}

	var waves [][]*Task
	layer := zeroDegreeIDs(inDegree)
	for len(layer) > 0 {
		sort.Strings(layer)
		current := make([]*Task, len(layer))
		for i, id := range layer {
			current[i] = g.tasks[id].clone()
		}
		waves = append(waves, current)

		var next []string
		for _, id := range layer {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		layer = next
	}
	return waves, nil
}

// GetNext returns the single ready task with the lexicographically
// smallest id, and marks it Running, or ok=false if nothing is ready.
func (g *Graph) GetNext() (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var best *Task
	for _, t := range g.tasks {
		if t.Status != StatusPending || !g.depsSatisfiedLocked(t) {
			continue
		}
		if best == nil || t.ID < best.ID {
			best = t
		}
	}
	if best == nil {
		return nil, false
	}
	best.Status = StatusRunning
	_ = g.persist(best)
	return best.clone(), true
}

func (g *Graph) persist(t *Task) error {
	if g.storage == nil {
		return nil
	}
	if err := g.storage.Save(context.Background(), t); err != nil {
		return errs.Backend("persist task", err)
	}
	return nil
}

func zeroDegreeIDs(inDegree map[string]int) []string {
	var out []string
	for id, deg := range inDegree {
		if deg == 0 {
			out = append(out, id)
		}
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
