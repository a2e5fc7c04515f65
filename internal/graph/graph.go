// Package graph provides the mutable task graph for one orchestration run.
package graph

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the task graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownItem indicates an operation referenced an id not in the graph.
	ErrUnknownItem = errors.New("unknown work item")
	// ErrDuplicateID indicates an item id is already present.
	ErrDuplicateID = errors.New("duplicate work item id")
	// ErrTerminalStatus indicates an attempt to move an item out of a terminal status.
	ErrTerminalStatus = errors.New("work item already in terminal status")
	// ErrAlreadyPlanned indicates CreateFromPlan was called on a populated graph.
	ErrAlreadyPlanned = errors.New("task graph already planned")
	// ErrMissingParent indicates a dotted id whose parent is not in the plan.
	ErrMissingParent = errors.New("parent item not in plan")
)

// TaskGraph holds the ordered work items for a single request.
// Items are kept in insertion order; execution order derives from dependencies.
type TaskGraph struct {
	mu         sync.RWMutex
	id         string
	complexity int
	items      []*models.WorkItem
	index      map[string]*models.WorkItem
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty task graph. Complexity is clamped to 1-10.
func New(complexity int) *TaskGraph {
	if complexity < 1 {
		complexity = 1
	}
	if complexity > 10 {
		complexity = 10
	}
	return &TaskGraph{
		id:         uuid.New().String(),
		complexity: complexity,
		index:      make(map[string]*models.WorkItem),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *TaskGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// ID returns the graph identifier.
func (g *TaskGraph) ID() string { return g.id }

// Complexity returns the planning-time complexity estimate.
func (g *TaskGraph) Complexity() int { return g.complexity }

// Len returns the number of items in the graph.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items)
}

// CreateFromPlan populates the graph from the initial plan.
// Items without ids are numbered after the highest top-level id present.
// Returns an error if ids collide, a dotted id has no parent in the plan,
// dependencies are unknown, or a cycle exists.
func (g *TaskGraph) CreateFromPlan(items []*models.WorkItem) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.items) > 0 {
		return ErrAlreadyPlanned
	}

	g.debugLog("[graph.CreateFromPlan] building graph from %d items", len(items))

	next := 1
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if !ValidID(it.ID) {
			return fmt.Errorf("invalid item id %q", it.ID)
		}
		if Depth(it.ID) == 0 {
			if n, _ := lastSegment(it.ID); n >= next {
				next = n + 1
			}
		}
	}

	now := time.Now()
	staged := make([]*models.WorkItem, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, src := range items {
		it := src.Clone()
		if it.ID == "" {
			it.ID = strconv.Itoa(next)
			next++
		}
		if seen[it.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, it.ID)
		}
		seen[it.ID] = true
		it.Status = models.ItemStatusPending
		it.Attempts = 0
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		staged = append(staged, it)
	}

	for _, it := range staged {
		if Depth(it.ID) > 0 && !seen[ParseParent(it.ID)] {
			return fmt.Errorf("%w: %s", ErrMissingParent, it.ID)
		}
		for _, dep := range it.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("item %s depends on unknown item %s", it.ID, dep)
			}
			if dep == it.ID {
				return fmt.Errorf("%w: item %s depends on itself", ErrCycleDetected, it.ID)
			}
		}
	}

	g.items = staged
	for _, it := range staged {
		g.index[it.ID] = it
	}

	if g.hasCycleLocked() {
		g.items = nil
		g.index = make(map[string]*models.WorkItem)
		return ErrCycleDetected
	}

	g.refreshLocked()
	g.debugLog("[graph.CreateFromPlan] graph %s built with %d items", g.id, len(g.items))
	return nil
}

// InsertChildren decomposes parentID into child items placed directly after
// the parent's existing subtree. Children receive ids "parent.k" continuing
// after any existing children. The first child inherits the parent's
// dependencies and each later child depends on its predecessor. Any
// non-terminal item that depended on the parent is rewired to depend on the
// last inserted child. The graph is left untouched if the insert is rejected.
func (g *TaskGraph) InsertChildren(parentID string, children []*models.WorkItem) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.index[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, parentID)
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("no children to insert under %s", parentID)
	}

	next := 1
	insertAt := -1
	for i, it := range g.items {
		if it.ID == parentID || IsDescendant(it.ID, parentID) {
			insertAt = i + 1
		}
		if ParseParent(it.ID) == parentID {
			if n, err := lastSegment(it.ID); err == nil && n >= next {
				next = n + 1
			}
		}
	}

	now := time.Now()
	staged := make([]*models.WorkItem, 0, len(children))
	newIDs := make(map[string]bool, len(children))
	for i, src := range children {
		child := src.Clone()
		if child.ID != "" {
			if _, exists := g.index[child.ID]; exists || newIDs[child.ID] {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateID, child.ID)
			}
			if ParseParent(child.ID) != parentID || !ValidID(child.ID) {
				return nil, fmt.Errorf("child id %q is not a direct child of %s", child.ID, parentID)
			}
			if n, _ := lastSegment(child.ID); n >= next {
				next = n + 1
			}
		} else {
			child.ID = ChildID(parentID, next)
			next++
		}
		newIDs[child.ID] = true

		if i == 0 {
			child.Dependencies = mergeIDs(parent.Dependencies, child.Dependencies)
		} else {
			child.Dependencies = mergeIDs(child.Dependencies, []string{staged[i-1].ID})
		}
		child.Status = models.ItemStatusPending
		child.Attempts = 0
		child.CompletedAt = nil
		if child.CreatedAt.IsZero() {
			child.CreatedAt = now
		}
		staged = append(staged, child)
	}

	for _, child := range staged {
		for _, dep := range child.Dependencies {
			if dep == parentID {
				return nil, fmt.Errorf("%w: child %s depends on ancestor %s", ErrCycleDetected, child.ID, dep)
			}
			if _, ok := g.index[dep]; !ok && !newIDs[dep] {
				return nil, fmt.Errorf("child %s depends on unknown item %s", child.ID, dep)
			}
		}
	}

	last := staged[len(staged)-1].ID
	prevItems := g.items
	rewired := make(map[*models.WorkItem][]string)

	merged := make([]*models.WorkItem, 0, len(g.items)+len(staged))
	merged = append(merged, g.items[:insertAt]...)
	merged = append(merged, staged...)
	merged = append(merged, g.items[insertAt:]...)
	g.items = merged
	for _, child := range staged {
		g.index[child.ID] = child
	}

	for _, it := range prevItems {
		if it.Status.Terminal() || it.ID == parentID {
			continue
		}
		if !containsID(it.Dependencies, parentID) {
			continue
		}
		rewired[it] = it.Dependencies
		deps := make([]string, 0, len(it.Dependencies))
		for _, dep := range it.Dependencies {
			if dep == parentID {
				dep = last
			}
			if !containsID(deps, dep) {
				deps = append(deps, dep)
			}
		}
		it.Dependencies = deps
	}

	if g.hasCycleLocked() {
		g.items = prevItems
		for _, child := range staged {
			delete(g.index, child.ID)
		}
		for it, deps := range rewired {
			it.Dependencies = deps
		}
		return nil, ErrCycleDetected
	}

	g.refreshLocked()

	ids := make([]string, len(staged))
	for i, child := range staged {
		ids[i] = child.ID
	}
	g.debugLog("[graph.InsertChildren] parent=%s children=%v rewired=%d", parentID, ids, len(rewired))
	return ids, nil
}

// MarkStatus sets an item's status and re-evaluates blocked items.
func (g *TaskGraph) MarkStatus(id string, status models.ItemStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.markLocked(id, status, "")
}

// MarkFailed marks an item failed and records the reason.
func (g *TaskGraph) MarkFailed(id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.markLocked(id, models.ItemStatusFailed, reason)
}

func (g *TaskGraph) markLocked(id string, status models.ItemStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	it, ok := g.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	if it.Status.Terminal() && it.Status != status {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, it.Status)
	}

	g.debugLog("[graph.MarkStatus] %s: %s -> %s", id, it.Status, status)
	it.Status = status
	if reason != "" {
		it.LastError = reason
	}
	if status.Terminal() && it.CompletedAt == nil {
		now := time.Now()
		it.CompletedAt = &now
	}
	g.refreshLocked()
	return nil
}

// Update applies fn to the live item under the graph lock.
// fn must not change ID, Status, or Dependencies.
func (g *TaskGraph) Update(id string, fn func(*models.WorkItem)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	it, ok := g.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	fn(it)
	return nil
}

// Get returns a copy of the item, or nil if not found.
func (g *TaskGraph) Get(id string) *models.WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.index[id].Clone()
}

// EligibleItems returns pending items whose dependencies are all completed,
// in insertion order.
func (g *TaskGraph) EligibleItems() []*models.WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*models.WorkItem
	for _, it := range g.items {
		if it.Status != models.ItemStatusPending {
			continue
		}
		if g.depsCompletedLocked(it) {
			out = append(out, it.Clone())
		}
	}
	return out
}

// IsComplete reports whether every item is completed or failed.
func (g *TaskGraph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, it := range g.items {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}

// Stranded returns ids of waiting items that can never become eligible
// because a dependency, directly or transitively, has failed.
func (g *TaskGraph) Stranded() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	dead := make(map[string]bool)
	for _, it := range g.items {
		if it.Status == models.ItemStatusFailed {
			dead[it.ID] = true
		}
	}

	changed := true
	for changed {
		changed = false
		for _, it := range g.items {
			if dead[it.ID] || it.Status.Terminal() || it.Status == models.ItemStatusInProgress {
				continue
			}
			for _, dep := range it.Dependencies {
				if dead[dep] {
					dead[it.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var out []string
	for _, it := range g.items {
		if dead[it.ID] && !it.Status.Terminal() {
			out = append(out, it.ID)
		}
	}
	return out
}

// CanSkip reports whether the run may continue after this item fails.
func (g *TaskGraph) CanSkip(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	it, ok := g.index[id]
	return ok && !it.Critical
}

// Snapshot returns deep copies of all items in insertion order.
func (g *TaskGraph) Snapshot() []*models.WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.WorkItem, len(g.items))
	for i, it := range g.items {
		out[i] = it.Clone()
	}
	return out
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *TaskGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked runs a depth-first search with coloring to detect back edges.
func (g *TaskGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.items))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		it := g.index[id]
		if it != nil {
			for _, dep := range it.Dependencies {
				switch colors[dep] {
				case 1:
					return true
				case 0:
					if visit(dep) {
						return true
					}
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, it := range g.items {
		if colors[it.ID] == 0 && visit(it.ID) {
			return true
		}
	}
	return false
}

// refreshLocked moves waiting items between pending and blocked based on
// their dependencies.
func (g *TaskGraph) refreshLocked() {
	for _, it := range g.items {
		if it.Status != models.ItemStatusPending && it.Status != models.ItemStatusBlocked {
			continue
		}
		if g.depsCompletedLocked(it) {
			it.Status = models.ItemStatusPending
		} else {
			it.Status = models.ItemStatusBlocked
		}
	}
}

func (g *TaskGraph) depsCompletedLocked(it *models.WorkItem) bool {
	for _, dep := range it.Dependencies {
		d, ok := g.index[dep]
		if !ok || d.Status != models.ItemStatusCompleted {
			return false
		}
	}
	return true
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func mergeIDs(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !containsID(out, id) {
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !containsID(out, id) {
			out = append(out, id)
		}
	}
	return out
}
