// Package registry holds the set of running tasks.
package registry

import (
	"fmt"
	"mirrorq/internal/domain"
	"slices"
	"sync"
)

// Registry maps task ids to running tasks. All access goes through one
// mutex and reads hand out copies, so callers can iterate while the set
// changes underneath them.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*domain.Task)}
}

func (r *Registry) Register(t domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("register %s: %w", t.ID, domain.ErrDuplicateTask)
	}
	r.tasks[t.ID] = &t
	return nil
}

func (r *Registry) Unregister(id string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("unregister %s: %w", id, domain.ErrNotFound)
	}
	delete(r.tasks, id)
	return *t, nil
}

func (r *Registry) Get(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// Update applies fn to the stored task under the registry lock. fn must not
// change the task id.
func (r *Registry) Update(id string, fn func(t *domain.Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, domain.ErrNotFound)
	}
	fn(t)
	t.ID = id
	return nil
}

// List returns a snapshot of every running task ordered by creation time.
func (r *Registry) List() []domain.Task {
	return r.snapshot(func(*domain.Task) bool { return true })
}

func (r *Registry) ListByOwner(owner string) []domain.Task {
	return r.snapshot(func(t *domain.Task) bool { return t.Owner == owner })
}

func (r *Registry) CountRunning(kind domain.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tasks {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Registry) CountRunningForOwner(kind domain.Kind, owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tasks {
		if t.Kind == kind && t.Owner == owner {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Registry) snapshot(keep func(*domain.Task) bool) []domain.Task {
	r.mu.Lock()
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, *t)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}
