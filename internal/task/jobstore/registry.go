package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TaskFunc is a registered callback. args is the schedule's JSON payload.
type TaskFunc func(ctx context.Context, args json.RawMessage) error

// Registry maps stable task names to callbacks, so stored schedules
// refer to code by name across restarts.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

func (r *Registry) Register(name string, fn TaskFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return fmt.Errorf("register task: name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tasks[name]; dup {
		return fmt.Errorf("register task: %q already registered", name)
	}
	r.tasks[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
