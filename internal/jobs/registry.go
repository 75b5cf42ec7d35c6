// Package jobs runs deferred work: Client enqueues jobs onto lanes, Pool
// dequeues them in lane-priority order, executes the registered handler and
// records the outcome in the job store.
package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/domain"
)

// HandlerFunc is a type-erased handler over the raw JSON args.
type HandlerFunc func(ctx context.Context, args []byte) error

// Definition describes a typed job. Handlers must be idempotent: the queue
// delivers at least once.
type Definition[T any] struct {
	Name    string
	Lane    domain.Lane
	Handler func(ctx context.Context, args T) error
	// Entity names the persisted domain entity this job drives, if any. Job
	// failures are mirrored onto it.
	Entity func(args T) (string, bool)
}

type entry struct {
	name    string
	lane    domain.Lane
	handler HandlerFunc
	entity  func(args []byte) (string, bool)
}

// Registry maps handler names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]entry)}
}

// Register adds def to r, wrapping its handler in a JSON decode step.
func Register[T any](r *Registry, def Definition[T]) {
	decode := func(raw []byte) (T, error) {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return args, errors.Wrapf(err, "decode args for %q", def.Name)
			}
		}
		return args, nil
	}

	e := entry{
		name: def.Name,
		lane: def.Lane,
		handler: func(ctx context.Context, raw []byte) error {
			args, err := decode(raw)
			if err != nil {
				return err
			}
			return def.Handler(ctx, args)
		},
	}
	if e.lane == "" {
		e.lane = domain.LaneDefault
	}
	if def.Entity != nil {
		e.entity = func(raw []byte) (string, bool) {
			args, err := decode(raw)
			if err != nil {
				return "", false
			}
			return def.Entity(args)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = e
}

func (r *Registry) get(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[name]
	return e, ok
}

// Lane returns the default lane of a registered handler.
func (r *Registry) Lane(name string) (domain.Lane, bool) {
	e, ok := r.get(name)
	return e.lane, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
