package job

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc handles one decoded job.
type HandlerFunc func(ctx context.Context, info Info, kind Kind) error

// Registry maps job types to handlers and acts as a Processor that
// decodes each job and dispatches on its variant. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]HandlerFunc
}

var _ Processor = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Type]HandlerFunc),
	}
}

// Handle registers a typed handler for the variant K. The variant's zero
// value determines the job type.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Handle[K Kind](r *Registry, fn func(ctx context.Context, info Info, kind K) error) {
	var zero K
	r.Register(zero.Type(), func(ctx context.Context, info Info, kind Kind) error {
		typed, ok := kind.(K)
		if !ok {
			return Fatal(fmt.Errorf("job %s: decoded %T, handler wants %T", info.JobName, kind, zero))
		}
		return fn(ctx, info, typed)
	})
}

// Register installs h for jobs of type t, replacing any previous handler.
func (r *Registry) Register(t Type, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Get returns the handler for t.
func (r *Registry) Get(t Type) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// OnScheduledJob decodes the job and runs its handler. Undecodable jobs and
// jobs without a handler fail fatally: retrying cannot fix them.
func (r *Registry) OnScheduledJob(ctx context.Context, info Info) error {
	kind, err := Decode(info.Details)
	if err != nil {
		return Fatal(fmt.Errorf("job %s: %w", info.JobName, err))
	}

	h, ok := r.Get(kind.Type())
	if !ok {
		return Fatal(fmt.Errorf("job %s: no handler for type %s", info.JobName, kind.Type()))
	}
	return h(ctx, info, kind)
}
