package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/membersync/pkg/types"
)

var (
	// ErrUnknownWorkType is returned when no handler is registered for an
	// item's type. It is an ordinary failure and is retried like any other.
	ErrUnknownWorkType = errors.New("unknown work type")

	// ErrInvalidPayload marks payloads that cannot be decoded into their
	// type's shape. The worker fails these without retrying.
	ErrInvalidPayload = types.ErrInvalidPayload

	// ErrDuplicateHandler is returned when a type is registered twice
	ErrDuplicateHandler = errors.New("handler already registered")
)

// Handler executes one work item. Handlers are re-run in full on retry and
// must be idempotent.
type Handler func(ctx context.Context, item *types.WorkItem) error

// FailureHook runs after an item of its type has been stored in the Error
// state. It cleans up state the handler left behind; cause is the error the
// item failed with.
type FailureHook func(ctx context.Context, item *types.WorkItem, cause error) error

// Dispatcher runs a work item through the handler registered for its type
type Dispatcher interface {
	Dispatch(ctx context.Context, item *types.WorkItem) error

	// Failed runs the failure hook for item's type, if any
	Failed(ctx context.Context, item *types.WorkItem, cause error) error
}

// Registry maps work types to handlers. It is filled at startup and read by
// the worker loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.WorkType]Handler
	onFail   map[types.WorkType]FailureHook
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[types.WorkType]Handler),
		onFail:   make(map[types.WorkType]FailureHook),
	}
}

// Handle registers a raw handler for t
func (r *Registry) Handle(t types.WorkType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidWorkType, t)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("%s: %w", t, ErrDuplicateHandler)
	}
	r.handlers[t] = h
	return nil
}

// Register adds a handler for the work type of P. The payload is decoded
// strictly and validated before fn runs. P must be a value type.
func Register[P types.Payload](r *Registry, fn func(ctx context.Context, item *types.WorkItem, payload P) error) error {
	var zero P
	t := zero.WorkType()
	return r.Handle(t, func(ctx context.Context, item *types.WorkItem) error {
		payload, err := types.Decode[P](item.Payload)
		if err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return fn(ctx, item, payload)
	})
}

// OnFailure registers the failure hook for t. A type has at most one.
func (r *Registry) OnFailure(t types.WorkType, hook FailureHook) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidWorkType, t)
	}
	if hook == nil {
		return fmt.Errorf("nil failure hook for %s", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.onFail[t]; exists {
		return fmt.Errorf("%s failure hook: %w", t, ErrDuplicateHandler)
	}
	r.onFail[t] = hook
	return nil
}

// RegisterFailure adds a failure hook for the work type of P. Items whose
// payload does not decode have nothing to clean up and are ignored.
func RegisterFailure[P types.Payload](r *Registry, fn func(ctx context.Context, item *types.WorkItem, payload P, cause error) error) error {
	var zero P
	return r.OnFailure(zero.WorkType(), func(ctx context.Context, item *types.WorkItem, cause error) error {
		payload, err := types.Decode[P](item.Payload)
		if err != nil {
			return nil
		}
		return fn(ctx, item, payload, cause)
	})
}

// Failed runs the failure hook registered for item.Type
func (r *Registry) Failed(ctx context.Context, item *types.WorkItem, cause error) error {
	r.mu.RLock()
	hook, ok := r.onFail[item.Type]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	return hook(ctx, item, cause)
}

// Dispatch runs the handler registered for item.Type
func (r *Registry) Dispatch(ctx context.Context, item *types.WorkItem) error {
	r.mu.RLock()
	h, ok := r.handlers[item.Type]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkType, item.Type)
	}
	return h(ctx, item)
}

// Has reports whether a handler is registered for t
func (r *Registry) Has(t types.WorkType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Types returns the registered work types, sorted
func (r *Registry) Types() []types.WorkType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.WorkType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsPermanent reports whether err cannot be fixed by retrying the item
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}
