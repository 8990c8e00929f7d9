package invoker

import (
	"context"
	"sort"
	"sync"

	"github.com/loonghao/taskchain/pkg/schema"
)

// Handler executes the work behind one prompt ID.
type Handler interface {
	Name() string
	Invoke(ctx context.Context, input map[string]any) (map[string]any, error)
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// describer is implemented by handlers that carry a description.
type describer interface {
	Description() string
}

// Registry is a thread-safe map of prompt IDs to handlers. It satisfies the
// executor's Invoker interface: a step's prompt ID selects the handler, with
// an optional fallback for IDs no handler claims.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Returns an error on duplicate or empty name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// SetFallback installs the handler used for prompt IDs with no registration.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "handler %q not registered", name)
	}
	return h, nil
}

// List returns info for all registered handlers, sorted by name.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		info := HandlerInfo{Name: h.Name()}
		if d, ok := h.(describer); ok {
			info.Description = d.Description()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke dispatches a prompt ID to its handler.
func (r *Registry) Invoke(ctx context.Context, promptID string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.handlers[promptID]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no handler for prompt %q", promptID)
	}
	return h.Invoke(ctx, input)
}
