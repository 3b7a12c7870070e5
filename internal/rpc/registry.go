package rpc

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/opsgate/opsgate/internal/operr"
)

// Handler executes one tool call. Params arrive already decoded; handlers
// validate their own arguments and return typed errors from internal/operr.
type Handler interface {
	Call(ctx context.Context, call *Context, params map[string]any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Context, params map[string]any) (any, error)

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, call *Context, params map[string]any) (any, error) {
	return f(ctx, call, params)
}

// Registry maps tool names to handlers. Registration is one-shot: a second
// registration for a name fails and the first stays in effect.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Handler)}
}

// Register binds name to h. Names are "namespace.operation"; a duplicate
// name is an invalid_argument.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return operr.InvalidArgumentf("tool registration needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return operr.InvalidArgumentf("tool %q already registered", name).With("tool", name)
	}
	r.tools[name] = h
	return nil
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) error {
	return r.Register(name, fn)
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tools[name]
	return h, ok
}

// List returns the sorted tool names in namespace, or every tool when
// namespace is empty.
func (r *Registry) List(namespace string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if namespace != "" && namespaceOf(name) != namespace {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Namespaces returns the sorted distinct namespaces with at least one tool.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for name := range r.tools {
		seen[namespaceOf(name)] = struct{}{}
	}
	namespaces := make([]string, 0, len(seen))
	for ns := range seen {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces
}

func namespaceOf(tool string) string {
	if ns, _, ok := strings.Cut(tool, "."); ok {
		return ns
	}
	return tool
}
