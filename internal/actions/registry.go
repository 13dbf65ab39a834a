package actions

import (
	"regexp"
	"sort"
	"sync"

	"github.com/dokzlo13/bulbd/internal/lighterr"
)

// Action is a named light routine that can be run from the API, from Lua or
// from another action.
type Action interface {
	Name() string
	Execute(ctx *Context, args map[string]any) error
}

// SimpleAction wraps a plain function as an Action.
type SimpleAction struct {
	name string
	fn   func(ctx *Context, args map[string]any) error
}

func (a *SimpleAction) Name() string { return a.name }

func (a *SimpleAction) Execute(ctx *Context, args map[string]any) error {
	return a.fn(ctx, args)
}

// Action names end up in URL paths (POST /api/actions/{name}).
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Registry maps action names to builtin and script-defined actions.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds action. Names must be unique and URL safe, so a script cannot
// shadow a builtin.
func (r *Registry) Register(action Action) error {
	name := action.Name()
	if !validName.MatchString(name) {
		return lighterr.InvalidInput("invalid action name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return lighterr.InvalidInput("action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// RegisterSimple registers fn under name.
func (r *Registry) RegisterSimple(name string, fn func(ctx *Context, args map[string]any) error) error {
	return r.Register(&SimpleAction{name: name, fn: fn})
}

func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, exists := r.actions[name]
	return action, exists
}

// Lookup is Get with a NotFound error for unknown names.
func (r *Registry) Lookup(name string) (Action, error) {
	action, ok := r.Get(name)
	if !ok {
		return nil, lighterr.NotFound("action %q not found", name)
	}
	return action, nil
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
