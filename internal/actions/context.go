// Package actions provides named, invokable light macros and their
// deduplicating invoker.
package actions

import (
	"context"

	"github.com/dokzlo13/bulbd/internal/lights"
)

// Context is the capability set handed to an action.
type Context struct {
	ctx       context.Context
	lights    *lights.Service
	runAction func(ctx context.Context, name string, args map[string]any) error
}

// NewContext creates an action context.
func NewContext(ctx context.Context, svc *lights.Service, runAction func(ctx context.Context, name string, args map[string]any) error) *Context {
	return &Context{ctx: ctx, lights: svc, runAction: runAction}
}

// Ctx returns the Go context for cancellation
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// Lights returns the light control service. It may be nil in tests.
func (c *Context) Lights() *lights.Service {
	return c.lights
}

// RunAction runs another action by name, without deduplication.
func (c *Context) RunAction(name string, args map[string]any) error {
	if c.runAction != nil {
		return c.runAction(c.ctx, name, args)
	}
	return nil
}
