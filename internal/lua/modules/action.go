package modules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/bulbd/internal/actions"
	"github.com/dokzlo13/bulbd/internal/lights"
)

// ActionModule provides action.define() to Lua
type ActionModule struct {
	registry *actions.Registry
	lights   *lights.Service
}

// NewActionModule creates a new action module. svc may be nil, in which case
// actions that touch lights fail when run.
func NewActionModule(registry *actions.Registry, svc *lights.Service) *ActionModule {
	return &ActionModule{registry: registry, lights: svc}
}

// Loader is the module loader for Lua
func (m *ActionModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "define", L.NewFunction(m.define))
	L.SetField(mod, "run", L.NewFunction(m.run))
	L.SetField(mod, "list", L.NewFunction(m.list))

	L.Push(mod)
	return 1
}

// define(name, function(ctx, args)) - Define an action
func (m *ActionModule) define(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	if err := m.registry.Register(&luaAction{L: L, name: name, fn: fn}); err != nil {
		L.RaiseError("failed to register action: %s", err.Error())
		return 0
	}

	log.Debug().Str("action", name).Msg("Lua action defined")
	return 0
}

// run(name, args) - Run an action immediately, bypassing deduplication.
// Useful during script loading.
func (m *ActionModule) run(L *lua.LState) int {
	name := L.CheckString(1)
	args := LuaTableToMap(L.OptTable(2, L.NewTable()))

	if err := m.runDirect(luaContext(L), name, args); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (m *ActionModule) runDirect(ctx context.Context, name string, args map[string]any) error {
	action, err := m.registry.Lookup(name)
	if err != nil {
		return err
	}
	if err := action.Execute(actions.NewContext(ctx, m.lights, m.runDirect), args); err != nil {
		return fmt.Errorf("action %q failed: %w", name, err)
	}
	return nil
}

// list() -> registered action names
func (m *ActionModule) list(L *lua.LState) int {
	L.Push(GoToLuaValue(L, m.registry.Names()))
	return 1
}

// luaAction wraps a Lua function as an action.
//
// The LState is captured at definition time. All Lua execution happens on the
// runtime worker goroutine, so the state is never used concurrently.
type luaAction struct {
	L    *lua.LState
	name string
	fn   *lua.LFunction
}

func (a *luaAction) Name() string { return a.name }

func (a *luaAction) Execute(ctx *actions.Context, args map[string]any) error {
	a.L.SetContext(ctx.Ctx())

	ctxTable := a.L.NewTable()
	a.L.SetField(ctxTable, "action", lua.LString(a.name))
	a.L.SetField(ctxTable, "run", a.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		nested := LuaTableToMap(L.OptTable(2, L.NewTable()))
		if err := ctx.RunAction(name, nested); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))

	a.L.Push(a.fn)
	a.L.Push(ctxTable)
	a.L.Push(MapToLuaTable(a.L, args))

	return a.L.PCall(2, 0, nil)
}
