package modules

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/bulbd/internal/device"
	"github.com/dokzlo13/bulbd/internal/lights"
)

// LightsModule exposes light control to Lua. Every call blocks the Lua worker
// until the underlying command finishes.
type LightsModule struct {
	svc *lights.Service
}

// NewLightsModule creates a new lights module
func NewLightsModule(svc *lights.Service) *LightsModule {
	return &LightsModule{svc: svc}
}

// Loader is the module loader for Lua
func (m *LightsModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "on", L.NewFunction(m.on))
	L.SetField(mod, "off", L.NewFunction(m.off))
	L.SetField(mod, "warm_white", L.NewFunction(m.warmWhite))
	L.SetField(mod, "cold_white", L.NewFunction(m.coldWhite))
	L.SetField(mod, "color", L.NewFunction(m.color))
	L.SetField(mod, "discover", L.NewFunction(m.discover))
	L.SetField(mod, "list", L.NewFunction(m.list))
	L.SetField(mod, "get", L.NewFunction(m.get))

	L.Push(mod)
	return 1
}

// scopeAt reads an optional group id argument.
func scopeAt(L *lua.LState, n int) lights.Scope {
	if id := L.OptString(n, ""); id != "" {
		return lights.InGroup(id)
	}
	return lights.All()
}

// push returns a command result to Lua, raising on error.
func (m *LightsModule) push(L *lua.LState, res *lights.Result, err error) int {
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(MapToLuaTable(L, map[string]any{
		"outcome":   string(res.Outcome),
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"unknown":   res.Unknown,
		"message":   res.Message,
	}))
	return 1
}

// on([group])
func (m *LightsModule) on(L *lua.LState) int {
	res, err := m.svc.TurnOn(luaContext(L), scopeAt(L, 1))
	return m.push(L, res, err)
}

// off([group])
func (m *LightsModule) off(L *lua.LState) int {
	res, err := m.svc.TurnOff(luaContext(L), scopeAt(L, 1))
	return m.push(L, res, err)
}

// warm_white(intensity, [group])
func (m *LightsModule) warmWhite(L *lua.LState) int {
	res, err := m.svc.SetWarmWhite(luaContext(L), scopeAt(L, 2), L.CheckInt(1))
	return m.push(L, res, err)
}

// cold_white(intensity, [group])
func (m *LightsModule) coldWhite(L *lua.LState) int {
	res, err := m.svc.SetColdWhite(luaContext(L), scopeAt(L, 2), L.CheckInt(1))
	return m.push(L, res, err)
}

// color({r, g, b}, [group])
func (m *LightsModule) color(L *lua.LState) int {
	tbl := L.CheckTable(1)
	rgb := make([]int, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		n, ok := tbl.RawGetInt(i).(lua.LNumber)
		if !ok {
			L.ArgError(1, "color channels must be numbers")
			return 0
		}
		rgb = append(rgb, int(n))
	}
	res, err := m.svc.SetColor(luaContext(L), scopeAt(L, 2), rgb)
	return m.push(L, res, err)
}

// discover() -> {success, count, message}
func (m *LightsModule) discover(L *lua.LState) int {
	res, err := m.svc.Discover(luaContext(L))
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(MapToLuaTable(L, map[string]any{
		"success": res.Success,
		"count":   res.Count,
		"message": res.Message,
	}))
	return 1
}

// list() -> array of devices
func (m *LightsModule) list(L *lua.LState) int {
	tbl := L.NewTable()
	for i, d := range m.svc.Registry().List() {
		tbl.RawSetInt(i+1, deviceTable(L, d))
	}
	L.Push(tbl)
	return 1
}

// get(ip) -> device or nil
func (m *LightsModule) get(L *lua.LState) int {
	d, ok := m.svc.Registry().Get(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(deviceTable(L, d))
	return 1
}

func deviceTable(L *lua.LState, d device.Device) *lua.LTable {
	state := map[string]any{"is_on": d.State.IsOn}
	if d.State.RGB != nil {
		state["rgb"] = d.State.RGB[:]
	}
	if d.State.WarmWhite != nil {
		state["warm_white"] = *d.State.WarmWhite
	}
	if d.State.ColdWhite != nil {
		state["cold_white"] = *d.State.ColdWhite
	}
	if d.State.Brightness != nil {
		state["brightness"] = *d.State.Brightness
	}

	return MapToLuaTable(L, map[string]any{
		"ip":    d.IP,
		"name":  d.Name,
		"error": d.Error,
		"state": state,
	})
}
