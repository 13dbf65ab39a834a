package modules

import (
	"context"
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// LuaToGo converts a Lua value into plain Go data: strings, float64, bool,
// []any for sequences and map[string]any for everything else.
func LuaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := sequenceLen(val); n > 0 {
			out := make([]any, n)
			for i := 1; i <= n; i++ {
				out[i-1] = LuaToGo(val.RawGetInt(i))
			}
			return out
		}
		return LuaTableToMap(val)
	default:
		return v.String()
	}
}

// sequenceLen returns the highest index of a table keyed only by positive
// integers, or 0 when any other key is present.
func sequenceLen(tbl *lua.LTable) int {
	n := 0
	mixed := false
	tbl.ForEach(func(k, _ lua.LValue) {
		num, ok := k.(lua.LNumber)
		if !ok || num < 1 {
			mixed = true
			return
		}
		if int(num) > n {
			n = int(num)
		}
	})
	if mixed {
		return 0
	}
	return n
}

// GoToLuaValue converts Go data into a Lua value. Structs and other typed
// values go through their JSON form so device snapshots keep their field names.
func GoToLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		return sliceToLua(L, val)
	case []int:
		return sliceToLua(L, val)
	case []any:
		return sliceToLua(L, val)
	case map[string]any:
		return MapToLuaTable(L, val)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return lua.LString(fmt.Sprint(v))
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return lua.LString(fmt.Sprint(v))
	}
	return GoToLuaValue(L, plain)
}

func sliceToLua[T any](L *lua.LState, items []T) *lua.LTable {
	tbl := L.CreateTable(len(items), 0)
	for _, item := range items {
		tbl.Append(GoToLuaValue(L, item))
	}
	return tbl
}

// MapToLuaTable converts a Go map to a Lua table.
func MapToLuaTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.CreateTable(0, len(m))
	for k, v := range m {
		tbl.RawSetString(k, GoToLuaValue(L, v))
	}
	return tbl
}

// LuaTableToMap keeps the string keys of tbl.
func LuaTableToMap(tbl *lua.LTable) map[string]any {
	m := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			m[string(ks)] = LuaToGo(v)
		}
	})
	return m
}

// luaContext returns the Go context attached to L, or Background.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
