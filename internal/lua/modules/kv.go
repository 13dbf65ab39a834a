package modules

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/bulbd/internal/kv"
)

// KVModule exposes the persistent script store as the "kv" module.
type KVModule struct {
	store *kv.Store
}

// NewKVModule creates a new KV module.
func NewKVModule(store *kv.Store) *KVModule {
	return &KVModule{store: store}
}

// Loader is the module loader for Lua.
func (m *KVModule) Loader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "get", L.NewFunction(m.get))
	L.SetField(mod, "set", L.NewFunction(m.set))
	L.SetField(mod, "delete", L.NewFunction(m.delete))
	L.SetField(mod, "keys", L.NewFunction(m.keys))
	L.SetField(mod, "clear", L.NewFunction(m.clear))
	L.Push(mod)
	return 1
}

// get(bucket, key[, default])
func (m *KVModule) get(L *lua.LState) int {
	v, ok, err := m.store.Get(L.CheckString(1), L.CheckString(2))
	if raiseOn(L, err) {
		return 0
	}
	if !ok {
		L.Push(L.Get(3))
		return 1
	}
	L.Push(GoToLuaValue(L, v))
	return 1
}

// set(bucket, key, value[, ttl_seconds])
func (m *KVModule) set(L *lua.LState) int {
	ttl := time.Duration(float64(L.OptNumber(4, 0)) * float64(time.Second))
	raiseOn(L, m.store.Set(L.CheckString(1), L.CheckString(2), LuaToGo(L.CheckAny(3)), ttl))
	return 0
}

// delete(bucket, key) -> existed
func (m *KVModule) delete(L *lua.LState) int {
	existed, err := m.store.Delete(L.CheckString(1), L.CheckString(2))
	if raiseOn(L, err) {
		return 0
	}
	L.Push(lua.LBool(existed))
	return 1
}

// keys(bucket) -> {key, ...}
func (m *KVModule) keys(L *lua.LState) int {
	keys, err := m.store.Keys(L.CheckString(1))
	if raiseOn(L, err) {
		return 0
	}
	L.Push(GoToLuaValue(L, keys))
	return 1
}

// clear(bucket)
func (m *KVModule) clear(L *lua.LState) int {
	raiseOn(L, m.store.Clear(L.CheckString(1)))
	return 0
}
