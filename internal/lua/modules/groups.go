package modules

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/bulbd/internal/group"
)

// GroupsModule lets scripts build and inspect the group hierarchy.
type GroupsModule struct {
	groups *group.Manager
}

// NewGroupsModule creates a new groups module
func NewGroupsModule(groups *group.Manager) *GroupsModule {
	return &GroupsModule{groups: groups}
}

// Loader is the module loader for Lua
func (m *GroupsModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "create", L.NewFunction(m.create))
	L.SetField(mod, "remove", L.NewFunction(m.remove))
	L.SetField(mod, "add_bulb", L.NewFunction(m.addBulb))
	L.SetField(mod, "remove_bulb", L.NewFunction(m.removeBulb))
	L.SetField(mod, "add_child", L.NewFunction(m.addChild))
	L.SetField(mod, "remove_child", L.NewFunction(m.removeChild))
	L.SetField(mod, "members", L.NewFunction(m.members))
	L.SetField(mod, "get", L.NewFunction(m.get))
	L.SetField(mod, "list", L.NewFunction(m.list))

	L.Push(mod)
	return 1
}

func raiseOn(L *lua.LState, err error) bool {
	if err != nil {
		L.RaiseError("%s", err.Error())
		return true
	}
	return false
}

// create(id, name, [description])
func (m *GroupsModule) create(L *lua.LState) int {
	g, err := m.groups.Create(L.CheckString(1), L.CheckString(2), L.OptString(3, ""))
	if raiseOn(L, err) {
		return 0
	}
	L.Push(groupTable(L, g))
	return 1
}

// remove(id)
func (m *GroupsModule) remove(L *lua.LState) int {
	raiseOn(L, m.groups.Remove(L.CheckString(1)))
	return 0
}

// add_bulb(id, ip)
func (m *GroupsModule) addBulb(L *lua.LState) int {
	raiseOn(L, m.groups.AddBulb(L.CheckString(1), L.CheckString(2)))
	return 0
}

// remove_bulb(id, ip)
func (m *GroupsModule) removeBulb(L *lua.LState) int {
	raiseOn(L, m.groups.RemoveBulb(L.CheckString(1), L.CheckString(2)))
	return 0
}

// add_child(parent, child)
func (m *GroupsModule) addChild(L *lua.LState) int {
	raiseOn(L, m.groups.AddChild(L.CheckString(1), L.CheckString(2)))
	return 0
}

// remove_child(parent, child)
func (m *GroupsModule) removeChild(L *lua.LState) int {
	m.groups.RemoveChild(L.CheckString(1), L.CheckString(2))
	return 0
}

// members(id) -> resolved bulb addresses
func (m *GroupsModule) members(L *lua.LState) int {
	ips, err := m.groups.ResolveMembers(L.CheckString(1))
	if raiseOn(L, err) {
		return 0
	}
	L.Push(GoToLuaValue(L, ips))
	return 1
}

// get(id) -> group or nil
func (m *GroupsModule) get(L *lua.LState) int {
	g, err := m.groups.Get(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(groupTable(L, g))
	return 1
}

// list() -> array of groups
func (m *GroupsModule) list(L *lua.LState) int {
	tbl := L.NewTable()
	for i, g := range m.groups.List() {
		tbl.RawSetInt(i+1, groupTable(L, g))
	}
	L.Push(tbl)
	return 1
}

func groupTable(L *lua.LState, g group.Group) *lua.LTable {
	return MapToLuaTable(L, map[string]any{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"bulbs":       g.BulbAddrs(),
		"children":    g.ChildIDs(),
		"parents":     g.ParentIDs(),
	})
}
