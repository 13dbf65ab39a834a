package group

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/bulbd/internal/lighterr"
)

type knownBulbs map[string]bool

func (k knownBulbs) Has(addr string) bool { return k[addr] }

func newManager(t *testing.T, ids ...string) *Manager {
	t.Helper()
	m := New(knownBulbs{"10.0.0.1": true, "10.0.0.2": true, "10.0.0.3": true})
	for _, id := range ids {
		_, err := m.Create(id, "Group "+id, "")
		require.NoError(t, err)
	}
	return m
}

func TestCreate(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		gname    string
		wantCode lighterr.Code
	}{
		{name: "valid", id: "kitchen", gname: "Kitchen"},
		{name: "missing id", id: "", gname: "Kitchen", wantCode: lighterr.CodeInvalidInput},
		{name: "missing name", id: "kitchen", gname: "", wantCode: lighterr.CodeInvalidInput},
		{name: "duplicate", id: "existing", gname: "Again", wantCode: lighterr.CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, "existing")
			g, err := m.Create(tt.id, tt.gname, "desc")
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, lighterr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, g.ID)
			assert.Equal(t, "desc", g.Description)
		})
	}
}

func TestAddChild_RejectsCycles(t *testing.T) {
	m := newManager(t, "a", "b", "c")
	require.NoError(t, m.AddChild("a", "b"))
	require.NoError(t, m.AddChild("b", "c"))

	before := m.List()

	err := m.AddChild("c", "a")
	assert.Equal(t, lighterr.CodeInvalidInput, lighterr.CodeOf(err))

	err = m.AddChild("b", "b")
	assert.Equal(t, lighterr.CodeInvalidInput, lighterr.CodeOf(err))

	assert.Equal(t, before, m.List(), "hierarchy must be unchanged after a rejected edge")
}

func TestAddChild_UnknownGroups(t *testing.T) {
	m := newManager(t, "a")
	assert.Equal(t, lighterr.CodeNotFound, lighterr.CodeOf(m.AddChild("a", "missing")))
	assert.Equal(t, lighterr.CodeNotFound, lighterr.CodeOf(m.AddChild("missing", "a")))
}

func TestAddChild_KeepsEdgesSymmetric(t *testing.T) {
	m := newManager(t, "a", "b")
	require.NoError(t, m.AddChild("a", "b"))

	a, _ := m.Get("a")
	b, _ := m.Get("b")
	assert.Equal(t, []string{"b"}, a.ChildIDs())
	assert.Equal(t, []string{"a"}, b.ParentIDs())

	m.RemoveChild("a", "b")
	a, _ = m.Get("a")
	b, _ = m.Get("b")
	assert.Empty(t, a.ChildIDs())
	assert.Empty(t, b.ParentIDs())
}

func TestResolveMembers_Diamond(t *testing.T) {
	// a -> b -> d, a -> c -> d
	m := newManager(t, "a", "b", "c", "d")
	require.NoError(t, m.AddChild("a", "b"))
	require.NoError(t, m.AddChild("a", "c"))
	require.NoError(t, m.AddChild("b", "d"))
	require.NoError(t, m.AddChild("c", "d"))

	require.NoError(t, m.AddBulb("d", "10.0.0.3"))
	require.NoError(t, m.AddBulb("b", "10.0.0.1"))
	require.NoError(t, m.AddBulb("c", "10.0.0.1"))
	require.NoError(t, m.AddBulb("c", "10.0.0.2"))

	got, err := m.ResolveMembers("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, got)

	got, err = m.ResolveMembers("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.3"}, got)

	_, err = m.ResolveMembers("missing")
	assert.Equal(t, lighterr.CodeNotFound, lighterr.CodeOf(err))
}

func TestAddBulb(t *testing.T) {
	m := newManager(t, "a")

	assert.NoError(t, m.AddBulb("a", "10.0.0.1"))
	assert.Equal(t, lighterr.CodeNotFound, lighterr.CodeOf(m.AddBulb("a", "10.9.9.9")))
	assert.Equal(t, lighterr.CodeNotFound, lighterr.CodeOf(m.AddBulb("missing", "10.0.0.1")))

	require.NoError(t, m.RemoveBulb("a", "10.0.0.1"))
	require.NoError(t, m.RemoveBulb("a", "10.0.0.1"))
	g, _ := m.Get("a")
	assert.Empty(t, g.BulbAddrs())
}

func TestRemove_DetachesAllEdges(t *testing.T) {
	m := newManager(t, "top", "mid", "leaf")
	require.NoError(t, m.AddChild("top", "mid"))
	require.NoError(t, m.AddChild("mid", "leaf"))

	require.NoError(t, m.Remove("mid"))

	_, err := m.Get("mid")
	assert.Equal(t, lighterr.CodeNotFound, lighterr.CodeOf(err))

	top, _ := m.Get("top")
	leaf, _ := m.Get("leaf")
	assert.Empty(t, top.ChildIDs())
	assert.Empty(t, leaf.ParentIDs())

	for _, g := range m.List() {
		assert.NotContains(t, g.ChildIDs(), "mid")
		assert.NotContains(t, g.ParentIDs(), "mid")
	}

	assert.Equal(t, lighterr.CodeNotFound, lighterr.CodeOf(m.Remove("mid")))
}

func TestUpdate(t *testing.T) {
	m := newManager(t, "a")
	name, empty, desc := "Renamed", "", "new"

	g, err := m.Update("a", &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", g.Name)

	g, err = m.Update("a", &empty, &desc)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", g.Name)
	assert.Equal(t, "new", g.Description)

	_, err = m.Update("missing", &name, nil)
	assert.Equal(t, lighterr.CodeNotFound, lighterr.CodeOf(err))
}

func TestGetReturnsCopy(t *testing.T) {
	m := newManager(t, "a")
	require.NoError(t, m.AddBulb("a", "10.0.0.1"))

	g, _ := m.Get("a")
	delete(g.Bulbs, "10.0.0.1")

	again, _ := m.Get("a")
	assert.Equal(t, []string{"10.0.0.1"}, again.BulbAddrs())
}

func TestChildren(t *testing.T) {
	m := newManager(t, "a", "c", "b")
	require.NoError(t, m.AddChild("a", "c"))
	require.NoError(t, m.AddChild("a", "b"))

	children, err := m.Children("a")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "b", children[0].ID)
	assert.Equal(t, "c", children[1].ID)
}

func TestGroupJSON(t *testing.T) {
	m := newManager(t, "a", "b")
	require.NoError(t, m.AddChild("a", "b"))
	require.NoError(t, m.AddBulb("a", "10.0.0.2"))
	require.NoError(t, m.AddBulb("a", "10.0.0.1"))

	g, _ := m.Get("a")
	data, err := json.Marshal(g)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "a",
		"name": "Group a",
		"parentGroups": [],
		"childGroups": ["b"],
		"bulbs": ["10.0.0.1", "10.0.0.2"]
	}`, string(data))
}
