// Package group maintains a hierarchy of light groups. A group holds bulbs
// directly and may contain other groups; the child relation is kept acyclic
// so any group resolves to a finite set of bulbs.
package group

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/dokzlo13/bulbd/internal/lighterr"
)

// DeviceLookup reports whether a bulb address is known.
type DeviceLookup interface {
	Has(addr string) bool
}

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s set) clone() set {
	out := make(set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Group is a node of the hierarchy. Values returned by Manager are copies.
type Group struct {
	ID          string
	Name        string
	Description string
	Children    map[string]struct{}
	Parents     map[string]struct{}
	Bulbs       map[string]struct{}
}

func newGroup(id, name, description string) *Group {
	return &Group{
		ID:          id,
		Name:        name,
		Description: description,
		Children:    make(set),
		Parents:     make(set),
		Bulbs:       make(set),
	}
}

func (g *Group) clone() Group {
	return Group{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Children:    set(g.Children).clone(),
		Parents:     set(g.Parents).clone(),
		Bulbs:       set(g.Bulbs).clone(),
	}
}

// ChildIDs returns the direct child group ids, sorted.
func (g Group) ChildIDs() []string { return set(g.Children).sorted() }

// ParentIDs returns the direct parent group ids, sorted.
func (g Group) ParentIDs() []string { return set(g.Parents).sorted() }

// BulbAddrs returns the directly contained bulb addresses, sorted.
func (g Group) BulbAddrs() []string { return set(g.Bulbs).sorted() }

type groupJSON struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	ParentGroups []string `json:"parentGroups"`
	ChildGroups  []string `json:"childGroups"`
	Bulbs        []string `json:"bulbs"`
}

// MarshalJSON renders the sets as sorted arrays.
func (g Group) MarshalJSON() ([]byte, error) {
	return json.Marshal(groupJSON{
		ID:           g.ID,
		Name:         g.Name,
		Description:  g.Description,
		ParentGroups: g.ParentIDs(),
		ChildGroups:  g.ChildIDs(),
		Bulbs:        g.BulbAddrs(),
	})
}

// Manager owns every group.
type Manager struct {
	devices DeviceLookup

	mu     sync.RWMutex
	groups map[string]*Group
}

// New creates an empty hierarchy validating bulbs against devices.
func New(devices DeviceLookup) *Manager {
	return &Manager{devices: devices, groups: make(map[string]*Group)}
}

// Create adds a group with no members.
func (m *Manager) Create(id, name, description string) (Group, error) {
	if id == "" {
		return Group{}, lighterr.InvalidInput("group id is required")
	}
	if name == "" {
		return Group{}, lighterr.InvalidInput("group name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[id]; exists {
		return Group{}, lighterr.InvalidInput("group %q already exists", id)
	}
	g := newGroup(id, name, description)
	m.groups[id] = g
	return g.clone(), nil
}

// Get returns a copy of the group.
func (m *Manager) Get(id string) (Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return Group{}, notFound(id)
	}
	return g.clone(), nil
}

// List returns copies of all groups sorted by id.
func (m *Manager) List() []Group {
	m.mu.RLock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of groups.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// Update changes the name and description. A nil or empty name keeps the
// current one; a nil description keeps the current one.
func (m *Manager) Update(id string, name, description *string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return Group{}, notFound(id)
	}
	if name != nil && *name != "" {
		g.Name = *name
	}
	if description != nil {
		g.Description = *description
	}
	return g.clone(), nil
}

// AddChild makes child a member of parent. It fails, leaving the hierarchy
// unchanged, when the edge would close a cycle.
func (m *Manager) AddChild(parentID, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.groups[parentID]
	if !ok {
		return notFound(parentID)
	}
	child, ok := m.groups[childID]
	if !ok {
		return notFound(childID)
	}
	if parentID == childID {
		return lighterr.InvalidInput("group %q cannot contain itself", parentID)
	}
	if m.reachableLocked(childID, parentID) {
		return lighterr.InvalidInput("adding %q to %q would create a cycle", childID, parentID)
	}

	parent.Children[childID] = struct{}{}
	child.Parents[parentID] = struct{}{}
	return nil
}

// reachableLocked reports whether to is reachable from from along child
// edges. Caller holds mu.
func (m *Manager) reachableLocked(from, to string) bool {
	visited := make(set)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if g, ok := m.groups[id]; ok {
			for c := range g.Children {
				stack = append(stack, c)
			}
		}
	}
	return false
}

// RemoveChild unlinks child from parent. Unknown ids are ignored.
func (m *Manager) RemoveChild(parentID, childID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent, ok := m.groups[parentID]; ok {
		delete(parent.Children, childID)
	}
	if child, ok := m.groups[childID]; ok {
		delete(child.Parents, parentID)
	}
}

// AddBulb puts a known bulb directly into a group.
func (m *Manager) AddBulb(groupID, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return notFound(groupID)
	}
	if m.devices != nil && !m.devices.Has(addr) {
		return lighterr.NotFound("bulb %s not found", addr)
	}
	g.Bulbs[addr] = struct{}{}
	return nil
}

// RemoveBulb takes a bulb out of a group's direct members.
func (m *Manager) RemoveBulb(groupID, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return notFound(groupID)
	}
	delete(g.Bulbs, addr)
	return nil
}

// ResolveMembers returns every bulb in the group or any group below it,
// deduplicated and sorted.
func (m *Manager) ResolveMembers(groupID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.groups[groupID]; !ok {
		return nil, notFound(groupID)
	}

	bulbs := make(set)
	visited := make(set)
	stack := []string{groupID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		g, ok := m.groups[id]
		if !ok {
			continue
		}
		for addr := range g.Bulbs {
			bulbs[addr] = struct{}{}
		}
		for c := range g.Children {
			stack = append(stack, c)
		}
	}
	return bulbs.sorted(), nil
}

// Remove detaches a group from all parents and children and deletes it.
// Its children survive as groups of their own.
func (m *Manager) Remove(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return notFound(groupID)
	}
	for pid := range g.Parents {
		if p, ok := m.groups[pid]; ok {
			delete(p.Children, groupID)
		}
	}
	for cid := range g.Children {
		if c, ok := m.groups[cid]; ok {
			delete(c.Parents, groupID)
		}
	}
	delete(m.groups, groupID)
	return nil
}

// Children returns copies of the direct child groups, sorted by id.
func (m *Manager) Children(groupID string) ([]Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupID]
	if !ok {
		return nil, notFound(groupID)
	}
	out := make([]Group, 0, len(g.Children))
	for _, cid := range set(g.Children).sorted() {
		if c, ok := m.groups[cid]; ok {
			out = append(out, c.clone())
		}
	}
	return out, nil
}

func notFound(id string) error {
	return lighterr.NotFound("group %q not found", id)
}
