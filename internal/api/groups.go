package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dokzlo13/bulbd/internal/device"
	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/lights"
)

type createGroupRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateGroupRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// memberRequest names a bulb address or a child group id.
type memberRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.deps.Groups.List()
	writeOK(w, http.StatusOK, fmt.Sprintf("Found %d group(s)", len(groups)), map[string]any{
		"count":  len(groups),
		"groups": groups,
	})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, lighterr.InvalidInput("group id and name are required"))
		return
	}

	g, err := s.deps.Groups.Create(req.ID, req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "Group created successfully", g)
}

func (s *Server) handleDeleteGroupByQuery(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, lighterr.InvalidInput("group id is required"))
		return
	}
	s.deleteGroup(w, id)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	s.deleteGroup(w, chi.URLParam(r, "groupId"))
}

func (s *Server) deleteGroup(w http.ResponseWriter, id string) {
	if err := s.deps.Groups.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Group deleted successfully", nil)
}

// memberDevices snapshots the resolved members of a group. Addresses not in
// the registry are reported with their address only.
func (s *Server) memberDevices(id string) ([]device.Device, error) {
	addrs, err := s.deps.Groups.ResolveMembers(id)
	if err != nil {
		return nil, err
	}
	registry := s.deps.Lights.Registry()
	out := make([]device.Device, 0, len(addrs))
	for _, addr := range addrs {
		d, ok := registry.Get(addr)
		if !ok {
			d = device.Device{IP: addr}
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupId")
	g, err := s.deps.Groups.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	bulbs, err := s.memberDevices(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Group details retrieved successfully", map[string]any{
		"group": g,
		"bulbs": bulbs,
	})
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req updateGroupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	g, err := s.deps.Groups.Update(chi.URLParam(r, "groupId"), req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Group updated successfully", g)
}

func (s *Server) handleGetMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupId")
	children, err := s.deps.Groups.Children(id)
	if err != nil {
		writeError(w, err)
		return
	}
	bulbs, err := s.memberDevices(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Group members retrieved successfully", map[string]any{
		"bulbs":       bulbs,
		"childGroups": children,
	})
}

func (s *Server) decodeMember(r *http.Request) (memberRequest, error) {
	var req memberRequest
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	if req.Type == "" || req.ID == "" {
		return req, lighterr.InvalidInput("member type and id are required")
	}
	if req.Type != "bulb" && req.Type != "group" {
		return req, lighterr.InvalidInput("invalid member type %q", req.Type)
	}
	return req, nil
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupId")
	req, err := s.decodeMember(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Type == "bulb" {
		err = s.deps.Groups.AddBulb(id, req.ID)
	} else {
		err = s.deps.Groups.AddChild(id, req.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("%s added to group successfully", req.Type), nil)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupId")
	req, err := s.decodeMember(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.deps.Groups.Get(id); err != nil {
		writeError(w, err)
		return
	}
	if req.Type == "bulb" {
		err = s.deps.Groups.RemoveBulb(id, req.ID)
	} else {
		s.deps.Groups.RemoveChild(id, req.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("%s removed from group successfully", req.Type), nil)
}

// handleGroupAction runs a control action over a group's resolved members.
func (s *Server) handleGroupAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupId")
	if _, err := s.deps.Groups.Get(id); err != nil {
		writeError(w, err)
		return
	}

	var req controlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.control(r.Context(), lights.InGroup(id), req.Action, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, describe(res, req.Action))
}
