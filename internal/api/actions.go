package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dokzlo13/bulbd/internal/lighterr"
)

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	if s.deps.Actions != nil {
		names = s.deps.Actions.Names()
	}
	writeOK(w, http.StatusOK, "Registered actions", map[string]any{
		"count":   len(names),
		"actions": names,
	})
}

// handleRunAction invokes a named action. The body, when present, is the
// argument object. Idempotency-Key deduplicates repeated calls.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		writeError(w, lighterr.System("actions are not available"))
		return
	}

	name := chi.URLParam(r, "name")
	args := map[string]any{}
	if err := decodeOptionalBody(r, &args); err != nil {
		writeError(w, err)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	ran, err := s.deps.Actions.Run(r.Context(), name, args, key)
	if err != nil {
		writeError(w, err)
		return
	}

	message := "Action executed"
	if !ran {
		message = "Action already completed"
	}
	writeOK(w, http.StatusOK, message, map[string]any{
		"action":   name,
		"executed": ran,
	})
}
