package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/lights"
)

// controlParams are the optional arguments of a control action.
type controlParams struct {
	Intensity *int  `json:"intensity"`
	Color     []int `json:"color"`
}

type controlRequest struct {
	Action string        `json:"action"`
	Params controlParams `json:"params"`
}

// control runs a named control action over scope. Both the short query
// names and the camel-case group action names are accepted.
func (s *Server) control(ctx context.Context, scope lights.Scope, action string, p controlParams) (*lights.Result, error) {
	svc := s.deps.Lights

	intensity := func() (int, error) {
		if p.Intensity == nil {
			return 0, lighterr.InvalidInput("intensity is required for %s", action)
		}
		return *p.Intensity, nil
	}

	switch action {
	case "on", "turnOn":
		return svc.TurnOn(ctx, scope)
	case "off", "turnOff":
		return svc.TurnOff(ctx, scope)
	case "warm_white", "setWarmWhite":
		v, err := intensity()
		if err != nil {
			return nil, err
		}
		return svc.SetWarmWhite(ctx, scope, v)
	case "cold_white", "setColdWhite":
		v, err := intensity()
		if err != nil {
			return nil, err
		}
		return svc.SetColdWhite(ctx, scope, v)
	case "color", "setColor":
		if p.Color == nil {
			return nil, lighterr.InvalidInput("color is required for %s", action)
		}
		return svc.SetColor(ctx, scope, p.Color)
	case "":
		return nil, lighterr.InvalidInput("action is required")
	default:
		return nil, lighterr.InvalidInput("unsupported action: %s", action)
	}
}

// describe fills in a message for results the command left unexplained.
func describe(res *lights.Result, action string) *lights.Result {
	if res.Message != "" {
		return res
	}
	switch res.Outcome {
	case lights.OutcomeSuccess:
		res.Message = fmt.Sprintf("%s succeeded on all lights", action)
	case lights.OutcomePartial:
		res.Message = fmt.Sprintf("%s failed on some lights", action)
	default:
		res.Message = fmt.Sprintf("%s failed", action)
	}
	return res
}

// handleLights lists the registry, or with ?action= runs a control action
// over every light. action=discover runs discovery.
func (s *Server) handleLights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("action") {
		devices := s.deps.Lights.Registry().List()
		writeOK(w, http.StatusOK, fmt.Sprintf("Found %d light(s)", len(devices)), map[string]any{
			"count": len(devices),
			"bulbs": devices,
		})
		return
	}

	action := q.Get("action")
	if action == "discover" || action == "sync" {
		s.handleSync(w, r)
		return
	}

	var p controlParams
	if raw := q.Get("intensity"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, lighterr.InvalidInput("intensity must be an integer, got %q", raw))
			return
		}
		p.Intensity = &v
	}
	if raw := q.Get("color"); raw != "" {
		rgb, err := lights.ParseColor(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		p.Color = rgb
	}

	res, err := s.control(r.Context(), lights.All(), action, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, describe(res, action))
}

func (s *Server) handleLightsAction(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.control(r.Context(), lights.All(), req.Action, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, describe(res, req.Action))
}

// handleSync runs discovery. A response reporting failure answers 404.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Lights.Discover(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	message := res.Message
	if !res.Success {
		status = http.StatusNotFound
		if message == "" {
			message = "discovery found no lights"
		}
	} else if message == "" {
		message = fmt.Sprintf("Discovered %d light(s)", res.Count)
	}

	writeJSON(w, status, envelope{
		Message: message,
		Success: res.Success,
		Data: map[string]any{
			"count": res.Count,
			"bulbs": res.Devices,
		},
	})
}
