package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/lights"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// errorBody is the body of every error response.
type errorBody struct {
	Message   string        `json:"message"`
	Code      lighterr.Code `json:"code"`
	Retriable bool          `json:"retriable"`
}

// envelope wraps successful non-command responses.
type envelope struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Debug().Err(err).Msg("Failed to write response body")
		}
	}
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Message: message, Success: true, Data: data})
}

// writeError maps err through the error taxonomy. Unclassified errors hide
// their detail.
func writeError(w http.ResponseWriter, err error) {
	status := lighterr.HTTPStatus(err)
	body := errorBody{
		Message:   err.Error(),
		Code:      lighterr.CodeOf(err),
		Retriable: lighterr.IsRetriable(err),
	}
	switch body.Code {
	case lighterr.CodeUnknown:
		log.Error().Err(err).Msg("Unclassified error in request handler")
		body.Message = "an unexpected error occurred"
	case lighterr.CodeTimeout:
		body.Message = "operation timed out"
	}
	writeJSON(w, status, body)
}

// resultStatus maps a command outcome to a status code.
func resultStatus(res *lights.Result) int {
	switch res.Outcome {
	case lights.OutcomeSuccess:
		return http.StatusOK
	case lights.OutcomePartial:
		return http.StatusMultiStatus
	default:
		return http.StatusBadGateway
	}
}

func writeResult(w http.ResponseWriter, res *lights.Result) {
	writeJSON(w, resultStatus(res), res)
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	return decode(r, v, false)
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(r *http.Request, v any) error {
	return decode(r, v, true)
}

func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return lighterr.InvalidInput("request body too large")
		}
		return lighterr.InvalidInput("invalid JSON body: %v", err)
	}
	return nil
}
