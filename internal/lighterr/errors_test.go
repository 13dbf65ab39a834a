package lighterr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", InvalidInput("bad intensity %d", 300), http.StatusBadRequest},
		{"not found", NotFound("group %q not found", "x"), http.StatusNotFound},
		{"timeout", Timeout(""), http.StatusGatewayTimeout},
		{"process failed", ProcessFailed(2, "boom"), http.StatusBadGateway},
		{"invalid response", InvalidResponse("not json"), http.StatusBadGateway},
		{"system", System("missing interpreter"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("discover: %w", Timeout("")), http.StatusGatewayTimeout},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", Timeout(""), true},
		{"process failed", ProcessFailed(1, ""), true},
		{"invalid response", InvalidResponse("x"), true},
		{"invalid input", InvalidInput("x"), false},
		{"system", System("x"), false},
		{"not found", NotFound("x"), false},
		{"unclassified", errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.want {
				t.Errorf("IsRetriable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMatchesSentinelByCode(t *testing.T) {
	err := fmt.Errorf("turn on: %w", ProcessFailed(3, "bulb unreachable"))

	if !errors.Is(err, ErrProcessFailed) {
		t.Error("errors.Is(err, ErrProcessFailed) = false, want true")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = true, want false")
	}

	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("errors.As failed")
	}
	if e.ExitCode != 3 || e.Stderr != "bulb unreachable" {
		t.Errorf("ExitCode, Stderr = %d, %q", e.ExitCode, e.Stderr)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("exec: not found")
	err := Wrap(CodeSystem, cause, "failed to start process")

	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	if CodeOf(err) != CodeSystem {
		t.Errorf("CodeOf() = %s, want %s", CodeOf(err), CodeSystem)
	}
	if err.Error() != "failed to start process: exec: not found" {
		t.Errorf("Error() = %q", err.Error())
	}
}
