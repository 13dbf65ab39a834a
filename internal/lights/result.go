package lights

import "github.com/dokzlo13/bulbd/internal/device"

// Outcome summarizes a command across its targets.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// DeviceResult is the outcome of a command on one device.
type DeviceResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Result is the reconciled outcome of a mutating command.
type Result struct {
	Command        string                  `json:"command"`
	Outcome        Outcome                 `json:"outcome"`
	OverallSuccess bool                    `json:"overall_success"`
	Results        map[string]DeviceResult `json:"results"`
	Succeeded      []string                `json:"succeeded,omitempty"`
	Failed         []string                `json:"failed,omitempty"`
	// Unknown lists targeted addresses absent from the registry.
	Unknown []string `json:"unknown,omitempty"`
	Message string   `json:"message,omitempty"`
}

// DiscoveryResult is the outcome of a discovery run.
type DiscoveryResult struct {
	Success bool            `json:"success"`
	Count   int             `json:"count"`
	Devices []device.Device `json:"bulbs"`
	Message string          `json:"message,omitempty"`
}
