// Package lights turns light control requests into external command runs and
// folds the per-device results back into the device registry.
package lights

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/device"
	"github.com/dokzlo13/bulbd/internal/eventbus"
	"github.com/dokzlo13/bulbd/internal/group"
	"github.com/dokzlo13/bulbd/internal/ledger"
	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/metrics"
	"github.com/dokzlo13/bulbd/internal/pool"
)

// Command names understood by the external command layer.
const (
	CommandDiscover     = "get_lights"
	CommandTurnOn       = "turn_on_lights"
	CommandTurnOff      = "turn_off_lights"
	CommandWarmWhite    = "set_lights_warm_white"
	CommandColdWhite    = "set_lights_cold_white"
	CommandSetColor     = "set_lights_color"
	maxChannel          = 255
	defaultFailureCause = "command reported failure"
)

// Commands returns every command name the service may run.
func Commands() []string {
	return []string{
		CommandDiscover,
		CommandColdWhite,
		CommandSetColor,
		CommandWarmWhite,
		CommandTurnOff,
		CommandTurnOn,
	}
}

// Runner executes a named command and returns its stdout.
type Runner interface {
	Execute(ctx context.Context, name string, args []string, opts ...pool.Option) (string, error)
}

// Publisher receives domain events.
type Publisher interface {
	Publish(event eventbus.Event)
}

// Recorder appends command outcomes to an audit log.
type Recorder interface {
	AppendWithSource(eventType ledger.EventType, idempotencyKey, source, command string, payload map[string]any) error
}

// Scope selects the devices an operation targets.
type Scope struct {
	groupID string
}

// All targets every known device.
func All() Scope { return Scope{} }

// InGroup targets the resolved members of a group.
func InGroup(id string) Scope { return Scope{groupID: id} }

// GroupID returns the group of a group scope, or "".
func (s Scope) GroupID() string { return s.groupID }

func (s Scope) String() string {
	if s.groupID == "" {
		return "all"
	}
	return "group:" + s.groupID
}

type sourceKey struct{}

// WithSource tags ctx with the origin of a request, recorded in the ledger.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceOf(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok {
		return s
	}
	return ""
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher publishes device, discovery and command events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder records command outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithControlOptions applies pool overrides to every mutating command.
func WithControlOptions(opts ...pool.Option) Option {
	return func(s *Service) { s.controlOpts = append(s.controlOpts, opts...) }
}

// WithDiscoveryOptions applies pool overrides to discovery.
func WithDiscoveryOptions(opts ...pool.Option) Option {
	return func(s *Service) { s.discoveryOpts = append(s.discoveryOpts, opts...) }
}

// Service controls lights.
type Service struct {
	runner   Runner
	registry *device.Registry
	groups   *group.Manager

	publisher     Publisher
	recorder      Recorder
	controlOpts   []pool.Option
	discoveryOpts []pool.Option
}

// NewService creates a light control service.
func NewService(runner Runner, registry *device.Registry, groups *group.Manager, opts ...Option) *Service {
	s := &Service{runner: runner, registry: registry, groups: groups}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the device registry the service updates.
func (s *Service) Registry() *device.Registry { return s.registry }

// Groups returns the group hierarchy the service resolves scopes against.
func (s *Service) Groups() *group.Manager { return s.groups }

// TurnOn switches the scoped devices on.
func (s *Service) TurnOn(ctx context.Context, scope Scope) (*Result, error) {
	return s.mutate(ctx, scope, CommandTurnOn, nil, func(st *device.State) {
		st.IsOn = true
	})
}

// TurnOff switches the scoped devices off.
func (s *Service) TurnOff(ctx context.Context, scope Scope) (*Result, error) {
	return s.mutate(ctx, scope, CommandTurnOff, nil, func(st *device.State) {
		st.IsOn = false
	})
}

// SetWarmWhite sets warm white at intensity in [0,255].
func (s *Service) SetWarmWhite(ctx context.Context, scope Scope, intensity int) (*Result, error) {
	if err := validateIntensity(intensity); err != nil {
		return nil, err
	}
	return s.mutate(ctx, scope, CommandWarmWhite, map[string]any{"intensity": intensity}, func(st *device.State) {
		st.IsOn = true
		st.SetWarmWhite(intensity)
	})
}

// SetColdWhite sets cold white at intensity in [0,255].
func (s *Service) SetColdWhite(ctx context.Context, scope Scope, intensity int) (*Result, error) {
	if err := validateIntensity(intensity); err != nil {
		return nil, err
	}
	return s.mutate(ctx, scope, CommandColdWhite, map[string]any{"intensity": intensity}, func(st *device.State) {
		st.IsOn = true
		st.SetColdWhite(intensity)
	})
}

// SetColor sets an RGB color given as exactly three channels in [0,255].
func (s *Service) SetColor(ctx context.Context, scope Scope, rgb []int) (*Result, error) {
	color, err := validateColor(rgb)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, scope, CommandSetColor, map[string]any{"color": color}, func(st *device.State) {
		st.IsOn = true
		st.SetRGB(color)
	})
}

func validateIntensity(v int) error {
	if v < 0 || v > maxChannel {
		return lighterr.InvalidInput("intensity must be between 0 and %d, got %d", maxChannel, v)
	}
	return nil
}

func validateColor(rgb []int) ([3]int, error) {
	var out [3]int
	if len(rgb) != 3 {
		return out, lighterr.InvalidInput("color must have exactly 3 channels, got %d", len(rgb))
	}
	for i, c := range rgb {
		if c < 0 || c > maxChannel {
			return out, lighterr.InvalidInput("color channel %d must be between 0 and %d, got %d", i, maxChannel, c)
		}
		out[i] = c
	}
	return out, nil
}

// targets resolves a scope to device addresses.
func (s *Service) targets(scope Scope) ([]string, error) {
	if scope.groupID == "" {
		return s.registry.Addresses(), nil
	}
	members, err := s.groups.ResolveMembers(scope.groupID)
	if err != nil {
		if errors.Is(err, lighterr.ErrNotFound) {
			return nil, lighterr.InvalidInput("unknown group %q", scope.groupID)
		}
		return nil, err
	}
	return members, nil
}

type commandResponse struct {
	OverallSuccess bool                    `json:"overall_success"`
	Results        map[string]DeviceResult `json:"results"`
	Message        string                  `json:"message"`
}

func (s *Service) mutate(ctx context.Context, scope Scope, command string, params map[string]any, apply func(*device.State)) (*Result, error) {
	ips, err := s.targets(scope)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		log.Debug().Str("command", command).Stringer("scope", scope).Msg("No devices targeted, skipping command")
		return &Result{
			Command:        command,
			Outcome:        OutcomeSuccess,
			OverallSuccess: true,
			Results:        map[string]DeviceResult{},
			Message:        "no devices targeted",
		}, nil
	}

	payload := map[string]any{"ips": ips}
	for k, v := range params {
		payload[k] = v
	}
	arg, err := json.Marshal(payload)
	if err != nil {
		return nil, lighterr.Wrap(lighterr.CodeSystem, err, "failed to encode command payload")
	}

	return await(ctx, command, func(ctx context.Context) (*Result, error) {
		out, err := s.runner.Execute(ctx, command, []string{string(arg)}, s.controlOpts...)
		if err != nil {
			s.finish(ctx, command, scope, ips, nil, err)
			return nil, err
		}

		var resp commandResponse
		if err := decodeResponse(command, out, commandSchema, &resp); err != nil {
			s.finish(ctx, command, scope, ips, nil, err)
			return nil, err
		}

		res := s.reconcile(command, ips, resp, apply)
		s.finish(ctx, command, scope, ips, res, nil)
		return res, nil
	})
}

// await runs fn on a context that outlives the caller. An admitted command
// runs to completion in the pool, so its outcome must still reach the registry
// and the ledger after the caller stops waiting. ctx bounds only the wait.
func await[T any](ctx context.Context, command string, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		log.Warn().Err(ctx.Err()).Str("command", command).Msg("Caller stopped waiting, command outcome will still be applied")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, lighterr.Wrap(lighterr.CodeTimeout, ctx.Err(), "gave up waiting for "+command)
		}
		return zero, lighterr.Wrap(lighterr.CodeSystem, ctx.Err(), "gave up waiting for "+command)
	}
}

// reconcile applies a command response to the registry. A device succeeded
// when its own result says so, or when it has no result and the command as a
// whole succeeded.
func (s *Service) reconcile(command string, ips []string, resp commandResponse, apply func(*device.State)) *Result {
	res := &Result{
		Command:        command,
		OverallSuccess: resp.OverallSuccess,
		Results:        make(map[string]DeviceResult, len(ips)),
		Message:        resp.Message,
	}

	for _, ip := range ips {
		dr, reported := resp.Results[ip]
		if !reported {
			dr = DeviceResult{Success: resp.OverallSuccess, Message: resp.Message}
		}
		if !dr.Success && dr.Message == "" {
			dr.Message = firstNonEmpty(resp.Message, defaultFailureCause)
		}
		res.Results[ip] = dr
		metrics.ObserveDeviceResult(command, dr.Success)

		var (
			updated device.Device
			known   bool
		)
		if dr.Success {
			res.Succeeded = append(res.Succeeded, ip)
			updated, known = s.registry.Update(ip, func(d *device.Device) {
				apply(&d.State)
				d.Error = ""
			})
		} else {
			res.Failed = append(res.Failed, ip)
			updated, known = s.registry.Update(ip, func(d *device.Device) {
				d.Error = dr.Message
			})
		}
		if !known {
			res.Unknown = append(res.Unknown, ip)
			continue
		}
		s.publish(eventbus.EventTypeDeviceState, map[string]interface{}{
			"command": command,
			"device":  updated,
			"success": dr.Success,
		})
	}

	switch {
	case len(res.Failed) == 0:
		res.Outcome = OutcomeSuccess
	case len(res.Succeeded) > 0:
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeFailure
	}
	return res
}

// finish logs, records and publishes the end of a command.
func (s *Service) finish(ctx context.Context, command string, scope Scope, ips []string, res *Result, err error) {
	entry := map[string]any{
		"command": command,
		"scope":   scope.String(),
		"targets": ips,
	}
	eventType := ledger.EventCommandFailed

	if err != nil {
		entry["outcome"] = string(OutcomeFailure)
		entry["error"] = err.Error()
		entry["code"] = string(lighterr.CodeOf(err))
		log.Warn().Err(err).Str("command", command).Stringer("scope", scope).Msg("Light command failed")
	} else {
		entry["outcome"] = string(res.Outcome)
		entry["succeeded"] = res.Succeeded
		entry["failed"] = res.Failed
		switch res.Outcome {
		case OutcomeSuccess:
			eventType = ledger.EventCommandSucceeded
		case OutcomePartial:
			eventType = ledger.EventCommandPartial
		}
		log.Info().
			Str("command", command).
			Stringer("scope", scope).
			Str("outcome", string(res.Outcome)).
			Int("succeeded", len(res.Succeeded)).
			Int("failed", len(res.Failed)).
			Msg("Light command finished")
	}

	s.record(ctx, eventType, command, entry)
	s.publish(eventbus.EventTypeCommand, entry)
}

type discoveryResponse struct {
	Success bool            `json:"success"`
	Count   int             `json:"count"`
	Bulbs   []device.Device `json:"bulbs"`
	Message string          `json:"message"`
}

// Discover runs device discovery. A successful response replaces the registry
// wholesale; an unsuccessful one leaves it untouched.
func (s *Service) Discover(ctx context.Context) (*DiscoveryResult, error) {
	return await(ctx, CommandDiscover, s.discover)
}

func (s *Service) discover(ctx context.Context) (*DiscoveryResult, error) {
	out, err := s.runner.Execute(ctx, CommandDiscover, nil, s.discoveryOpts...)
	if err == nil {
		var resp discoveryResponse
		if err = decodeResponse(CommandDiscover, out, discoverySchema, &resp); err == nil {
			return s.applyDiscovery(ctx, resp), nil
		}
	}

	log.Warn().Err(err).Msg("Light discovery failed")
	s.record(ctx, ledger.EventCommandFailed, CommandDiscover, map[string]any{
		"command": CommandDiscover,
		"outcome": string(OutcomeFailure),
		"error":   err.Error(),
		"code":    string(lighterr.CodeOf(err)),
	})
	return nil, err
}

func (s *Service) applyDiscovery(ctx context.Context, resp discoveryResponse) *DiscoveryResult {
	res := &DiscoveryResult{Success: resp.Success, Message: resp.Message}
	if !resp.Success {
		log.Warn().Str("message", resp.Message).Msg("Light discovery reported failure")
		s.record(ctx, ledger.EventCommandFailed, CommandDiscover, map[string]any{
			"command": CommandDiscover,
			"outcome": string(OutcomeFailure),
			"message": resp.Message,
		})
		s.publish(eventbus.EventTypeDiscovery, map[string]interface{}{"success": false, "message": resp.Message})
		return res
	}

	s.registry.Replace(resp.Bulbs)
	res.Devices = s.registry.List()
	res.Count = len(res.Devices)
	metrics.SetDevicesKnown(res.Count)

	log.Info().Int("count", res.Count).Msg("Light discovery finished")
	s.record(ctx, ledger.EventDiscoveryComplete, CommandDiscover, map[string]any{
		"command": CommandDiscover,
		"count":   res.Count,
	})
	s.publish(eventbus.EventTypeDiscovery, map[string]interface{}{
		"success": true,
		"count":   res.Count,
		"devices": res.Devices,
	})
	return res
}

func (s *Service) record(ctx context.Context, eventType ledger.EventType, command string, payload map[string]any) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.AppendWithSource(eventType, "", sourceOf(ctx), command, payload); err != nil {
		log.Error().Err(err).Str("command", command).Msg("Failed to record command in ledger")
	}
}

func (s *Service) publish(t eventbus.EventType, data map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(eventbus.Event{Type: t, Data: data})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseColor parses "r,g,b" into channels. Count and range checks happen in
// SetColor.
func ParseColor(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, lighterr.InvalidInput("color must be formatted as r,g,b: %q", s)
		}
		out = append(out, v)
	}
	return out, nil
}
