package lights

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/bulbd/internal/device"
	"github.com/dokzlo13/bulbd/internal/eventbus"
	"github.com/dokzlo13/bulbd/internal/group"
	"github.com/dokzlo13/bulbd/internal/ledger"
	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/pool"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	output string
	err    error
}

func (f *fakeRunner) Execute(_ context.Context, name string, args []string, _ ...pool.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})
	return f.output, f.err
}

func (f *fakeRunner) payload(t *testing.T) map[string]any {
	t.Helper()
	require.Len(t, f.calls, 1)
	require.Len(t, f.calls[0].args, 1)
	var p map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.calls[0].args[0]), &p))
	return p
}

type fakePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (f *fakePublisher) Publish(e eventbus.Event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakePublisher) count(t eventbus.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []ledger.EventType
	sources []string
}

func (f *fakeRecorder) AppendWithSource(t ledger.EventType, _, source, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, t)
	f.sources = append(f.sources, source)
	return nil
}

func (f *fakeRecorder) recorded() []ledger.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.EventType(nil), f.entries...)
}

// slowRunner behaves like the pool: ctx bounds only the wait, and the command
// finishes with output once released.
type slowRunner struct {
	output  string
	release chan struct{}
	done    chan struct{}
}

func newSlowRunner(output string) *slowRunner {
	return &slowRunner{output: output, release: make(chan struct{}), done: make(chan struct{})}
}

func (r *slowRunner) Execute(ctx context.Context, name string, _ []string, _ ...pool.Option) (string, error) {
	finished := make(chan struct{})
	go func() {
		<-r.release
		close(r.done)
		close(finished)
	}()
	select {
	case <-finished:
		return r.output, nil
	case <-ctx.Done():
		return "", lighterr.Wrap(lighterr.CodeTimeout, ctx.Err(), "gave up waiting for "+name)
	}
}

const (
	ipA = "10.0.0.1"
	ipB = "10.0.0.2"
	ipC = "10.0.0.3"
)

func setup(t *testing.T, runner *fakeRunner, opts ...Option) *Service {
	t.Helper()
	reg := device.NewRegistry()
	reg.Replace([]device.Device{{IP: ipA}, {IP: ipB}, {IP: ipC}})

	groups := group.New(reg)
	_, err := groups.Create("room", "Room", "")
	require.NoError(t, err)
	for _, ip := range []string{ipA, ipB, ipC} {
		require.NoError(t, groups.AddBulb("room", ip))
	}
	_, err = groups.Create("empty", "Empty", "")
	require.NoError(t, err)

	return NewService(runner, reg, groups, opts...)
}

func TestIntensityBounds(t *testing.T) {
	tests := []struct {
		name      string
		intensity int
		wantErr   bool
	}{
		{"below range", -1, true},
		{"above range", 256, true},
		{"lower bound", 0, false},
		{"upper bound", 255, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{output: `{"overall_success": true}`}
			s := setup(t, runner)

			_, errWarm := s.SetWarmWhite(context.Background(), All(), tt.intensity)
			_, errCold := s.SetColdWhite(context.Background(), All(), tt.intensity)

			if tt.wantErr {
				assert.Equal(t, lighterr.CodeInvalidInput, lighterr.CodeOf(errWarm))
				assert.Equal(t, lighterr.CodeInvalidInput, lighterr.CodeOf(errCold))
				assert.Empty(t, runner.calls, "no command may run for invalid input")
				return
			}
			assert.NoError(t, errWarm)
			assert.NoError(t, errCold)
			assert.Len(t, runner.calls, 2)
		})
	}
}

func TestColorValidation(t *testing.T) {
	tests := []struct {
		name    string
		rgb     []int
		wantErr bool
	}{
		{"two channels", []int{1, 2}, true},
		{"four channels", []int{1, 2, 3, 4}, true},
		{"channel too high", []int{0, 256, 0}, true},
		{"negative channel", []int{0, 0, -1}, true},
		{"valid", []int{255, 128, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{output: `{"overall_success": true}`}
			s := setup(t, runner)

			_, err := s.SetColor(context.Background(), All(), tt.rgb)
			if tt.wantErr {
				assert.Equal(t, lighterr.CodeInvalidInput, lighterr.CodeOf(err))
				assert.Empty(t, runner.calls)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []any{float64(255), float64(128), float64(0)}, runner.payload(t)["color"])
		})
	}
}

func TestPartialReconciliation(t *testing.T) {
	runner := &fakeRunner{output: `{
		"overall_success": false,
		"message": "some bulbs failed",
		"results": {
			"10.0.0.1": {"success": true, "message": "ok"},
			"10.0.0.2": {"success": false, "message": "bulb unreachable"}
		}
	}`}
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	s := setup(t, runner, WithPublisher(pub), WithRecorder(rec))

	ctx := WithSource(context.Background(), "test")
	res, err := s.SetWarmWhite(ctx, InGroup("room"), 200)
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, []string{ipA}, res.Succeeded)
	assert.Equal(t, []string{ipB, ipC}, res.Failed)

	a, _ := s.Registry().Get(ipA)
	assert.True(t, a.State.IsOn)
	require.NotNil(t, a.State.WarmWhite)
	assert.Equal(t, 200, *a.State.WarmWhite)
	assert.Empty(t, a.Error)

	b, _ := s.Registry().Get(ipB)
	assert.False(t, b.State.IsOn)
	assert.Nil(t, b.State.WarmWhite)
	assert.Equal(t, "bulb unreachable", b.Error)

	// No per-device entry and overall failure: failed with the overall message.
	c, _ := s.Registry().Get(ipC)
	assert.Nil(t, c.State.WarmWhite)
	assert.Equal(t, "some bulbs failed", c.Error)

	p := runner.payload(t)
	assert.Equal(t, []any{ipA, ipB, ipC}, p["ips"])
	assert.Equal(t, float64(200), p["intensity"])

	assert.Equal(t, 3, pub.count(eventbus.EventTypeDeviceState))
	assert.Equal(t, 1, pub.count(eventbus.EventTypeCommand))
	assert.Equal(t, []ledger.EventType{ledger.EventCommandPartial}, rec.entries)
	assert.Equal(t, []string{"test"}, rec.sources)
}

func TestMissingEntryFollowsOverallSuccess(t *testing.T) {
	runner := &fakeRunner{output: `{"overall_success": true, "results": {"10.0.0.2": {"success": false}}}`}
	s := setup(t, runner)

	// Start from a colored state to check exclusivity after the update.
	s.Registry().Update(ipA, func(d *device.Device) { d.State.SetRGB([3]int{1, 2, 3}) })

	res, err := s.SetColdWhite(context.Background(), All(), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, []string{ipA, ipC}, res.Succeeded)

	a, _ := s.Registry().Get(ipA)
	assert.Nil(t, a.State.RGB)
	require.NotNil(t, a.State.ColdWhite)
	assert.Equal(t, 42, *a.State.ColdWhite)

	b, _ := s.Registry().Get(ipB)
	assert.Equal(t, defaultFailureCause, b.Error)
}

func TestOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Outcome
	}{
		{"all succeed", `{"overall_success": true}`, OutcomeSuccess},
		{"none succeed", `{"overall_success": false, "message": "network down"}`, OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup(t, &fakeRunner{output: tt.output})
			res, err := s.TurnOn(context.Background(), All())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestSuccessClearsPreviousError(t *testing.T) {
	s := setup(t, &fakeRunner{output: `{"overall_success": true}`})
	s.Registry().Update(ipA, func(d *device.Device) {
		d.Error = "old failure"
		d.State.IsOn = true
	})

	_, err := s.TurnOff(context.Background(), All())
	require.NoError(t, err)

	a, _ := s.Registry().Get(ipA)
	assert.False(t, a.State.IsOn)
	assert.Empty(t, a.Error)
}

func TestScopeErrors(t *testing.T) {
	runner := &fakeRunner{output: `{"overall_success": true}`}
	s := setup(t, runner)

	_, err := s.TurnOn(context.Background(), InGroup("nope"))
	assert.Equal(t, lighterr.CodeInvalidInput, lighterr.CodeOf(err))

	res, err := s.TurnOn(context.Background(), InGroup("empty"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.Results)

	assert.Empty(t, runner.calls)
}

func TestUnknownTargetsAreNotCreated(t *testing.T) {
	runner := &fakeRunner{output: `{"overall_success": true}`}
	s := setup(t, runner)

	// Rediscovery dropped ipC but the group still references it.
	s.Registry().Replace([]device.Device{{IP: ipA}, {IP: ipB}})

	res, err := s.TurnOn(context.Background(), InGroup("room"))
	require.NoError(t, err)
	assert.Equal(t, []string{ipC}, res.Unknown)
	assert.False(t, s.Registry().Has(ipC))
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		want   lighterr.Code
	}{
		{"invalid json", &fakeRunner{output: "Traceback (most recent call last)"}, lighterr.CodeInvalidResponse},
		{"schema violation", &fakeRunner{output: `{"overall_success": "yes"}`}, lighterr.CodeInvalidResponse},
		{"bad result entry", &fakeRunner{output: `{"overall_success": true, "results": {"10.0.0.1": {}}}`}, lighterr.CodeInvalidResponse},
		{"process failed", &fakeRunner{err: lighterr.ProcessFailed(1, "boom")}, lighterr.CodeProcessFailed},
		{"timeout", &fakeRunner{err: lighterr.Timeout("")}, lighterr.CodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			s := setup(t, tt.runner, WithRecorder(rec))

			_, err := s.TurnOn(context.Background(), All())
			assert.Equal(t, tt.want, lighterr.CodeOf(err))
			assert.Equal(t, []ledger.EventType{ledger.EventCommandFailed}, rec.entries)

			a, _ := s.Registry().Get(ipA)
			assert.False(t, a.State.IsOn, "state must not change on command failure")
		})
	}
}

func TestDiscover(t *testing.T) {
	runner := &fakeRunner{output: `{
		"success": true,
		"count": 2,
		"bulbs": ["192.168.1.5", {"ip": "192.168.1.6", "name": "lamp", "state": {"isOn": true}}]
	}`}
	pub := &fakePublisher{}
	s := setup(t, runner, WithPublisher(pub))

	res, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, []string{"192.168.1.5", "192.168.1.6"}, s.Registry().Addresses())

	lamp, ok := s.Registry().Get("192.168.1.6")
	require.True(t, ok)
	assert.Equal(t, "lamp", lamp.Name)
	assert.True(t, lamp.State.IsOn)

	assert.Equal(t, CommandDiscover, runner.calls[0].name)
	assert.Empty(t, runner.calls[0].args)
	assert.Equal(t, 1, pub.count(eventbus.EventTypeDiscovery))
}

func TestDiscover_FailureLeavesRegistry(t *testing.T) {
	tests := []struct {
		name    string
		runner  *fakeRunner
		wantErr lighterr.Code
	}{
		{"reported failure", &fakeRunner{output: `{"success": false, "message": "no network"}`}, ""},
		{"invalid output", &fakeRunner{output: `not json`}, lighterr.CodeInvalidResponse},
		{"bad bulb entry", &fakeRunner{output: `{"success": true, "bulbs": [42]}`}, lighterr.CodeInvalidResponse},
		{"process failed", &fakeRunner{err: lighterr.ProcessFailed(2, "")}, lighterr.CodeProcessFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup(t, tt.runner)

			res, err := s.Discover(context.Background())
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, lighterr.CodeOf(err))
			} else {
				require.NoError(t, err)
				assert.False(t, res.Success)
				assert.Equal(t, "no network", res.Message)
			}
			assert.Equal(t, []string{ipA, ipB, ipC}, s.Registry().Addresses())
		})
	}
}

func TestParseColor(t *testing.T) {
	got, err := ParseColor("255, 0,10")
	require.NoError(t, err)
	assert.Equal(t, []int{255, 0, 10}, got)

	got, err = ParseColor("1,2,3,4")
	require.NoError(t, err)
	assert.Len(t, got, 4)

	_, err = ParseColor("red")
	assert.Equal(t, lighterr.CodeInvalidInput, lighterr.CodeOf(err))
}

func TestAbandonedCommandStillReconciles(t *testing.T) {
	reg := device.NewRegistry()
	reg.Replace([]device.Device{{IP: ipA}})
	runner := newSlowRunner(`{"overall_success": true, "results": {}}`)
	rec := &fakeRecorder{}
	s := NewService(runner, reg, group.New(reg), WithRecorder(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.TurnOn(ctx, All())
	assert.Equal(t, lighterr.CodeTimeout, lighterr.CodeOf(err))

	a, _ := reg.Get(ipA)
	assert.False(t, a.State.IsOn)

	close(runner.release)
	<-runner.done

	require.Eventually(t, func() bool {
		a, _ := reg.Get(ipA)
		return a.State.IsOn
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		entries := rec.recorded()
		return len(entries) == 1 && entries[0] == ledger.EventCommandSucceeded
	}, time.Second, 5*time.Millisecond)
}

func TestAbandonedDiscoveryStillReplacesRegistry(t *testing.T) {
	reg := device.NewRegistry()
	runner := newSlowRunner(`{"success": true, "count": 1, "bulbs": ["192.168.1.9"]}`)
	s := NewService(runner, reg, group.New(reg))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Discover(ctx)
	assert.Equal(t, lighterr.CodeSystem, lighterr.CodeOf(err))

	close(runner.release)
	assert.Eventually(t, func() bool {
		return len(reg.Addresses()) == 1
	}, time.Second, 5*time.Millisecond)
}
