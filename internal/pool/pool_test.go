package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/bulbd/internal/executor"
	"github.com/dokzlo13/bulbd/internal/lighterr"
)

// fakeProc is a process that finishes when told to or when killed.
type fakeProc struct {
	done    chan executor.Result
	once    sync.Once
	started time.Time
	killed  atomic.Bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan executor.Result, 1), started: time.Now()}
}

func (f *fakeProc) finish(res executor.Result) {
	f.once.Do(func() {
		res.Duration = time.Since(f.started)
		f.done <- res
	})
}

func (f *fakeProc) Done() <-chan executor.Result { return f.done }
func (f *fakeProc) Terminate(time.Duration)      { f.Kill() }
func (f *fakeProc) PID() int                     { return 0 }
func (f *fakeProc) StartedAt() time.Time         { return f.started }
func (f *fakeProc) Touch(time.Time)              {}

func (f *fakeProc) Kill() {
	f.killed.Store(true)
	f.finish(executor.Result{ExitCode: -1, Err: lighterr.ProcessFailed(-1, "killed")})
}

var testResolver = executor.ScriptResolver{Dir: "scripts"}

func fastConfig() Config {
	return Config{
		MaxConcurrent: 2,
		Timeout:       time.Second,
		MaxRetries:    0,
		BackoffFactor: 2,
		BackoffUnit:   5 * time.Millisecond,
		KillGrace:     10 * time.Millisecond,
	}
}

func TestExecute_ReturnsStdout(t *testing.T) {
	var seen executor.Command
	starter := StarterFunc(func(cmd executor.Command) (Process, error) {
		seen = cmd
		p := newFakeProc()
		p.finish(executor.Result{Stdout: `{"success":true}`})
		return p, nil
	})

	p := New(starter, testResolver, fastConfig())
	out, err := p.Execute(context.Background(), "get_lights", []string{`{"ips":[]}`})

	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, out)
	assert.Equal(t, "scripts/get_lights", seen.Path)
	assert.Equal(t, []string{`{"ips":[]}`}, seen.Args)
}

func TestExecute_NeverExceedsConcurrencyCeiling(t *testing.T) {
	const ceiling = 2
	const requests = 8

	var running, peak atomic.Int32
	starter := StarterFunc(func(executor.Command) (Process, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		p := newFakeProc()
		go func() {
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			p.finish(executor.Result{Stdout: "ok"})
		}()
		return p, nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrent = ceiling
	p := New(starter, testResolver, cfg)

	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Execute(context.Background(), "turn_on_lights", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(ceiling))
	assert.Equal(t, int32(ceiling), peak.Load(), "excess requests should have queued behind a full pool")
	assert.Equal(t, Stats{Active: 0, Queued: 0, MaxConcurrent: ceiling}, p.Stats())
}

func TestExecute_AdmitsInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	blocker := newFakeProc()

	starter := StarterFunc(func(cmd executor.Command) (Process, error) {
		mu.Lock()
		order = append(order, cmd.Args[0])
		first := len(order) == 1
		mu.Unlock()
		if first {
			return blocker, nil
		}
		p := newFakeProc()
		p.finish(executor.Result{Stdout: "ok"})
		return p, nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	p := New(starter, testResolver, cfg)

	var wg sync.WaitGroup
	launch := func(arg string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Execute(context.Background(), "turn_on_lights", []string{arg})
		}()
	}

	launch("r0")
	require.Eventually(t, func() bool { return p.Stats().Active == 1 }, time.Second, time.Millisecond)

	args := []string{"r1", "r2", "r3", "r4"}
	for i, arg := range args {
		launch(arg)
		want := i + 1
		require.Eventually(t, func() bool { return p.Stats().Queued == want }, time.Second, time.Millisecond)
	}

	blocker.finish(executor.Result{Stdout: "ok"})
	wg.Wait()

	assert.Equal(t, []string{"r0", "r1", "r2", "r3", "r4"}, order)
}

func TestExecute_TimeoutRetriesWithIncreasingDelay(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time

	starter := StarterFunc(func(executor.Command) (Process, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		// Never exits on its own.
		return newFakeProc(), nil
	})

	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.BackoffFactor = 3
	cfg.BackoffUnit = 20 * time.Millisecond
	p := New(starter, testResolver, cfg)

	_, err := p.Execute(context.Background(), "turn_off_lights", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lighterr.ErrTimeout), "got %v", err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3, "one attempt plus two retries")

	// Gap = timeout + backoff; backoffs are 20ms then 60ms.
	gap1 := starts[1].Sub(starts[0])
	gap2 := starts[2].Sub(starts[1])
	assert.GreaterOrEqual(t, gap1, 40*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 80*time.Millisecond)
	assert.Greater(t, gap2, gap1)
}

func TestExecute_RetriesProcessFailureThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	starter := StarterFunc(func(executor.Command) (Process, error) {
		p := newFakeProc()
		if calls.Add(1) < 3 {
			p.finish(executor.Result{ExitCode: 1, Stderr: "flaky", Err: lighterr.ProcessFailed(1, "flaky")})
		} else {
			p.finish(executor.Result{Stdout: "done"})
		}
		return p, nil
	})

	cfg := fastConfig()
	cfg.MaxRetries = 3
	p := New(starter, testResolver, cfg)

	out, err := p.Execute(context.Background(), "set_lights_color", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_SurfacesLastFailureAfterRetries(t *testing.T) {
	var calls atomic.Int32
	starter := StarterFunc(func(executor.Command) (Process, error) {
		calls.Add(1)
		p := newFakeProc()
		p.finish(executor.Result{ExitCode: 2, Err: lighterr.ProcessFailed(2, "unreachable")})
		return p, nil
	})

	cfg := fastConfig()
	cfg.MaxRetries = 2
	p := New(starter, testResolver, cfg)

	_, err := p.Execute(context.Background(), "turn_on_lights", nil)
	assert.True(t, errors.Is(err, lighterr.ErrProcessFailed))
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_DoesNotRetryNonRetriable(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		want      lighterr.Code
		wantCalls int32
	}{
		{name: "spawn failure", command: "turn_on_lights", want: lighterr.CodeSystem, wantCalls: 1},
		{name: "bad command name", command: "../etc/passwd", want: lighterr.CodeInvalidInput, wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			starter := StarterFunc(func(executor.Command) (Process, error) {
				calls.Add(1)
				return nil, lighterr.System("no such file")
			})

			cfg := fastConfig()
			cfg.MaxRetries = 3
			p := New(starter, testResolver, cfg)

			_, err := p.Execute(context.Background(), tt.command, nil)
			assert.Equal(t, tt.want, lighterr.CodeOf(err))
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestExecute_PerRequestRetryOverride(t *testing.T) {
	var calls atomic.Int32
	starter := StarterFunc(func(executor.Command) (Process, error) {
		calls.Add(1)
		p := newFakeProc()
		p.finish(executor.Result{ExitCode: 1, Err: lighterr.ProcessFailed(1, "")})
		return p, nil
	})

	cfg := fastConfig()
	cfg.MaxRetries = 5
	p := New(starter, testResolver, cfg)

	_, err := p.Execute(context.Background(), "get_lights", nil, WithMaxRetries(0))
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestShutdown_FailsQueuedAndKillsRunning(t *testing.T) {
	var procs []*fakeProc
	var mu sync.Mutex
	starter := StarterFunc(func(executor.Command) (Process, error) {
		p := newFakeProc()
		mu.Lock()
		procs = append(procs, p)
		mu.Unlock()
		return p, nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	p := New(starter, testResolver, cfg)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.Execute(context.Background(), "turn_on_lights", nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Active == 1 && s.Queued == 2
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	for i := 0; i < 3; i++ {
		err := <-errs
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
		assert.Equal(t, lighterr.CodeSystem, lighterr.CodeOf(err))
	}

	mu.Lock()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].killed.Load())
	mu.Unlock()

	_, err := p.Execute(context.Background(), "turn_on_lights", nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestShutdown_CancelsPendingBackoff(t *testing.T) {
	var calls atomic.Int32
	starter := StarterFunc(func(executor.Command) (Process, error) {
		calls.Add(1)
		p := newFakeProc()
		p.finish(executor.Result{ExitCode: 1, Err: lighterr.ProcessFailed(1, "")})
		return p, nil
	})

	cfg := fastConfig()
	cfg.MaxRetries = 3
	cfg.BackoffUnit = time.Hour
	p := New(starter, testResolver, cfg)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), "turn_on_lights", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return calls.Load() == 1 && p.Stats().Active == 0
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("request stuck in backoff after shutdown")
	}
}

func TestBackoff(t *testing.T) {
	p := New(nil, testResolver, Config{BackoffUnit: time.Second})

	tests := []struct {
		factor  float64
		attempt int
		want    time.Duration
	}{
		{1.5, 0, time.Second},
		{1.5, 1, 1500 * time.Millisecond},
		{1.5, 2, 2250 * time.Millisecond},
		{2, 3, 8 * time.Second},
	}

	for _, tt := range tests {
		if got := p.backoff(tt.factor, tt.attempt); got != tt.want {
			t.Errorf("backoff(%v, %d) = %v, want %v", tt.factor, tt.attempt, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, DefaultMaxConcurrent, cfg.MaxConcurrent)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultBackoffFactor, cfg.BackoffFactor)
	assert.Equal(t, DefaultKillGrace, cfg.KillGrace)
	assert.Equal(t, 0, cfg.MaxRetries, "zero retries is a valid setting")
}
