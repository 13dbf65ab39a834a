package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/bulbd/internal/config"
	"github.com/dokzlo13/bulbd/internal/ledger"
	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/lights"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "bulbd.sqlite")
	cfg.Commands.Dir = t.TempDir()
	cfg.Commands.SkipEnvCheck = true
	return cfg
}

func newTestServices(t *testing.T, cfg *config.Config) *Services {
	t.Helper()
	s, err := NewServices(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestServices_BuiltinActionsRunDirectly(t *testing.T) {
	s := newTestServices(t, testConfig(t))

	assert.Contains(t, s.Lua.Names(), "lights_on")

	// No devices are known, so the command is skipped without spawning.
	ran, err := s.Lua.Run(context.Background(), "lights_on", nil, "k1")
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = s.Lua.Run(context.Background(), "lights_on", nil, "k1")
	require.NoError(t, err)
	assert.False(t, ran)

	entries, err := s.Ledger.GetByType(ledger.EventActionCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = s.Lua.Run(context.Background(), "nope", nil, "")
	assert.True(t, errors.Is(err, lighterr.ErrNotFound))
}

func TestServices_ScriptActionsRunOnLuaWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Script = filepath.Join(t.TempDir(), "main.lua")
	require.NoError(t, os.WriteFile(cfg.Script, []byte(`
		local action = require("action")
		local groups = require("groups")

		groups.create("house", "House")

		action.define("make_room", function(ctx, args)
			groups.create(args.id, "Room")
			groups.add_child("house", args.id)
		end)
	`), 0o644))

	s := newTestServices(t, cfg)
	require.NoError(t, s.Lua.LoadScript())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Lua.Start(ctx)

	_, err := s.Groups.Get("house")
	require.NoError(t, err)

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	ran, err := s.Lua.Invoke(callCtx, "make_room", map[string]any{"id": "kitchen"}, "", "test")
	require.NoError(t, err)
	assert.True(t, ran)

	children, err := s.Groups.Children("house")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "kitchen", children[0].ID)

	// Creating the same group again fails inside Lua and surfaces here.
	_, err = s.Lua.Invoke(callCtx, "make_room", map[string]any{"id": "kitchen"}, "", "test")
	assert.Error(t, err)
}

func TestServices_ReadyWhenEnvCheckSkipped(t *testing.T) {
	s := newTestServices(t, testConfig(t))
	assert.True(t, s.Commands.Ready())

	rec := httptest.NewRecorder()
	s.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCommandService_PoolOverrides(t *testing.T) {
	cfg := testConfig(t)
	retries := 0
	cfg.Lights.Control.Retries = &retries
	cfg.Lights.Control.Timeout = config.Duration(2 * time.Second)

	s := NewCommandService(cfg)
	defer s.Close(context.Background())

	assert.Len(t, s.ControlOptions(), 2)
	assert.Len(t, s.DiscoveryOptions(), 1)
	assert.Equal(t, cfg.Process.MaxConcurrent, s.Pool.Config().MaxConcurrent)
}

type fakeDiscoverer struct {
	calls atomic.Int32
	fail  bool
}

func (f *fakeDiscoverer) Discover(context.Context) (*lights.DiscoveryResult, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, lighterr.Timeout("get_lights timed out")
	}
	return &lights.DiscoveryResult{Success: true, Count: 1}, nil
}

func TestAutoSync(t *testing.T) {
	t.Run("runs on start and on every tick", func(t *testing.T) {
		d := &fakeDiscoverer{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		NewAutoSyncService(d, 10*time.Millisecond, true, false).Start(ctx)
		assert.Eventually(t, func() bool { return d.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	})

	t.Run("failures keep the loop alive", func(t *testing.T) {
		d := &fakeDiscoverer{fail: true}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		NewAutoSyncService(d, 10*time.Millisecond, false, false).Start(ctx)
		assert.Eventually(t, func() bool { return d.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("disabled", func(t *testing.T) {
		d := &fakeDiscoverer{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		NewAutoSyncService(d, time.Millisecond, true, true).Start(ctx)
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, d.calls.Load())
	})
}

type fakePruner struct {
	mu        sync.Mutex
	retention []time.Duration
}

func (f *fakePruner) DeleteOlderThan(d time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retention = append(f.retention, d)
	return 1, nil
}

func (f *fakePruner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retention)
}

type expirerFunc func() (int64, error)

func (f expirerFunc) PurgeExpired() (int64, error) { return f() }

func TestLedgerCleanup(t *testing.T) {
	p := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var purged atomic.Int32
	c := NewLedgerCleanup(p, 10*time.Millisecond, 2)
	c.PurgeExpired(expirerFunc(func() (int64, error) {
		purged.Add(1)
		return 0, nil
	}))
	c.Start(ctx)
	require.Eventually(t, func() bool { return p.count() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return purged.Load() >= 2 }, time.Second, 5*time.Millisecond)

	p.mu.Lock()
	assert.Equal(t, 48*time.Hour, p.retention[0])
	p.mu.Unlock()

	idle := &fakePruner{}
	NewLedgerCleanup(idle, 0, 2).Start(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, idle.count())
}

func TestHealthHandler(t *testing.T) {
	var ready atomic.Bool
	h := NewHealthService(config.Default(), ready.Load).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
