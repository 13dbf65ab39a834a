package lua

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/bulbd/internal/actions"
	"github.com/dokzlo13/bulbd/internal/group"
	"github.com/dokzlo13/bulbd/internal/kv"
	"github.com/dokzlo13/bulbd/internal/lights"
	"github.com/dokzlo13/bulbd/internal/lua/modules"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = fmt.Errorf("lua runtime closed")

// LuaWork represents work to be executed on the Lua VM.
// All Lua execution MUST go through this to ensure thread safety.
type LuaWork func(ctx context.Context)

// RuntimeDeps groups the services scripts can reach.
type RuntimeDeps struct {
	Registry *actions.Registry
	Lights   *lights.Service
	Groups   *group.Manager
	// KV backs the "kv" module. Nil leaves it unregistered.
	KV *kv.Store

	// QueueSize bounds pending work. Zero means 100.
	QueueSize int
}

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L    *lua.LState
	deps RuntimeDeps

	actionModule *modules.ActionModule

	workQueue chan LuaWork

	// closing is closed to signal senders to stop
	closing   chan struct{}
	closeOnce sync.Once
}

// NewRuntime creates a new Lua runtime with the log, action, lights and
// groups modules preloaded.
func NewRuntime(deps RuntimeDeps) *Runtime {
	size := deps.QueueSize
	if size <= 0 {
		size = 100
	}

	r := &Runtime{
		L:         lua.NewState(),
		deps:      deps,
		workQueue: make(chan LuaWork, size),
		closing:   make(chan struct{}),
	}

	r.registerModules()
	return r
}

// Close signals the runtime to stop accepting new work and closes the Lua state.
// Safe to call concurrently with Do/DoSync.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		// workQueue stays open to avoid send-on-closed-channel panics.
		r.L.Close()
	})
}

// Do queues work to be executed on the Lua VM without blocking.
// Returns false if the runtime is closing, the queue is full, or ctx is done.
func (r *Runtime) Do(ctx context.Context, work LuaWork) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSync queues work, blocking until there is space.
func (r *Runtime) DoSync(ctx context.Context, work LuaWork) error {
	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- work:
		return nil
	}
}

// DoSyncWithResult queues work and waits for its result. Used to invoke
// script-defined actions from HTTP handlers and the auto-sync loop.
func (r *Runtime) DoSyncWithResult(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrapped := LuaWork(func(c context.Context) {
		done <- work(c)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (r *Runtime) registerModules() {
	r.L.PreloadModule("log", modules.NewLogModule().Loader)

	r.actionModule = modules.NewActionModule(r.deps.Registry, r.deps.Lights)
	r.L.PreloadModule("action", r.actionModule.Loader)

	if r.deps.Lights != nil {
		r.L.PreloadModule("lights", modules.NewLightsModule(r.deps.Lights).Loader)
	}
	if r.deps.Groups != nil {
		r.L.PreloadModule("groups", modules.NewGroupsModule(r.deps.Groups).Loader)
	}
	if r.deps.KV != nil {
		r.L.PreloadModule("kv", modules.NewKVModule(r.deps.KV).Loader)
	}
}

// Run starts the Lua worker goroutine, the only goroutine that touches Lua.
// Exits when ctx is cancelled or the runtime is closed.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	r.L.SetContext(ctx)
	work(ctx)
}

// LoadScript executes a Lua script. Must be called before Run.
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Strs("actions", r.deps.Registry.Names()).Msg("Lua script loaded")
	return nil
}

// LoadString executes inline Lua source. Must be called before Run.
func (r *Runtime) LoadString(src string) error {
	if err := r.L.DoString(src); err != nil {
		return fmt.Errorf("failed to execute Lua source: %w", err)
	}
	return nil
}
