package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/actions"
	"github.com/dokzlo13/bulbd/internal/config"
	"github.com/dokzlo13/bulbd/internal/group"
	"github.com/dokzlo13/bulbd/internal/kv"
	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/lights"
	luart "github.com/dokzlo13/bulbd/internal/lua"
)

// LuaService wraps the Lua runtime and routes action invocations through
// its worker when a script is loaded.
type LuaService struct {
	cfg     *config.Config
	Runtime *luart.Runtime
	invoker *actions.Invoker
	loaded  bool
}

// NewLuaService creates a new LuaService.
func NewLuaService(cfg *config.Config, registry *actions.Registry, invoker *actions.Invoker, svc *lights.Service, groups *group.Manager, store *kv.Store) *LuaService {
	runtime := luart.NewRuntime(luart.RuntimeDeps{
		Registry: registry,
		Lights:   svc,
		Groups:   groups,
		KV:       store,
	})

	return &LuaService{
		cfg:     cfg,
		Runtime: runtime,
		invoker: invoker,
	}
}

// LoadScript loads and executes the configured Lua script, if any.
// Must be called before Start().
func (s *LuaService) LoadScript() error {
	if s.cfg.Script == "" {
		log.Debug().Msg("No Lua script configured")
		return nil
	}
	if err := s.Runtime.LoadScript(s.cfg.Script); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

// Start begins the Lua worker goroutine.
func (s *LuaService) Start(ctx context.Context) {
	// Lua worker goroutine - this is the ONLY goroutine that touches Lua
	go s.Runtime.Run(ctx)
}

// Names lists the registered actions.
func (s *LuaService) Names() []string {
	return s.invoker.Registry().Names()
}

// Run invokes an action with the source recorded from the HTTP layer.
func (s *LuaService) Run(ctx context.Context, name string, args map[string]any, idempotencyKey string) (bool, error) {
	return s.Invoke(ctx, name, args, idempotencyKey, "api")
}

// Invoke runs an action. Script-defined actions must run on the Lua worker,
// so with a script loaded every invocation is queued there.
func (s *LuaService) Invoke(ctx context.Context, name string, args map[string]any, idempotencyKey, source string) (bool, error) {
	if !s.invoker.HasAction(name) {
		return false, lighterr.NotFound("action %q not found", name)
	}
	if !s.loaded {
		return s.invoker.InvokeWithSource(ctx, name, args, idempotencyKey, source)
	}

	var ran bool
	err := s.Runtime.DoSyncWithResult(ctx, func(context.Context) error {
		var err error
		ran, err = s.invoker.InvokeWithSource(ctx, name, args, idempotencyKey, source)
		return err
	})
	if errors.Is(err, luart.ErrRuntimeClosed) {
		return false, lighterr.Wrap(lighterr.CodeSystem, err, "scripting runtime is shut down")
	}
	return ran, err
}

// Close closes the Lua runtime.
func (s *LuaService) Close() {
	if s.Runtime != nil {
		s.Runtime.Close()
	}
}
