package app

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/actions"
	"github.com/dokzlo13/bulbd/internal/api"
	"github.com/dokzlo13/bulbd/internal/config"
	"github.com/dokzlo13/bulbd/internal/db"
	"github.com/dokzlo13/bulbd/internal/device"
	"github.com/dokzlo13/bulbd/internal/eventbus"
	"github.com/dokzlo13/bulbd/internal/group"
	"github.com/dokzlo13/bulbd/internal/kv"
	"github.com/dokzlo13/bulbd/internal/ledger"
	"github.com/dokzlo13/bulbd/internal/lights"
)

// Services holds everything the daemon wires together, from the sqlite
// database up to the HTTP API.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	KV     *kv.Store
	Bus    *eventbus.Bus

	// Command execution
	Commands *CommandService

	// Domain state
	Devices *device.Registry
	Groups  *group.Manager
	Lights  *lights.Service

	// Action system
	Registry *actions.Registry
	Invoker  *actions.Invoker

	// High-level services
	Lua      *LuaService
	Hub      *api.Hub
	API      *api.Server
	Sinks    *SinkService
	Health   *HealthService
	AutoSync *AutoSyncService
	Cleanup  *LedgerCleanup
}

// NewServices builds the services bottom-up: storage, the command pool, the
// device and group state, the lights service, actions, then the outer surfaces.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger
	s.Ledger = ledger.New(database.DB)
	s.KV = kv.New(database.DB)

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Commands = NewCommandService(cfg)

	s.Devices = device.NewRegistry()
	s.Groups = group.New(s.Devices)
	s.Lights = lights.NewService(s.Commands.Pool, s.Devices, s.Groups,
		lights.WithPublisher(s.Bus),
		lights.WithRecorder(s.Ledger),
		lights.WithControlOptions(s.Commands.ControlOptions()...),
		lights.WithDiscoveryOptions(s.Commands.DiscoveryOptions()...),
	)

	// Initialize action registry with the stock light actions
	s.Registry = actions.NewRegistry()
	if err := actions.RegisterBuiltins(s.Registry); err != nil {
		s.Close()
		return nil, err
	}

	// Nested ctx.run() calls resolve through the same registry
	var ctxFactory func(ctx context.Context) *actions.Context
	runAction := func(ctx context.Context, name string, args map[string]any) error {
		action, err := s.Registry.Lookup(name)
		if err != nil {
			return err
		}
		return action.Execute(ctxFactory(ctx), args)
	}
	ctxFactory = func(ctx context.Context) *actions.Context {
		return actions.NewContext(ctx, s.Lights, runAction)
	}
	s.Invoker = actions.NewInvoker(s.Registry, s.Ledger, ctxFactory)

	s.Lua = NewLuaService(cfg, s.Registry, s.Invoker, s.Lights, s.Groups, s.KV)

	s.Hub = api.NewHub()
	s.Hub.Attach(s.Bus)
	s.Sinks = NewSinkService(cfg, s.Bus)

	var metricsHandler http.Handler
	if cfg.Metrics.IsEnabled() {
		metricsHandler = promhttp.Handler()
	}
	s.API, err = api.New(api.Deps{
		Lights:      s.Lights,
		Groups:      s.Groups,
		Actions:     s.Lua,
		Pool:        s.Commands.Pool,
		Env:         s.Commands,
		Hub:         s.Hub,
		CORS:        cfg.Server.CORSEnabled(),
		Metrics:     metricsHandler,
		MetricsPath: cfg.Metrics.Path,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize health service
	s.Health = NewHealthService(cfg, s.Commands.Ready)

	disc := cfg.Lights.Discovery
	s.AutoSync = NewAutoSyncService(s.Lights, disc.Interval.Duration(), disc.RunOnStart(), disc.Disabled)
	s.Cleanup = NewLedgerCleanup(s.Ledger, cfg.Ledger.CleanupInterval.Duration(), cfg.Ledger.RetentionDays)
	s.Cleanup.PurgeExpired(s.KV)

	return s, nil
}

// Start runs the Lua bootstrap before anything can take requests, then starts
// the pool watchdog, the API and the background loops.
func (s *Services) Start(ctx context.Context) error {
	// Load Lua script before starting worker
	if err := s.Lua.LoadScript(); err != nil {
		return err
	}

	// Start all background services
	s.Commands.Start(ctx)
	s.Lua.Start(ctx)
	go s.Hub.Run(ctx)

	if err := s.API.Start(s.cfg.Server.Addr()); err != nil {
		return err
	}

	s.Health.Start(ctx)
	s.AutoSync.Start(ctx)
	s.Cleanup.Start(ctx)

	return nil
}

// Stop drains in reverse: no new requests, then the pool, the bus and sinks.
func (s *Services) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	if err := s.API.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown incomplete")
	}
	s.Commands.Close(ctx)
	s.Bus.Close(ctx)
	s.Sinks.Close()

	s.Close()
	return nil
}

// Close stops the Lua worker and closes the database.
func (s *Services) Close() {
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
