package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/config"
)

// App runs the bulbd daemon: the HTTP API, the command pool, the Lua worker
// and the background loops built by NewServices.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New opens the database and wires every service. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Services exposes the wired services, for the CLI subcommands and tests.
func (a *App) Services() *Services {
	return a.services
}

// Start loads the script and starts serving. Cancelling ctx stops the
// background loops; Stop still has to be called to drain the pool.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.services.Start(a.ctx); err != nil {
		a.cancel()
		return err
	}

	log.Info().Msg("bulbd started")
	return nil
}

// Stop closes the API, shuts the pool down and releases the database.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down bulbd")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the context passed to Start is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
