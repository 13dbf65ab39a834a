package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/config"
	"github.com/dokzlo13/bulbd/internal/envcheck"
	"github.com/dokzlo13/bulbd/internal/executor"
	"github.com/dokzlo13/bulbd/internal/lights"
	"github.com/dokzlo13/bulbd/internal/pool"
)

// CommandService owns the external command stack: resolver, executor,
// execution pool and environment checker.
type CommandService struct {
	cfg      *config.Config
	Executor *executor.Executor
	Resolver executor.ScriptResolver
	Pool     *pool.Pool
	Env      *envcheck.Checker
}

// NewCommandService builds the command stack from configuration.
func NewCommandService(cfg *config.Config) *CommandService {
	resolver := executor.ScriptResolver{
		Interpreter: cfg.Commands.Interpreter,
		Dir:         cfg.Commands.Dir,
		Extension:   cfg.Commands.Extension,
	}
	exec := executor.New()

	pc := cfg.Process
	p := pool.New(pool.FromExecutor(exec), resolver, pool.Config{
		MaxConcurrent: pc.MaxConcurrent,
		Timeout:       pc.Timeout.Duration(),
		MaxRetries:    pc.GetMaxRetries(),
		BackoffFactor: pc.BackoffFactor,
		KillGrace:     pc.KillGrace.Duration(),
		SpawnRate:     pc.SpawnRate,
		Watchdog: pool.WatchdogConfig{
			Interval:   pc.Watchdog.Interval.Duration(),
			MaxRuntime: pc.Watchdog.MaxRuntime.Duration(),
			Sample:     pc.Watchdog.Sample,
		},
	})

	env := envcheck.New(exec, resolver, envcheck.Config{
		MinVersion:   cfg.Commands.MinInterpreterVersion,
		Requirements: cfg.Commands.Requirements,
		Scripts:      lights.Commands(),
	})

	return &CommandService{
		cfg:      cfg,
		Executor: exec,
		Resolver: resolver,
		Pool:     p,
		Env:      env,
	}
}

// Start launches the watchdog and the startup environment check.
func (s *CommandService) Start(ctx context.Context) {
	go s.Pool.RunWatchdog(ctx)

	if s.cfg.Commands.SkipEnvCheck {
		log.Warn().Msg("Environment check skipped by configuration")
		return
	}
	go func() {
		if err := s.Check(ctx); err != nil {
			log.Error().Err(err).Msg("Environment check failed, light commands may not work")
		}
	}()
}

// Check runs the environment validation. Success is cached.
func (s *CommandService) Check(ctx context.Context) error {
	return s.Env.Check(ctx)
}

// Ready reports whether the command environment is usable.
func (s *CommandService) Ready() bool {
	return s.cfg.Commands.SkipEnvCheck || s.Env.Ready()
}

// ControlOptions are the per-request pool overrides for control commands.
func (s *CommandService) ControlOptions() []pool.Option {
	var opts []pool.Option
	if d := s.cfg.Lights.Control.Timeout.Duration(); d > 0 {
		opts = append(opts, pool.WithTimeout(d))
	}
	if r := s.cfg.Lights.Control.Retries; r != nil {
		opts = append(opts, pool.WithMaxRetries(*r))
	}
	return opts
}

// DiscoveryOptions are the per-request pool overrides for discovery.
func (s *CommandService) DiscoveryOptions() []pool.Option {
	if d := s.cfg.Lights.Discovery.Timeout.Duration(); d > 0 {
		return []pool.Option{pool.WithTimeout(d)}
	}
	return nil
}

// Close fails queued commands and terminates running ones.
func (s *CommandService) Close(ctx context.Context) {
	if err := s.Pool.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Execution pool shutdown incomplete")
	}
}
