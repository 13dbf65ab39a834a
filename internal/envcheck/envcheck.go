// Package envcheck validates that the external light commands can run: the
// interpreter is recent enough, its packages are installed and every command
// script is present.
package envcheck

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/executor"
	"github.com/dokzlo13/bulbd/internal/lighterr"
)

// DefaultMinVersion is the oldest interpreter the command scripts support.
const DefaultMinVersion = "3.7"

const defaultTimeout = 30 * time.Second

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, c executor.Command, grace time.Duration) (executor.Result, error)
}

// Config describes what to check.
type Config struct {
	// MinVersion is the minimum interpreter version, e.g. "3.7".
	MinVersion string
	// Requirements is the path of a pip requirements file. Empty skips the
	// package check.
	Requirements string
	// Scripts are the command names that must resolve to existing files.
	Scripts []string
	Timeout  time.Duration
}

// Checker runs the validation once and caches success. A failed check is
// re-run on the next call.
type Checker struct {
	runner   Runner
	resolver executor.ScriptResolver
	cfg      Config

	mu    sync.Mutex
	ready bool
}

// New creates a checker for commands resolved by resolver.
func New(runner Runner, resolver executor.ScriptResolver, cfg Config) *Checker {
	if cfg.MinVersion == "" {
		cfg.MinVersion = DefaultMinVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Checker{runner: runner, resolver: resolver, cfg: cfg}
}

// Ready reports whether a check has passed.
func (c *Checker) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Interpreter returns the interpreter path commands run under.
func (c *Checker) Interpreter() string {
	return c.resolver.Interpreter
}

// Check validates the environment. Concurrent callers wait for the first one.
func (c *Checker) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return nil
	}

	var errs []error
	if c.resolver.Interpreter != "" {
		if err := c.checkVersion(ctx); err != nil {
			errs = append(errs, err)
		}
		if c.cfg.Requirements != "" {
			if err := c.checkPackages(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := c.checkScripts(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.Error().Err(err).Msg("Command environment check failed")
		return lighterr.Wrap(lighterr.CodeSystem, err, "failed to initialize command environment")
	}

	c.ready = true
	log.Info().
		Str("interpreter", c.resolver.Interpreter).
		Int("scripts", len(c.cfg.Scripts)).
		Msg("Command environment ready")
	return nil
}

func (c *Checker) run(ctx context.Context, args ...string) (executor.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.runner.Run(ctx, executor.Command{Path: c.resolver.Interpreter, Args: args}, time.Second)
}

func (c *Checker) checkVersion(ctx context.Context) error {
	res, err := c.run(ctx, "--version")
	if err != nil {
		return fmt.Errorf("failed to query interpreter version: %w", err)
	}

	// Old interpreters print the version on stderr.
	out := res.Stdout
	if out == "" {
		out = res.Stderr
	}
	v, err := ParseVersion(out)
	if err != nil {
		return err
	}

	constraint, err := semver.NewConstraint(">= " + c.cfg.MinVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", c.cfg.MinVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("interpreter %s or higher is required, found %s", c.cfg.MinVersion, v)
	}
	return nil
}

func (c *Checker) checkPackages(ctx context.Context) error {
	f, err := os.Open(c.cfg.Requirements)
	if err != nil {
		return fmt.Errorf("failed to open requirements: %w", err)
	}
	defer f.Close()

	required, err := ParseRequirements(f)
	if err != nil {
		return fmt.Errorf("failed to read requirements: %w", err)
	}

	res, err := c.run(ctx, "-m", "pip", "freeze")
	if err != nil {
		return fmt.Errorf("failed to list installed packages: %w", err)
	}
	installed, err := ParseRequirements(strings.NewReader(res.Stdout))
	if err != nil {
		return fmt.Errorf("failed to parse installed packages: %w", err)
	}

	have := make(map[string]struct{}, len(installed))
	for _, pkg := range installed {
		have[pkg] = struct{}{}
	}
	var missing []string
	for _, pkg := range required {
		if _, ok := have[pkg]; !ok {
			missing = append(missing, pkg)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required packages: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Checker) checkScripts() error {
	var missing []string
	for _, name := range c.cfg.Scripts {
		path := c.resolver.ScriptPath(name)
		if _, err := os.Stat(path); err != nil {
			log.Error().Str("script", path).Msg("Required script not found")
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required scripts: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParseVersion extracts the version from output like "Python 3.11.4".
func ParseVersion(out string) (*semver.Version, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty version output")
	}
	v, err := semver.NewVersion(fields[len(fields)-1])
	if err != nil {
		return nil, fmt.Errorf("unrecognized version output %q: %w", out, err)
	}
	return v, nil
}

// ParseRequirements returns the normalized package names listed in a pip
// requirements file or pip freeze output. Comments, options and blank lines
// are skipped.
func ParseRequirements(r io.Reader) ([]string, error) {
	var names []string
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.IndexAny(line, "=<>!~[;@ "); i >= 0 {
			line = line[:i]
		}
		name := strings.ReplaceAll(strings.ToLower(line), "_", "-")
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, scanner.Err()
}
