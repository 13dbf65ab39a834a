// Package pool bounds concurrent external command runs, queues the excess in
// arrival order and retries transient failures with exponential backoff.
package pool

import (
	"container/list"
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/bulbd/internal/executor"
	"github.com/dokzlo13/bulbd/internal/lighterr"
	"github.com/dokzlo13/bulbd/internal/metrics"
)

// ErrClosed is wrapped into the system error returned after Shutdown.
var ErrClosed = errors.New("pool closed")

// Defaults
const (
	DefaultMaxConcurrent = 5
	DefaultTimeout       = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultBackoffFactor = 1.5
	DefaultBackoffUnit   = time.Second
	DefaultKillGrace     = time.Second
)

// Process is the part of an in-flight command the pool drives.
type Process interface {
	Done() <-chan executor.Result
	Terminate(grace time.Duration)
	Kill()
	PID() int
	StartedAt() time.Time
	Touch(t time.Time)
}

// Starter spawns a resolved command.
type Starter interface {
	Start(cmd executor.Command) (Process, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(cmd executor.Command) (Process, error)

func (f StarterFunc) Start(cmd executor.Command) (Process, error) { return f(cmd) }

// FromExecutor adapts an executor.Executor to Starter.
func FromExecutor(e *executor.Executor) Starter {
	return StarterFunc(func(cmd executor.Command) (Process, error) {
		p, err := e.Start(cmd)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Config holds pool-wide settings. Zero values fall back to the defaults.
type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	MaxRetries    int
	BackoffFactor float64
	// BackoffUnit scales the backoff: delay = BackoffFactor^attempt * BackoffUnit.
	BackoffUnit time.Duration
	KillGrace   time.Duration
	// SpawnRate caps process spawns per second. Zero means unlimited.
	SpawnRate float64
	Watchdog  WatchdogConfig
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = DefaultBackoffUnit
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

// Option overrides a pool setting for one request.
type Option func(*requestOptions)

type requestOptions struct {
	timeout       time.Duration
	maxRetries    int
	backoffFactor float64
}

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(o *requestOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithBackoffFactor overrides the backoff base.
func WithBackoffFactor(f float64) Option {
	return func(o *requestOptions) {
		if f > 0 {
			o.backoffFactor = f
		}
	}
}

type outcome struct {
	stdout string
	err    error
}

// request is one queued command. It is re-queued, not copied, on retry.
type request struct {
	id      string
	name    string
	args    []string
	opts    requestOptions
	attempt int
	result  chan outcome
}

// tracked is a running process plus why it may have been stopped.
type tracked struct {
	proc    Process
	command string
	expired bool
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Pool schedules command runs.
type Pool struct {
	starter  Starter
	resolver executor.Resolver
	cfg      Config
	limiter  *rate.Limiter

	// mu guards queue, active, running and closed together.
	mu      sync.Mutex
	queue   *list.List
	active  int
	running map[Process]*tracked
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. It owns no goroutines until work arrives; the watchdog
// is started separately with RunWatchdog.
func New(starter Starter, resolver executor.Resolver, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		starter:  starter,
		resolver: resolver,
		cfg:      cfg,
		queue:    list.New(),
		running:  make(map[Process]*tracked),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.SpawnRate > 0 {
		burst := int(math.Ceil(cfg.SpawnRate))
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Execute runs the named command with args and returns its trimmed stdout.
// Retriable failures are retried internally; the error returned is the last
// one seen. ctx bounds only the caller's wait: once a request is admitted it
// runs to completion, timeout or shutdown.
func (p *Pool) Execute(ctx context.Context, name string, args []string, opts ...Option) (string, error) {
	req := &request{
		id:   uuid.NewString(),
		name: name,
		args: append([]string(nil), args...),
		opts: requestOptions{
			timeout:       p.cfg.Timeout,
			maxRetries:    p.cfg.MaxRetries,
			backoffFactor: p.cfg.BackoffFactor,
		},
		result: make(chan outcome, 1),
	}
	for _, opt := range opts {
		opt(&req.opts)
	}

	p.enqueue(req)

	select {
	case out := <-req.result:
		return out.stdout, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", lighterr.Wrap(lighterr.CodeTimeout, ctx.Err(), "gave up waiting for "+name)
		}
		return "", lighterr.Wrap(lighterr.CodeSystem, ctx.Err(), "gave up waiting for "+name)
	}
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: p.active, Queued: p.queue.Len(), MaxConcurrent: p.cfg.MaxConcurrent}
}

func (p *Pool) enqueue(req *request) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		req.result <- outcome{err: shutdownErr()}
		return
	}
	p.queue.PushBack(req)
	p.dispatchLocked()
	p.mu.Unlock()
}

// dispatchLocked admits queued requests while slots are free. Caller holds mu.
func (p *Pool) dispatchLocked() {
	for p.active < p.cfg.MaxConcurrent && p.queue.Len() > 0 {
		req := p.queue.Remove(p.queue.Front()).(*request)
		p.active++
		p.wg.Add(1)
		go p.run(req)
	}
	metrics.SetPoolState(p.active, p.queue.Len())
}

// run executes one attempt in an admitted slot and decides what happens next.
func (p *Pool) run(req *request) {
	defer p.wg.Done()

	stdout, err := p.attempt(req)

	p.mu.Lock()
	p.active--
	closed := p.closed
	if !closed {
		p.dispatchLocked()
	} else {
		metrics.SetPoolState(p.active, p.queue.Len())
	}
	p.mu.Unlock()

	switch {
	case err == nil:
		metrics.ObserveCommand(req.name, "success")
		req.result <- outcome{stdout: stdout}
	case closed:
		metrics.ObserveCommand(req.name, "shutdown")
		req.result <- outcome{err: shutdownErr()}
	case retriable(err) && req.attempt < req.opts.maxRetries:
		p.scheduleRetry(req, err)
	default:
		metrics.ObserveCommand(req.name, string(lighterr.CodeOf(err)))
		log.Warn().
			Err(err).
			Str("request_id", req.id).
			Str("command", req.name).
			Int("attempts", req.attempt+1).
			Msg("Command failed")
		req.result <- outcome{err: err}
	}
}

// scheduleRetry waits out the backoff delay outside of any slot, then puts the
// request at the back of the queue.
func (p *Pool) scheduleRetry(req *request, cause error) {
	delay := p.backoff(req.opts.backoffFactor, req.attempt)
	metrics.IncRetries(req.name)

	log.Info().
		Err(cause).
		Str("request_id", req.id).
		Str("command", req.name).
		Int("attempt", req.attempt+1).
		Int("max_retries", req.opts.maxRetries).
		Dur("delay", delay).
		Msg("Retrying command")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-p.ctx.Done():
			req.result <- outcome{err: shutdownErr()}
		case <-timer.C:
			req.attempt++
			p.enqueue(req)
		}
	}()
}

// backoff returns factor^attempt backoff units.
func (p *Pool) backoff(factor float64, attempt int) time.Duration {
	return time.Duration(math.Pow(factor, float64(attempt)) * float64(p.cfg.BackoffUnit))
}

// attempt spawns the command once and races it against the timeout.
func (p *Pool) attempt(req *request) (string, error) {
	cmd, err := p.resolver.Resolve(req.name)
	if err != nil {
		return "", err
	}
	cmd = cmd.WithArgs(req.args...)

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return "", shutdownErr()
		}
	}

	log.Info().
		Str("request_id", req.id).
		Str("command", req.name).
		Str("path", cmd.Path).
		Strs("args", cmd.Args).
		Int("attempt", req.attempt).
		Msg("Executing command")

	proc, err := p.starter.Start(cmd)
	if err != nil {
		return "", err
	}

	t, ok := p.track(proc, req.name)
	if !ok {
		proc.Kill()
		<-proc.Done()
		return "", shutdownErr()
	}
	defer p.untrack(proc)

	timer := time.NewTimer(req.opts.timeout)
	defer timer.Stop()

	select {
	case res := <-proc.Done():
		metrics.ObserveAttempt(req.name, res.Duration)
		if res.Err != nil && p.expired(t) {
			metrics.IncTimeouts(req.name)
			return "", lighterr.Timeout("%s exceeded the maximum runtime of %s", req.name, p.cfg.Watchdog.MaxRuntime)
		}
		if res.Err != nil {
			log.Debug().
				Str("request_id", req.id).
				Str("command", req.name).
				Int("exit_code", res.ExitCode).
				Str("stderr", res.Stderr).
				Msg("Command exited with error")
		}
		return res.Stdout, res.Err

	case <-timer.C:
		log.Warn().
			Str("request_id", req.id).
			Str("command", req.name).
			Dur("timeout", req.opts.timeout).
			Msg("Command timed out, terminating")
		proc.Terminate(p.cfg.KillGrace)
		res := <-proc.Done()
		metrics.ObserveAttempt(req.name, res.Duration)
		metrics.IncTimeouts(req.name)
		return "", lighterr.Timeout("%s timed out after %s", req.name, req.opts.timeout)
	}
}

func (p *Pool) track(proc Process, command string) (*tracked, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	t := &tracked{proc: proc, command: command}
	p.running[proc] = t
	return t, true
}

func (p *Pool) untrack(proc Process) {
	p.mu.Lock()
	delete(p.running, proc)
	p.mu.Unlock()
}

func (p *Pool) expired(t *tracked) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.expired
}

// Shutdown fails every queued request, kills every running process and waits
// for in-flight bookkeeping to finish or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	pending := make([]*request, 0, p.queue.Len())
	for e := p.queue.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*request))
	}
	p.queue.Init()

	procs := make([]Process, 0, len(p.running))
	for proc := range p.running {
		procs = append(procs, proc)
	}
	metrics.SetPoolState(p.active, 0)
	p.mu.Unlock()

	p.cancel()

	for _, req := range pending {
		req.result <- outcome{err: shutdownErr()}
	}
	for _, proc := range procs {
		proc.Kill()
	}

	log.Info().
		Int("cancelled", len(pending)).
		Int("killed", len(procs)).
		Msg("Execution pool shut down")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retriable reports whether the pool retries err. Only timeouts and non-zero
// exits qualify.
func retriable(err error) bool {
	switch lighterr.CodeOf(err) {
	case lighterr.CodeTimeout, lighterr.CodeProcessFailed:
		return true
	default:
		return false
	}
}

func shutdownErr() error {
	return lighterr.Wrap(lighterr.CodeSystem, ErrClosed, "execution pool shut down")
}
