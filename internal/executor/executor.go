// Package executor runs a single external command and reports its outcome.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dokzlo13/bulbd/internal/lighterr"
)

// waitDelay bounds how long output pipes may stay open after exit.
const waitDelay = 2 * time.Second

// Command is a fully resolved invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// WithArgs returns a copy of c with extra arguments appended.
func (c Command) WithArgs(args ...string) Command {
	out := c
	out.Args = append(append([]string(nil), c.Args...), args...)
	return out
}

// Result is the outcome of one finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Err is nil when the process exited 0.
	Err error
}

// Process is the handle of one in-flight command.
type Process struct {
	Command Command

	pid        int
	startedAt  time.Time
	cmd        *exec.Cmd
	lastActive atomic.Int64
	done       chan Result
	exited     chan struct{}
	killOnce   sync.Once
	killed     atomic.Bool
}

// Done delivers the result exactly once.
func (p *Process) Done() <-chan Result {
	return p.done
}

// Exited is closed when the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Touch records activity on the handle.
func (p *Process) Touch(t time.Time) {
	p.lastActive.Store(t.UnixNano())
}

// LastActive returns the last recorded activity time.
func (p *Process) LastActive() time.Time {
	return time.Unix(0, p.lastActive.Load())
}

// PID returns the OS process id, which is also its process group id.
func (p *Process) PID() int {
	return p.pid
}

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Killed reports whether Terminate or Kill was called.
func (p *Process) Killed() bool {
	return p.killed.Load()
}

// Terminate asks the process group to exit, waits up to grace, then kills it.
// It returns once the process has been reaped.
func (p *Process) Terminate(grace time.Duration) {
	p.killed.Store(true)
	select {
	case <-p.exited:
		return
	default:
	}

	if err := terminate(p.cmd.Process); err != nil {
		p.Kill()
		<-p.exited
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		p.Kill()
		<-p.exited
	}
}

// Kill sends SIGKILL to the process group without waiting.
func (p *Process) Kill() {
	p.killed.Store(true)
	p.killOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		_ = kill(p.cmd.Process)
	})
}

// Executor spawns external commands.
type Executor struct {
	env []string
}

// New creates an Executor. extraEnv is appended to the parent environment of
// every child.
func New(extraEnv ...string) *Executor {
	return &Executor{env: extraEnv}
}

// Start spawns cmd and returns immediately. Spawn failures are reported as
// system errors; everything after spawn arrives on Process.Done.
func (e *Executor) Start(c Command) (*Process, error) {
	if c.Path == "" {
		return nil, lighterr.System("empty command path")
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(e.env) > 0 || len(c.Env) > 0 {
		cmd.Env = append(append(os.Environ(), e.env...), c.Env...)
	}
	cmd.WaitDelay = waitDelay
	setProcAttr(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, lighterr.Wrap(lighterr.CodeSystem, err, "failed to start process")
	}

	now := time.Now()
	p := &Process{
		Command:   c,
		pid:       cmd.Process.Pid,
		startedAt: now,
		cmd:       cmd,
		done:      make(chan Result, 1),
		exited:    make(chan struct{}),
	}
	p.Touch(now)

	go p.wait(&stdout, &stderr)

	return p, nil
}

func (p *Process) wait(stdout, stderr *bytes.Buffer) {
	err := p.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		// A grandchild kept the pipes open after the process itself exited.
		err = nil
		if ps := p.cmd.ProcessState; ps != nil && !ps.Success() {
			err = &exec.ExitError{ProcessState: ps}
		}
	}
	close(p.exited)

	res := Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(p.startedAt),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Err = lighterr.ProcessFailed(res.ExitCode, res.Stderr)
	default:
		res.ExitCode = -1
		res.Err = lighterr.Wrap(lighterr.CodeSystem, err, "failed to collect process")
	}

	p.done <- res
}

// Run starts cmd and waits for it. When ctx ends first, the process is
// terminated with the given grace window and a timeout error is returned.
func (e *Executor) Run(ctx context.Context, c Command, grace time.Duration) (Result, error) {
	p, err := e.Start(c)
	if err != nil {
		return Result{}, err
	}

	select {
	case res := <-p.Done():
		return res, res.Err
	case <-ctx.Done():
		p.Terminate(grace)
		res := <-p.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = lighterr.Timeout("%s timed out after %s", c.Path, res.Duration.Round(time.Millisecond))
		} else {
			res.Err = lighterr.Wrap(lighterr.CodeSystem, ctx.Err(), "command cancelled")
		}
		return res, res.Err
	}
}
