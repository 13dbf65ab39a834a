package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/dokzlo13/bulbd/internal/metrics"
)

// Watchdog defaults
const (
	DefaultWatchdogInterval = 5 * time.Second
	DefaultMaxRuntime       = 5 * time.Minute
)

// WatchdogConfig controls the periodic inspection of running commands.
type WatchdogConfig struct {
	// Interval between inspections. Zero or negative disables the watchdog.
	Interval time.Duration
	// MaxRuntime after which a command is terminated regardless of its own timeout.
	MaxRuntime time.Duration
	// Sample enables CPU and memory sampling of running commands.
	Sample bool
}

// RunWatchdog inspects running commands every Interval until ctx ends. It
// refreshes activity timestamps, samples resource usage and terminates any
// command running longer than MaxRuntime.
func (p *Pool) RunWatchdog(ctx context.Context) {
	wd := p.cfg.Watchdog
	if wd.Interval <= 0 {
		return
	}
	if wd.MaxRuntime <= 0 {
		wd.MaxRuntime = DefaultMaxRuntime
	}

	log.Debug().
		Dur("interval", wd.Interval).
		Dur("max_runtime", wd.MaxRuntime).
		Msg("Process watchdog started")

	ticker := time.NewTicker(wd.Interval)
	defer ticker.Stop()

	sampled := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			sampled = p.inspect(ctx, now, wd, sampled)
		}
	}
}

// inspect runs one watchdog pass. It returns the set of commands that have
// live resource series so stale ones can be cleared on the next pass.
func (p *Pool) inspect(ctx context.Context, now time.Time, wd WatchdogConfig, prev map[string]struct{}) map[string]struct{} {
	var overdue []*tracked

	p.mu.Lock()
	live := make([]*tracked, 0, len(p.running))
	for _, t := range p.running {
		t.proc.Touch(now)
		if now.Sub(t.proc.StartedAt()) > wd.MaxRuntime && !t.expired {
			t.expired = true
			overdue = append(overdue, t)
			continue
		}
		live = append(live, t)
	}
	p.mu.Unlock()

	for _, t := range overdue {
		log.Warn().
			Str("command", t.command).
			Int("pid", t.proc.PID()).
			Dur("running", now.Sub(t.proc.StartedAt())).
			Msg("Command running too long, terminating")
		go t.proc.Terminate(p.cfg.KillGrace)
	}

	if !wd.Sample {
		return prev
	}

	type usage struct {
		cpu float64
		rss uint64
	}
	samples := make(map[string]usage)
	for _, t := range live {
		pid := t.proc.PID()
		if pid <= 0 {
			continue
		}
		proc, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			continue
		}
		u := samples[t.command]
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			u.cpu += cpu
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			u.rss += mem.RSS
		}
		samples[t.command] = u
	}

	next := make(map[string]struct{}, len(samples))
	for command, u := range samples {
		metrics.SetProcessSample(command, u.cpu, u.rss)
		next[command] = struct{}{}
	}
	for command := range prev {
		if _, ok := next[command]; !ok {
			metrics.ClearProcessSample(command)
		}
	}
	return next
}
