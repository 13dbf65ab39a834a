package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/lights"
)

// Discoverer runs one discovery pass.
type Discoverer interface {
	Discover(ctx context.Context) (*lights.DiscoveryResult, error)
}

// AutoSyncService refreshes the device registry by running discovery on a
// fixed interval, and optionally once at startup.
type AutoSyncService struct {
	discoverer Discoverer
	interval   time.Duration
	onStart    bool
	disabled   bool
}

// NewAutoSyncService creates the periodic discovery loop.
func NewAutoSyncService(d Discoverer, interval time.Duration, onStart, disabled bool) *AutoSyncService {
	return &AutoSyncService{
		discoverer: d,
		interval:   interval,
		onStart:    onStart,
		disabled:   disabled,
	}
}

// Start runs the loop in the background until ctx is done.
func (s *AutoSyncService) Start(ctx context.Context) {
	if s.disabled {
		log.Info().Msg("Automatic discovery disabled")
		return
	}
	go s.run(ctx)
}

func (s *AutoSyncService) run(ctx context.Context) {
	if s.onStart {
		s.sync(ctx)
	}
	if s.interval <= 0 {
		return
	}

	log.Info().Dur("interval", s.interval).Msg("Automatic discovery scheduled")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

// sync runs one discovery pass. Failures are logged and the loop continues.
func (s *AutoSyncService) sync(ctx context.Context) {
	res, err := s.discoverer.Discover(lights.WithSource(ctx, "autosync"))
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Automatic discovery failed")
		}
		return
	}
	if !res.Success {
		log.Warn().Str("message", res.Message).Msg("Automatic discovery found no lights")
		return
	}
	log.Debug().Int("count", res.Count).Msg("Automatic discovery complete")
}
