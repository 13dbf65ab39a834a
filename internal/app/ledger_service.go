package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Pruner deletes ledger entries older than a retention window.
type Pruner interface {
	DeleteOlderThan(retention time.Duration) (int64, error)
}

// Expirer deletes entries whose TTL has passed.
type Expirer interface {
	PurgeExpired() (int64, error)
}

// LedgerCleanup prunes the ledger periodically, along with any expiring
// stores registered through PurgeExpired.
type LedgerCleanup struct {
	ledger    Pruner
	expiring  []Expirer
	interval  time.Duration
	retention time.Duration
}

// NewLedgerCleanup creates the cleanup loop. A non-positive interval or
// retention disables it.
func NewLedgerCleanup(l Pruner, interval time.Duration, retentionDays int) *LedgerCleanup {
	return &LedgerCleanup{
		ledger:    l,
		interval:  interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// PurgeExpired adds a store whose expired entries are removed on every pass.
func (c *LedgerCleanup) PurgeExpired(e Expirer) {
	c.expiring = append(c.expiring, e)
}

// Start prunes once, then on every interval until ctx is done.
func (c *LedgerCleanup) Start(ctx context.Context) {
	if c.interval <= 0 || c.retention <= 0 {
		return
	}
	go func() {
		c.prune()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.prune()
			}
		}
	}()
}

func (c *LedgerCleanup) prune() {
	n, err := c.ledger.DeleteOlderThan(c.retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune ledger")
	} else if n > 0 {
		log.Info().Int64("deleted", n).Dur("retention", c.retention).Msg("Pruned ledger")
	}

	for _, e := range c.expiring {
		n, err := e.PurgeExpired()
		if err != nil {
			log.Error().Err(err).Msg("Failed to purge expired entries")
			continue
		}
		if n > 0 {
			log.Debug().Int64("deleted", n).Msg("Purged expired entries")
		}
	}
}
