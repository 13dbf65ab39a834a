// Package natssink publishes bus events as NATS subjects.
package natssink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/config"
	"github.com/dokzlo13/bulbd/internal/eventbus"
	"github.com/dokzlo13/bulbd/internal/sink"
)

type conn interface {
	Publish(subj string, data []byte) error
	IsConnected() bool
	Drain() error
}

// Sink publishes to subjects under a prefix:
//
//	<prefix>.device.<ip>   device state
//	<prefix>.<event type>  everything else
type Sink struct {
	nc     conn
	prefix string
}

// Connect dials the server. Reconnects are unlimited.
func Connect(cfg config.NATSConfig) (*Sink, error) {
	nc, err := nats.Connect(cfg.GetURL(),
		nats.Name("bulbd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS sink disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS sink reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.GetURL(), err)
	}
	return newSink(nc, cfg.GetSubjectPrefix()), nil
}

func newSink(nc conn, prefix string) *Sink {
	return &Sink{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return "nats" }

// Subject returns the subject an event is published on.
func (s *Sink) Subject(e eventbus.Event) string {
	if d, ok := sink.DeviceOf(e); ok {
		return s.prefix + ".device." + sink.Token(d.IP)
	}
	return s.prefix + "." + string(e.Type)
}

// Handle implements sink.Sink.
func (s *Sink) Handle(e eventbus.Event) error {
	if !s.nc.IsConnected() {
		return sink.ErrNotConnected
	}

	var body any = map[string]any{"type": e.Type, "time": e.Time, "data": e.Data}
	if d, ok := sink.DeviceOf(e); ok {
		body = d
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	return s.nc.Publish(s.Subject(e), data)
}

// Close drains pending publishes.
func (s *Sink) Close() error {
	return s.nc.Drain()
}
