package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/config"
	"github.com/dokzlo13/bulbd/internal/eventbus"
	"github.com/dokzlo13/bulbd/internal/sink"
	"github.com/dokzlo13/bulbd/internal/sink/influxsink"
	"github.com/dokzlo13/bulbd/internal/sink/mqttsink"
	"github.com/dokzlo13/bulbd/internal/sink/natssink"
)

// SinkService connects the enabled state sinks and attaches them to the bus.
type SinkService struct {
	sinks []sink.Sink
}

// NewSinkService connects every enabled sink. A sink that cannot connect is
// logged and skipped; the daemon runs without it.
func NewSinkService(cfg *config.Config, bus *eventbus.Bus) *SinkService {
	s := &SinkService{}

	if cfg.MQTT.Enabled {
		if m, err := mqttsink.Connect(cfg.MQTT); err != nil {
			log.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT sink unavailable")
		} else {
			s.add(bus, m)
		}
	}
	if cfg.NATS.Enabled {
		if n, err := natssink.Connect(cfg.NATS); err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.GetURL()).Msg("NATS sink unavailable")
		} else {
			s.add(bus, n)
		}
	}
	if cfg.InfluxDB.Enabled {
		if i, err := influxsink.Connect(cfg.InfluxDB); err != nil {
			log.Error().Err(err).Str("url", cfg.InfluxDB.URL).Msg("InfluxDB sink unavailable")
		} else {
			s.add(bus, i)
		}
	}

	return s
}

func (s *SinkService) add(bus *eventbus.Bus, snk sink.Sink) {
	sink.Attach(bus, snk)
	s.sinks = append(s.sinks, snk)
	log.Info().Str("sink", snk.Name()).Msg("State sink attached")
}

// Len returns the number of attached sinks.
func (s *SinkService) Len() int {
	return len(s.sinks)
}

// Close flushes and disconnects every sink. Call after the bus is drained.
func (s *SinkService) Close() {
	for _, snk := range s.sinks {
		if err := snk.Close(); err != nil {
			log.Warn().Err(err).Str("sink", snk.Name()).Msg("Failed to close sink")
		}
	}
}
