// Package influxsink records device state and command outcomes as InfluxDB
// points.
package influxsink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/config"
	"github.com/dokzlo13/bulbd/internal/eventbus"
	"github.com/dokzlo13/bulbd/internal/sink"
)

const (
	measurementState   = "bulb_state"
	measurementCommand = "light_command"
	pingTimeout        = 5 * time.Second
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes points through the non-blocking write API.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
}

// Connect creates the client and verifies the server is healthy.
func Connect(cfg config.InfluxDBConfig) (*Sink, error) {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.GetBatchSize())).
			SetFlushInterval(uint(cfg.GetFlushInterval().Milliseconds())),
	)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach InfluxDB at %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("InfluxDB at %s is not healthy", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}()

	return &Sink{client: client, writer: writeAPI}, nil
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return "influxdb" }

// Handle implements sink.Sink. Discovery events are not recorded.
func (s *Sink) Handle(e eventbus.Event) error {
	if p := Point(e); p != nil {
		s.writer.WritePoint(p)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() error {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// Point converts an event into a point, or nil when the event is not recorded.
func Point(e eventbus.Event) *write.Point {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	if d, ok := sink.DeviceOf(e); ok {
		tags := map[string]string{"ip": d.IP}
		if d.Name != "" {
			tags["name"] = d.Name
		}
		if cmd, ok := e.Data["command"].(string); ok {
			tags["command"] = cmd
		}

		fields := map[string]interface{}{"on": d.State.IsOn}
		if success, isBool := e.Data["success"].(bool); isBool {
			fields["success"] = success
		}
		if d.State.Brightness != nil {
			fields["brightness"] = *d.State.Brightness
		}
		if d.State.WarmWhite != nil {
			fields["warm_white"] = *d.State.WarmWhite
		}
		if d.State.ColdWhite != nil {
			fields["cold_white"] = *d.State.ColdWhite
		}
		if rgb := d.State.RGB; rgb != nil {
			fields["red"], fields["green"], fields["blue"] = rgb[0], rgb[1], rgb[2]
		}
		return write.NewPoint(measurementState, tags, fields, ts)
	}

	if e.Type != eventbus.EventTypeCommand {
		return nil
	}
	command, _ := e.Data["command"].(string)
	outcome, _ := e.Data["outcome"].(string)
	fields := map[string]interface{}{
		"succeeded": countOf(e.Data["succeeded"]),
		"failed":    countOf(e.Data["failed"]),
	}
	return write.NewPoint(measurementCommand,
		map[string]string{"command": command, "outcome": outcome},
		fields, ts)
}

func countOf(v any) int {
	if s, ok := v.([]string); ok {
		return len(s)
	}
	return 0
}
