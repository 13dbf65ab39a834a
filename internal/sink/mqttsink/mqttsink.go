// Package mqttsink publishes device state to an MQTT broker as retained
// per-device topics.
package mqttsink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/config"
	"github.com/dokzlo13/bulbd/internal/eventbus"
	"github.com/dokzlo13/bulbd/internal/sink"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// publisher is the part of pahomqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// Sink publishes bus events to MQTT.
type Sink struct {
	client publisher
	prefix string
	qos    byte
	retain bool
}

// Connect dials the broker and publishes an online status with a matching
// offline will.
func Connect(cfg config.MQTTConfig) (*Sink, error) {
	prefix := strings.TrimSuffix(cfg.GetTopicPrefix(), "/")

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.GetClientID()).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetWill(prefix+"/status", "offline", byte(cfg.QoS), true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT sink connected")
		c.Publish(prefix+"/status", byte(cfg.QoS), true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT sink connection lost")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout after %v", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return newSink(client, prefix, byte(cfg.QoS), cfg.Retain), nil
}

func newSink(client publisher, prefix string, qos byte, retain bool) *Sink {
	return &Sink{client: client, prefix: prefix, qos: qos, retain: retain}
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return "mqtt" }

// Topic returns where an event is published. Device state goes to a
// per-device topic, everything else to a topic named after the event type.
func (s *Sink) Topic(e eventbus.Event) string {
	if d, ok := sink.DeviceOf(e); ok {
		return fmt.Sprintf("%s/devices/%s/state", s.prefix, sink.Token(d.IP))
	}
	return fmt.Sprintf("%s/%s", s.prefix, e.Type)
}

// Handle implements sink.Sink. Only device state is retained.
func (s *Sink) Handle(e eventbus.Event) error {
	if !s.client.IsConnectionOpen() {
		return sink.ErrNotConnected
	}

	var (
		payload []byte
		err     error
		retain  bool
	)
	if d, ok := sink.DeviceOf(e); ok {
		payload, err = json.Marshal(d)
		retain = s.retain
	} else {
		payload, err = json.Marshal(map[string]any{"type": e.Type, "time": e.Time, "data": e.Data})
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}

	token := s.client.Publish(s.Topic(e), s.qos, retain, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("publish to %s timed out", s.Topic(e))
	}
	return token.Error()
}

// Close publishes an offline status and disconnects.
func (s *Sink) Close() error {
	if s.client.IsConnectionOpen() {
		token := s.client.Publish(s.prefix+"/status", s.qos, true, "offline")
		token.WaitTimeout(defaultPublishTimeout)
	}
	s.client.Disconnect(250)
	return nil
}
