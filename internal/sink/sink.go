// Package sink fans bus events out to external systems.
package sink

import (
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/bulbd/internal/device"
	"github.com/dokzlo13/bulbd/internal/eventbus"
)

// ErrNotConnected is returned when a sink has lost its connection.
var ErrNotConnected = errors.New("sink: not connected")

// Sink receives every bus event.
type Sink interface {
	Name() string
	Handle(eventbus.Event) error
	Close() error
}

// Attach subscribes s to all event types. Handler errors are logged.
func Attach(bus *eventbus.Bus, s Sink) {
	bus.Subscribe(func(e eventbus.Event) {
		if err := s.Handle(e); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Str("event", string(e.Type)).Msg("Sink failed to handle event")
		}
	}, eventbus.AllTypes...)
}

// DeviceOf extracts the device carried by a device_state event.
func DeviceOf(e eventbus.Event) (device.Device, bool) {
	if e.Type != eventbus.EventTypeDeviceState {
		return device.Device{}, false
	}
	d, ok := e.Data["device"].(device.Device)
	return d, ok
}

// Token turns an address into a single topic or subject segment.
func Token(addr string) string {
	return strings.NewReplacer(".", "_", ":", "_", "/", "_", " ", "_").Replace(addr)
}
