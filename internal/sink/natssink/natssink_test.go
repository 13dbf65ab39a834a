package natssink

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/bulbd/internal/device"
	"github.com/dokzlo13/bulbd/internal/eventbus"
	"github.com/dokzlo13/bulbd/internal/sink"
)

type fakeConn struct {
	connected bool
	subjects  []string
	data      [][]byte
	drained   bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.data = append(f.data, data)
	return nil
}

func (f *fakeConn) IsConnected() bool { return f.connected }
func (f *fakeConn) Drain() error      { f.drained = true; return nil }

func TestSubject(t *testing.T) {
	s := newSink(&fakeConn{}, "bulbd.")

	tests := []struct {
		name  string
		event eventbus.Event
		want  string
	}{
		{
			name: "device state",
			event: eventbus.Event{
				Type: eventbus.EventTypeDeviceState,
				Data: map[string]interface{}{"device": device.Device{IP: "10.0.0.7"}},
			},
			want: "bulbd.device.10_0_0_7",
		},
		{name: "command", event: eventbus.Event{Type: eventbus.EventTypeCommand}, want: "bulbd.command"},
		{name: "discovery", event: eventbus.Event{Type: eventbus.EventTypeDiscovery}, want: "bulbd.discovery"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Subject(tt.event))
		})
	}
}

func TestHandle(t *testing.T) {
	nc := &fakeConn{connected: true}
	s := newSink(nc, "bulbd")

	require.NoError(t, s.Handle(eventbus.Event{
		Type: eventbus.EventTypeDeviceState,
		Data: map[string]interface{}{"device": device.Device{IP: "10.0.0.7", Name: "desk"}},
	}))
	require.Len(t, nc.data, 1)

	var d device.Device
	require.NoError(t, json.Unmarshal(nc.data[0], &d))
	assert.Equal(t, "desk", d.Name)

	require.NoError(t, s.Close())
	assert.True(t, nc.drained)
}

func TestHandle_Disconnected(t *testing.T) {
	s := newSink(&fakeConn{}, "bulbd")
	assert.ErrorIs(t, s.Handle(eventbus.Event{Type: eventbus.EventTypeCommand}), sink.ErrNotConnected)
}
