package emitter

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	overlayrelay "github.com/e7canasta/overlay-relay"
	"github.com/e7canasta/overlay-relay/internal/codec"
	"github.com/e7canasta/overlay-relay/internal/mqttclient/mqtttest"
)

var testConfig = Config{
	InstanceID:  "panel",
	EventsTopic: "overlay/events/panel",
	QoS:         1,
}

func TestOnEvent_PublishesPerKind(t *testing.T) {
	client := mqtttest.NewClient()
	e := NewMQTTEmitter(testConfig, client, nil)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.OnEvent(overlayrelay.Event{Kind: overlayrelay.EventStarted, SessionID: "s1", Time: at})
	e.OnEvent(overlayrelay.Event{Kind: overlayrelay.EventPaused, SessionID: "s1", Time: at, Frames: 7})

	pubs := client.Published()
	require.Len(t, pubs, 2)
	assert.Equal(t, "overlay/events/panel/started", pubs[0].Topic)
	assert.Equal(t, "overlay/events/panel/paused", pubs[1].Topic)
	assert.Equal(t, byte(1), pubs[1].QoS)

	assert.JSONEq(t, `{
		"instance_id": "panel",
		"session_id": "s1",
		"event": "paused",
		"timestamp": "2026-03-01T12:00:00Z",
		"frames_relayed": 7
	}`, string(pubs[1].Payload))

	stats := e.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Published["overlay/events/panel/started"])
	assert.Zero(t, stats.Errors)
}

func TestStoppedEventCarriesErrorCategory(t *testing.T) {
	client := mqtttest.NewClient()
	e := NewMQTTEmitter(testConfig, client, codec.MsgPack)

	stall := fmt.Errorf("%w: %w", overlayrelay.ErrRelayFailed, overlayrelay.ErrCaptureStalled)
	require.NoError(t, e.Publish(overlayrelay.Event{Kind: overlayrelay.EventStopped, Err: stall}))

	pubs := client.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "overlay/events/panel/stopped", pubs[0].Topic)

	var msg EventMessage
	require.NoError(t, codec.MsgPack.Unmarshal(pubs[0].Payload, &msg))
	assert.Equal(t, "stopped", msg.Event)
	assert.Equal(t, "runtime", msg.ErrorCategory)
	assert.Contains(t, msg.Error, "capture stalled")
}

func TestPublishFailuresAreCounted(t *testing.T) {
	client := mqtttest.NewClient()
	client.Disconnected = true
	e := NewMQTTEmitter(testConfig, client, nil)

	err := e.Publish(overlayrelay.Event{Kind: overlayrelay.EventStarted})
	assert.ErrorContains(t, err, "not connected")

	client.Disconnected = false
	client.PublishErr = errors.New("broker gone")
	e.OnEvent(overlayrelay.Event{Kind: overlayrelay.EventStarted})

	stats := e.Stats()
	assert.Equal(t, uint64(2), stats.Errors)
	assert.Empty(t, stats.Published)
}
