package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	overlayrelay "github.com/e7canasta/overlay-relay"
	"github.com/e7canasta/overlay-relay/internal/codec"
	"github.com/e7canasta/overlay-relay/internal/mqttclient/mqtttest"
)

// fakeController toggles like the real one without devices.
type fakeController struct {
	mu      sync.Mutex
	state   overlayrelay.State
	stops   int
	toggles int
}

func (f *fakeController) Start(context.Context) error { return nil }
func (f *fakeController) Wait() error                 { return nil }

func (f *fakeController) Pause() (overlayrelay.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	switch f.state {
	case overlayrelay.StateRunning:
		f.state = overlayrelay.StatePaused
	case overlayrelay.StatePaused:
		f.state = overlayrelay.StateRunning
	default:
		return f.state, overlayrelay.ErrInvalidState
	}
	return f.state, nil
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = overlayrelay.StateStopped
}

func (f *fakeController) State() overlayrelay.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Stats() overlayrelay.Stats {
	return overlayrelay.Stats{
		SessionID:     "session-1",
		State:         f.State(),
		Resolution:    "640x480",
		FramesRelayed: 42,
		FPS:           29.97,
		Uptime:        90 * time.Second,
	}
}

var testConfig = Config{
	InstanceID:   "panel",
	ControlTopic: "overlay/control/panel",
	StatusTopic:  "overlay/status/panel",
	QoS:          1,
}

func startHandler(t *testing.T, c codec.Codec) (*Handler, *mqtttest.Client, *fakeController) {
	t.Helper()
	client := mqtttest.NewClient()
	ctrl := &fakeController{state: overlayrelay.StateRunning}

	h := NewHandler(testConfig, client, c, ctrl)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { h.Stop() })
	return h, client, ctrl
}

func send(t *testing.T, client *mqtttest.Client, c codec.Codec, cmd Command) Response {
	t.Helper()
	before := len(client.Published())

	payload, err := c.Marshal(cmd)
	require.NoError(t, err)
	require.True(t, client.Deliver(testConfig.ControlTopic, payload))

	require.Eventually(t, func() bool { return len(client.Published()) > before }, time.Second, time.Millisecond)
	pub := client.Published()[before]
	assert.Equal(t, testConfig.StatusTopic, pub.Topic)

	var resp Response
	require.NoError(t, c.Unmarshal(pub.Payload, &resp))
	return resp
}

func TestStart_Subscribes(t *testing.T) {
	_, client, _ := startHandler(t, nil)

	qos, ok := client.Subscribed(testConfig.ControlTopic)
	assert.True(t, ok)
	assert.Equal(t, byte(1), qos)
}

func TestStart_SubscriptionFailures(t *testing.T) {
	client := mqtttest.NewClient()
	client.SubscribeErr = errors.New("not authorized")
	err := NewHandler(testConfig, client, nil, &fakeController{}).Start(context.Background())
	assert.ErrorContains(t, err, "not authorized")

	client = mqtttest.NewClient()
	client.SubscribeStuck = true
	err = NewHandler(testConfig, client, nil, &fakeController{}).Start(context.Background())
	assert.ErrorIs(t, err, ErrSubscribeTimeout)
}

func TestToggle(t *testing.T) {
	_, client, ctrl := startHandler(t, codec.JSON)

	resp := send(t, client, codec.JSON, Command{ID: "1", Command: CommandToggle})
	assert.Equal(t, "1", resp.CommandID)
	assert.Equal(t, CommandToggle, resp.CommandAck)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "paused", resp.State)
	assert.Equal(t, "panel", resp.InstanceID)
	assert.NotEmpty(t, resp.Timestamp)

	resp = send(t, client, codec.JSON, Command{ID: "2", Command: CommandToggle})
	assert.Equal(t, "running", resp.State)
	assert.Equal(t, 2, ctrl.toggles)
}

func TestToggle_AfterStopIsAnError(t *testing.T) {
	_, client, ctrl := startHandler(t, codec.JSON)

	resp := send(t, client, codec.JSON, Command{Command: CommandStop})
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "stopped", resp.State)
	assert.Equal(t, 1, ctrl.stops)
	assert.NotEmpty(t, resp.CommandID, "generated when the command has none")

	resp = send(t, client, codec.JSON, Command{Command: CommandToggle})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "invalid state")
}

func TestGetStatus_MsgPack(t *testing.T) {
	_, client, _ := startHandler(t, codec.MsgPack)

	resp := send(t, client, codec.MsgPack, Command{Command: CommandGetStatus})
	require.Equal(t, StatusSuccess, resp.Status)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "session-1", resp.Data.SessionID)
	assert.Equal(t, uint64(42), resp.Data.FramesRelayed)
	assert.Equal(t, int64(90), resp.Data.UptimeSeconds)
	assert.InDelta(t, 29.97, resp.Data.FPS, 1e-9)
}

func TestUnknownCommand(t *testing.T) {
	_, client, _ := startHandler(t, codec.JSON)

	resp := send(t, client, codec.JSON, Command{Command: "reboot"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "unknown command: reboot", resp.Error)
}

func TestInvalidPayload(t *testing.T) {
	_, client, _ := startHandler(t, codec.JSON)

	require.True(t, client.Deliver(testConfig.ControlTopic, []byte("{not json")))
	require.Eventually(t, func() bool { return len(client.Published()) == 1 }, time.Second, time.Millisecond)

	var resp Response
	require.NoError(t, codec.JSON.Unmarshal(client.Published()[0].Payload, &resp))
	assert.Equal(t, "unknown", resp.CommandAck)
	assert.Equal(t, "invalid json payload", resp.Error)
}

func TestStop_Unsubscribes(t *testing.T) {
	h, client, _ := startHandler(t, nil)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.Equal(t, []string{testConfig.ControlTopic}, client.Unsubscribed())
	assert.False(t, client.Deliver(testConfig.ControlTopic, []byte(`{"command":"stop"}`)))
}
