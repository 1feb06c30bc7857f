// Package control drives a relay controller from MQTT commands.
//
// Commands arrive on the control topic and responses leave on the status
// topic, both in the configured codec:
//
//	{"id": "42", "command": "toggle"}      Running <-> Paused
//	{"command": "stop"}                    Stop the relay
//	{"command": "get_status"}              Current statistics
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	overlayrelay "github.com/e7canasta/overlay-relay"
	"github.com/e7canasta/overlay-relay/internal/codec"
	"github.com/e7canasta/overlay-relay/internal/mqttclient"
)

// Command names.
const (
	CommandToggle    = "toggle"
	CommandStop      = "stop"
	CommandGetStatus = "get_status"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
	commandQueue     = 10
)

// ErrSubscribeTimeout is returned by Start when the broker never acknowledges the subscription.
var ErrSubscribeTimeout = errors.New("control: subscription timeout")

// Command represents a control plane command
type Command struct {
	ID      string `json:"id,omitempty" msgpack:"id,omitempty"`
	Command string `json:"command" msgpack:"command"`
}

// Response represents a command response
type Response struct {
	CommandID  string  `json:"command_id" msgpack:"command_id"`
	CommandAck string  `json:"command_ack" msgpack:"command_ack"`
	InstanceID string  `json:"instance_id" msgpack:"instance_id"`
	Status     string  `json:"status" msgpack:"status"`
	State      string  `json:"state,omitempty" msgpack:"state,omitempty"`
	Data       *Status `json:"data,omitempty" msgpack:"data,omitempty"`
	Error      string  `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp  string  `json:"timestamp" msgpack:"timestamp"`
}

// Config names the topics and QoS of the handler.
type Config struct {
	InstanceID   string
	ControlTopic string
	StatusTopic  string
	QoS          byte
}

// Handler handles control plane commands
type Handler struct {
	cfg    Config
	client mqttclient.Client
	codec  codec.Codec
	ctrl   overlayrelay.StreamController

	commands chan Command
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandler creates a new control plane handler
func NewHandler(cfg Config, client mqttclient.Client, c codec.Codec, ctrl overlayrelay.StreamController) *Handler {
	if c == nil {
		c = codec.JSON
	}
	return &Handler{
		cfg:      cfg,
		client:   client,
		codec:    c,
		ctrl:     ctrl,
		commands: make(chan Command, commandQueue),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the control topic and starts processing commands
// until ctx is cancelled or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("control: subscribing", "topic", h.cfg.ControlTopic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(h.cfg.ControlTopic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return ErrSubscribeTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	h.wg.Add(1)
	go h.processCommands(ctx)

	slog.Info("control: handler started", "encoding", h.codec.Name())
	return nil
}

// Stop unsubscribes and waits for the command in progress, if any.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.ControlTopic)
			token.WaitTimeout(subscribeTimeout)
		}
		close(h.done)
	})
	h.wg.Wait()

	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called by the MQTT client for every control message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := h.codec.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err, "encoding", h.codec.Name())
		// Publishing from the callback can block the client; defer to a goroutine
		go h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     StatusError,
			Error:      "invalid " + h.codec.Name() + " payload",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command, "id", cmd.ID)

	select {
	case <-h.done:
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{
		CommandID:  cmd.ID,
		CommandAck: cmd.Command,
	}

	switch cmd.Command {
	case CommandToggle:
		state, err := h.ctrl.Pause()
		resp.State = state.String()
		if err != nil {
			resp.Status = StatusError
			resp.Error = err.Error()
			break
		}
		resp.Status = StatusSuccess

	case CommandStop:
		slog.Warn("control: stop command received via MQTT control plane")
		h.ctrl.Stop()
		resp.Status = StatusSuccess
		resp.State = h.ctrl.State().String()

	case CommandGetStatus:
		status := StatusFromStats(h.ctrl.Stats())
		resp.Status = StatusSuccess
		resp.State = status.State
		resp.Data = &status

	default:
		resp.Status = StatusError
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

// sendResponse publishes resp on the status topic
func (h *Handler) sendResponse(resp Response) {
	if resp.CommandID == "" {
		resp.CommandID = uuid.NewString()
	}
	resp.InstanceID = h.cfg.InstanceID
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := h.codec.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.StatusTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		slog.Error("control: response publish timeout", "topic", h.cfg.StatusTopic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
