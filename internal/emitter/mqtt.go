// Package emitter publishes relay lifecycle events to MQTT.
package emitter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	overlayrelay "github.com/e7canasta/overlay-relay"
	"github.com/e7canasta/overlay-relay/internal/codec"
	"github.com/e7canasta/overlay-relay/internal/mqttclient"
)

const publishTimeout = 2 * time.Second

// EventMessage is the published form of an overlayrelay.Event.
type EventMessage struct {
	InstanceID    string `json:"instance_id" msgpack:"instance_id"`
	SessionID     string `json:"session_id" msgpack:"session_id"`
	Event         string `json:"event" msgpack:"event"`
	Timestamp     string `json:"timestamp" msgpack:"timestamp"`
	FramesRelayed uint64 `json:"frames_relayed" msgpack:"frames_relayed"`
	Error         string `json:"error,omitempty" msgpack:"error,omitempty"`
	ErrorCategory string `json:"error_category,omitempty" msgpack:"error_category,omitempty"`
}

// Config names the topic root and QoS of published events.
type Config struct {
	InstanceID  string
	EventsTopic string // events go to {EventsTopic}/{kind}
	QoS         byte
}

// MQTTEmitter publishes lifecycle events to the MQTT broker
type MQTTEmitter struct {
	cfg    Config
	client mqttclient.Client
	codec  codec.Codec

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
}

var _ overlayrelay.Observer = (*MQTTEmitter)(nil)

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg Config, client mqttclient.Client, c codec.Codec) *MQTTEmitter {
	if c == nil {
		c = codec.JSON
	}
	return &MQTTEmitter{
		cfg:       cfg,
		client:    client,
		codec:     c,
		published: make(map[string]uint64),
	}
}

// OnEvent implements overlayrelay.Observer. Failures are logged and counted.
func (e *MQTTEmitter) OnEvent(ev overlayrelay.Event) {
	if err := e.Publish(ev); err != nil {
		slog.Warn("emitter: event not published",
			"event", ev.Kind.String(),
			"session_id", ev.SessionID,
			"error", err,
		)
	}
}

// Message builds the payload for ev.
func (e *MQTTEmitter) Message(ev overlayrelay.Event) EventMessage {
	msg := EventMessage{
		InstanceID:    e.cfg.InstanceID,
		SessionID:     ev.SessionID,
		Event:         ev.Kind.String(),
		Timestamp:     ev.Time.UTC().Format(time.RFC3339Nano),
		FramesRelayed: ev.Frames,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
		msg.ErrorCategory = overlayrelay.ClassifyError(ev.Err).String()
	}
	return msg
}

// Publish publishes ev to {EventsTopic}/{kind}
func (e *MQTTEmitter) Publish(ev overlayrelay.Event) error {
	if !e.client.IsConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.EventsTopic, ev.Kind.String())

	payload, err := e.codec.Marshal(e.Message(ev))
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal event: %w", err)
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	// Update stats
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: event published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.client.IsConnected(),
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}
