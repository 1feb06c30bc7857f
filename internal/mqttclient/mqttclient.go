// Package mqttclient connects to the MQTT broker shared by the control
// plane and the event emitter.
package mqttclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is the part of mqtt.Client the relay uses.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Options configures the connection.
type Options struct {
	Broker         string // host:port, or a full tcp://, ssl:// or ws:// URL
	ClientID       string
	ConnectTimeout time.Duration // default 5s
}

// Conn is a connected broker session with automatic reconnection.
type Conn struct {
	mqtt.Client
	broker    string
	connected atomic.Bool
}

// BrokerURL adds the tcp:// scheme to a bare host:port.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to the MQTT broker
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	c := &Conn{broker: opts.Broker}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(BrokerURL(opts.Broker))
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(2 * time.Second)
	clientOpts.SetMaxReconnectInterval(30 * time.Second)

	// Connection handlers
	clientOpts.OnConnect = func(mqtt.Client) {
		c.connected.Store(true)
		slog.Info("mqttclient: connection established",
			"broker", opts.Broker,
			"client_id", opts.ClientID,
		)
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		slog.Warn("mqttclient: connection lost, will auto-reconnect",
			"error", err,
			"broker", opts.Broker,
			"max_retry_interval", "30s",
		)
	}

	c.Client = mqtt.NewClient(clientOpts)

	slog.Info("mqttclient: connecting", "broker", opts.Broker)

	token := c.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(opts.ConnectTimeout):
		c.Client.Disconnect(0) // stop the retry loop
		return nil, fmt.Errorf("mqttclient: connection timeout after %s", opts.ConnectTimeout)
	case <-ctx.Done():
		c.Client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttclient: connection failed: %w", err)
	}

	c.connected.Store(true)
	return c, nil
}

// Connected reports the last observed connection state.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Disconnect closes the connection with a 250ms grace period.
func (c *Conn) Disconnect() {
	if c.Client != nil && c.Client.IsConnected() {
		c.Client.Disconnect(250)
		slog.Info("mqttclient: disconnected", "broker", c.broker)
	}
	c.connected.Store(false)
}
