package mqttclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", BrokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", BrokerURL("ssl://broker:8883"))
	assert.Equal(t, "ws://broker:80/mqtt", BrokerURL("ws://broker:80/mqtt"))
}

func TestConnect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nothing listens on port 1; with connect retry on the token never
	// completes, so the cancelled context decides.
	_, err := Connect(ctx, Options{Broker: "127.0.0.1:1", ClientID: "test", ConnectTimeout: time.Second})
	assert.Error(t, err)
}
