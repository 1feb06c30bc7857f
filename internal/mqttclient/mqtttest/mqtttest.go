// Package mqtttest provides an in-memory mqttclient.Client for tests.
package mqtttest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is an already completed token.
type Token struct {
	err     error
	pending bool
	done    chan struct{}
}

// NewToken returns a completed token carrying err.
func NewToken(err error) *Token {
	t := &Token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

// PendingToken returns a token that never completes.
func PendingToken() *Token {
	return &Token{pending: true, done: make(chan struct{})}
}

func (t *Token) Wait() bool {
	if t.pending {
		<-t.done
	}
	return true
}

func (t *Token) WaitTimeout(time.Duration) bool { return !t.pending }
func (t *Token) Done() <-chan struct{}          { return t.done }
func (t *Token) Error() error                   { return t.err }

// Message is an inbound message.
type Message struct {
	TopicName string
	Body      []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

// Publication is one recorded Publish call.
type Publication struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client records publications and routes Deliver calls to subscribers.
type Client struct {
	// Failure injection
	SubscribeErr   error
	SubscribeStuck bool
	PublishErr     error
	Disconnected   bool

	mu            sync.Mutex
	subscriptions map[string]mqtt.MessageHandler
	qos           map[string]byte
	published     []Publication
	unsubscribed  []string
}

// NewClient returns a connected fake client.
func NewClient() *Client {
	return &Client{
		subscriptions: make(map[string]mqtt.MessageHandler),
		qos:           make(map[string]byte),
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.Disconnected
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return NewToken(c.PublishErr)
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, Publication{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	return NewToken(nil)
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeStuck {
		return PendingToken()
	}
	if c.SubscribeErr != nil {
		return NewToken(c.SubscribeErr)
	}
	c.subscriptions[topic] = callback
	c.qos[topic] = qos
	return NewToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
		c.unsubscribed = append(c.unsubscribed, topic)
	}
	return NewToken(nil)
}

// Deliver hands payload to the subscriber of topic and reports whether there was one.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	handler, ok := c.subscriptions[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(nil, &Message{TopicName: topic, Body: payload})
	return true
}

// Subscribed reports the QoS of a live subscription.
func (c *Client) Subscribed(topic string) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return c.qos[topic], ok
}

// Unsubscribed returns the topics passed to Unsubscribe.
func (c *Client) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

// Published returns the recorded publications.
func (c *Client) Published() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publication(nil), c.published...)
}
