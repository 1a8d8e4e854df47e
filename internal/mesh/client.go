// Package mesh carries anchor broadcasts and SOS messages between nodes over
// an MQTT broker.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rssi-locator/internal/logging"
)

// ErrNotConnected is returned when publishing before Connect succeeded.
var ErrNotConnected = errors.New("mesh: not connected")

// Message is a text message received from another node.
type Message struct {
	Topic   string
	Payload string
}

// Options configures a Client.
type Options struct {
	Broker        string
	Port          int
	ClientID      string
	AnchorTopic   string
	DistressTopic string
	QoS           byte
}

// Client is an MQTT connection subscribed to the anchor and distress topics.
type Client struct {
	opts     Options
	client   mqtt.Client
	messages chan Message
	log      *logging.Logger
}

// NewClient creates an unconnected client.
func NewClient(opts Options, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		opts:     opts,
		messages: make(chan Message, 256),
		log:      log.Component("Mesh"),
	}
}

// Connect establishes the broker connection. Subscriptions are renewed on
// every reconnect.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.opts.Broker, c.opts.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.opts.ClientID)

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)

	c.log.Infof("Connecting to MQTT broker at %s as %s", brokerURL, c.opts.ClientID)
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", brokerURL, token.Error())
	}
	return nil
}

func (c *Client) topics() map[string]byte {
	topics := make(map[string]byte)
	for _, t := range []string{c.opts.AnchorTopic, c.opts.DistressTopic} {
		if t != "" {
			topics[t] = c.opts.QoS
		}
	}
	return topics
}

func (c *Client) onConnect(client mqtt.Client) {
	topics := c.topics()
	if len(topics) == 0 {
		return
	}
	token := client.SubscribeMultiple(topics, c.messageHandler)
	if token.Wait() && token.Error() != nil {
		c.log.Errorf("Failed to subscribe: %v", token.Error())
		return
	}
	c.log.Infof("Connected, subscribed to %d topics", len(topics))
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warnf("Connection lost: %v, will attempt to reconnect", err)
}

func (c *Client) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	m := Message{Topic: msg.Topic(), Payload: string(msg.Payload())}
	select {
	case c.messages <- m:
	default:
		c.log.Warnf("Message queue full, dropping message on %s", m.Topic)
	}
}

// Messages delivers received messages. Messages are dropped when the reader
// falls behind.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// IsAnchor reports whether m arrived on the anchor topic.
func (c *Client) IsAnchor(m Message) bool {
	return m.Topic == c.opts.AnchorTopic
}

// IsDistress reports whether m arrived on the distress topic.
func (c *Client) IsDistress(m Message) bool {
	return m.Topic == c.opts.DistressTopic
}

func (c *Client) publish(ctx context.Context, topic, payload string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.opts.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish on %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAnchor sends an anchor broadcast.
func (c *Client) PublishAnchor(ctx context.Context, msg string) error {
	return c.publish(ctx, c.opts.AnchorTopic, msg)
}

// Broadcast sends a text message on the distress topic.
func (c *Client) Broadcast(ctx context.Context, msg string) error {
	return c.publish(ctx, c.opts.DistressTopic, msg)
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Close unsubscribes and disconnects.
func (c *Client) Close() error {
	if c.IsConnected() {
		topics := make([]string, 0, 2)
		for t := range c.topics() {
			topics = append(topics, t)
		}
		if len(topics) > 0 {
			c.client.Unsubscribe(topics...)
		}
		c.client.Disconnect(250)
	}
	return nil
}
