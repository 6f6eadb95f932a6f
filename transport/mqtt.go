// Package transport connects the mapper to the MQTT broker. It carries both
// directions: inbound subscriptions feed raw broker messages into the service,
// and the outbound sender publishes patched documents produced by the
// processing pipeline.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/config"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/processor"
)

const (
	defaultPublishTimeout = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
)

// MessageHandler receives every message delivered on a subscribed topic.
// Handlers must not block; slow consumers should hand off to a worker pool.
type MessageHandler func(topic string, payload []byte)

// subscription remembers an active subscription so it can be replayed after
// the client reconnects.
type subscription struct {
	topic   string
	qos     model.QOS
	handler MessageHandler
}

// MQTTClient is the broker-facing transport. It implements processor.Sender
// for outbound dispatch and carries the inbound subscriptions for the
// service layer.
type MQTTClient struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	client mqtt.Client

	mu   sync.Mutex
	subs map[string]subscription

	stopOnce sync.Once
}

var _ processor.Sender = (*MQTTClient)(nil)

// NewMQTTClient builds a client from the broker configuration. The client is
// not connected until Start is called.
func NewMQTTClient(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTClient, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MQTTClient", "NewMQTTClient", "broker_url")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &MQTTClient{
		cfg:    cfg,
		logger: logger.With("component", "MQTTClient"),
		subs:   make(map[string]subscription),
	}
	c.client = mqtt.NewClient(c.clientOptions())
	return c, nil
}

// clientOptions assembles the paho options from the configuration. A unique
// suffix on the client id lets multiple mapper instances share a prefix
// without kicking each other off the broker.
func (c *MQTTClient) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(clientID(c.cfg.ClientIDPrefix))
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetKeepAlive(durationOr(c.cfg.KeepAlive, defaultKeepAlive))
	opts.SetConnectTimeout(durationOr(c.cfg.ConnectTimeout, defaultConnectTimeout))
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)

	if strings.HasPrefix(c.cfg.BrokerURL, "tls://") || strings.HasPrefix(c.cfg.BrokerURL, "ssl://") {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: c.cfg.InsecureTLS,
		})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info("connected to broker", "broker", c.cfg.BrokerURL)
		c.resubscribe(client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("connection to broker lost", "error", err)
	})
	return opts
}

func clientID(prefix string) string {
	if prefix == "" {
		prefix = "dynmapper"
	}
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano()%1000000)
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Start connects to the broker. Auto-reconnect keeps the session alive after
// transient outages, so Start only fails on the initial handshake.
func (c *MQTTClient) Start(ctx context.Context) error {
	token := c.client.Connect()
	timeout := durationOr(c.cfg.ConnectTimeout, defaultConnectTimeout)
	if !waitToken(ctx, token, timeout) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "MQTTClient", "Start", c.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNoConnection, err), "MQTTClient", "Start", c.cfg.BrokerURL)
	}
	return nil
}

// Stop disconnects from the broker. Safe to call more than once.
func (c *MQTTClient) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		topics := make([]string, 0, len(c.subs))
		for topic := range c.subs {
			topics = append(topics, topic)
		}
		c.mu.Unlock()

		if c.client.IsConnected() {
			if len(topics) > 0 {
				c.client.Unsubscribe(topics...)
			}
			c.client.Disconnect(500)
		}
		c.logger.Info("disconnected from broker")
	})
}

// IsConnected reports whether the client currently holds a live broker
// connection.
func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnected()
}

// Subscribe registers a handler for a topic filter. The subscription survives
// reconnects; it is replayed from the OnConnect handler.
func (c *MQTTClient) Subscribe(topic string, qos model.QOS, handler MessageHandler) error {
	if topic == "" {
		return errors.WrapInvalid(fmt.Errorf("empty topic filter"), "MQTTClient", "Subscribe", topic)
	}
	if handler == nil {
		return errors.WrapInvalid(fmt.Errorf("nil handler"), "MQTTClient", "Subscribe", topic)
	}

	c.mu.Lock()
	c.subs[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.client.IsConnected() {
		// Replayed on connect.
		return nil
	}
	return c.subscribeOn(c.client, topic, qos, handler)
}

// Unsubscribe removes a topic filter registered with Subscribe.
func (c *MQTTClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	_, known := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()

	if !known || !c.client.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(durationOr(c.cfg.PublishTimeout, defaultPublishTimeout)) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "MQTTClient", "Unsubscribe", topic)
	}
	return token.Error()
}

func (c *MQTTClient) subscribeOn(client mqtt.Client, topic string, qos model.QOS, handler MessageHandler) error {
	token := client.Subscribe(topic, byte(qos), func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(durationOr(c.cfg.PublishTimeout, defaultPublishTimeout)) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "MQTTClient", "Subscribe", topic)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(fmt.Errorf("subscribe %s: %w", topic, err), "MQTTClient", "Subscribe", topic)
	}
	c.logger.Debug("subscribed", "topic", topic, "qos", int(qos))
	return nil
}

func (c *MQTTClient) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.subscribeOn(client, s.topic, s.qos, s.handler); err != nil {
			c.logger.Error("resubscribe failed", "topic", s.topic, "error", err)
		}
	}
}

// Send publishes an outbound request. Connection loss and publish timeouts
// are reported as transient so the caller's retry policy applies; a request
// that cannot be serialized is permanent.
func (c *MQTTClient) Send(ctx context.Context, tenant string, req *processor.Request) error {
	if req.Topic == "" {
		return errors.WrapInvalid(fmt.Errorf("request for %s has no publish topic", req.API), "MQTTClient", "Send", tenant)
	}
	payload, err := EncodePayload(req.Payload)
	if err != nil {
		return errors.WrapInvalid(err, "MQTTClient", "Send", req.Topic)
	}
	if !c.client.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "MQTTClient", "Send", req.Topic)
	}

	token := c.client.Publish(req.Topic, byte(req.QOS), req.Retained, payload)
	if !waitToken(ctx, token, durationOr(c.cfg.PublishTimeout, defaultPublishTimeout)) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "MQTTClient", "Send", req.Topic)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDispatchFailed, err), "MQTTClient", "Send", req.Topic)
	}
	c.logger.Debug("published", "tenant", tenant, "topic", req.Topic, "qos", int(req.QOS), "bytes", len(payload))
	return nil
}

// EncodePayload serializes a patched document for the wire.
func EncodePayload(doc map[string]any) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// waitToken waits for a paho token honoring both the timeout and the caller's
// context. Paho tokens have no context support, so cancellation is polled.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		step := 50 * time.Millisecond
		if remaining < step {
			step = remaining
		}
		if token.WaitTimeout(step) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
}
