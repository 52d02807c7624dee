package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hollisb/skillbridge/internal/bridge"
	"github.com/hollisb/skillbridge/internal/config"
	"github.com/hollisb/skillbridge/internal/events"
)

// Dispatcher receives decoded inbound chat events. The concrete
// implementation is *bridge.Bridge.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg bridge.InboundMessage)
}

// Client manages the MQTT connection: it subscribes to the inbound
// chat topic, hands decoded events to the dispatcher, and publishes
// results, progress summaries, and error notices.
type Client struct {
	cfg        config.MQTTConfig
	instanceID string
	dispatcher Dispatcher
	logger     *slog.Logger
	bus        *events.Bus
	limiter    *messageRateLimiter
	cm         *autopaho.ConnectionManager
}

// New creates a Client but does not connect. Call [Client.Start] to
// begin the connection and subscription.
func New(cfg config.MQTTConfig, instanceID string, dispatcher Dispatcher, logger *slog.Logger, bus *events.Bus) *Client {
	c := &Client{
		cfg:        cfg,
		instanceID: instanceID,
		dispatcher: dispatcher,
		logger:     logger,
		bus:        bus,
	}
	if cfg.RateLimit > 0 {
		c.limiter = newMessageRateLimiter(int64(cfg.RateLimit), time.Minute, logger)
	}
	return c
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it re-subscribes to the inbound topic and
// publishes a birth message.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := c.availabilityTopic()
	inbound := c.inboundTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: inbound, QoS: 1},
				},
			}); err != nil {
				c.logger.Error("mqtt subscribe failed", "topic", inbound, "error", err)
			} else {
				c.logger.Info("mqtt subscribed", "topic", inbound)
			}
			c.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "skillbridge-" + c.cfg.DeviceName + "-" + shortID(c.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handleInbound(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	if c.limiter != nil {
		go c.limiter.start(ctx)
	}

	// Wait for the initial connection, but don't fail on timeout —
	// autopaho keeps retrying in the background.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the connection.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.publishAvailability(ctx, c.cm, "offline")
	return c.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// handleInbound decodes one inbound packet and hands it to the
// dispatcher. Malformed payloads and rate-limited messages are dropped
// with a log line; the transport never crashes on bad input.
func (c *Client) handleInbound(ctx context.Context, topic string, payload []byte) {
	if c.limiter != nil && !c.limiter.allow() {
		return
	}

	msg, err := decodeInbound(payload)
	if err != nil {
		c.logger.Warn("mqtt inbound payload rejected",
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
		return
	}

	c.logger.Debug("mqtt inbound message",
		"topic", topic,
		"chat_id", msg.ChatID,
		"message_len", len(msg.Text),
	)
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMQTT,
		Kind:      events.KindMessageReceived,
		Data: map[string]any{
			"topic":   topic,
			"chat_id": msg.ChatID,
		},
	})

	c.dispatcher.Dispatch(ctx, msg)
}

// decodeInbound parses a chat event payload. ChatID, SenderID, and
// Text are required.
func decodeInbound(payload []byte) (bridge.InboundMessage, error) {
	var msg bridge.InboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode inbound event: %w", err)
	}
	if msg.ChatID == "" || msg.SenderID == "" {
		return msg, fmt.Errorf("inbound event missing chat_id or sender_id")
	}
	if msg.Text == "" {
		return msg, fmt.Errorf("inbound event has no text")
	}
	return msg, nil
}

// --- Topic helpers ---

func (c *Client) inboundTopic() string {
	if c.cfg.InboundTopic != "" {
		return c.cfg.InboundTopic
	}
	return "skillbridge/" + c.cfg.DeviceName + "/inbound"
}

func (c *Client) outboundPrefix() string {
	if c.cfg.OutboundPrefix != "" {
		return c.cfg.OutboundPrefix
	}
	return "skillbridge/" + c.cfg.DeviceName
}

func (c *Client) availabilityTopic() string {
	return c.outboundPrefix() + "/availability"
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}

// shortID truncates a UUID to its first segment for use in the MQTT
// client identifier.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
