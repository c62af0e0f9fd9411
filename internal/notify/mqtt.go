package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/tickler/internal/config"
)

// mqttConnectWait bounds how long Start waits for the first connection.
const mqttConnectWait = 30 * time.Second

// MQTT hands texts to an external SMS bridge by publishing them to
// <prefix>/<digits>. The bridge is expected to subscribe to <prefix>/+.
// <prefix>/status carries a retained online/offline marker.
type MQTT struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// mqttMessage is the JSON payload of one outbound text.
type mqttMessage struct {
	To   string    `json:"to"`
	Text string    `json:"text"`
	At   time.Time `json:"ts"`
}

// NewMQTT creates a publisher but does not connect. Call Start first.
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		cfg:    cfg,
		logger: logger.With("component", "notify", "channel", config.ChannelMQTT),
	}
}

// Start connects to the broker. autopaho keeps reconnecting in the
// background for as long as ctx lives, so a slow broker at startup is
// logged rather than fatal.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "tickler"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, mqttConnectWait)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop marks the publisher offline and disconnects.
func (m *MQTT) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishStatus(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

// Send publishes one text with QoS 1. It waits for the broker
// connection as long as ctx allows.
func (m *MQTT) Send(ctx context.Context, phone, text string) error {
	topic := m.Topic(phone)
	if topic == "" {
		return ErrNoPhone
	}
	if m.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	if err := m.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt not connected: %w", err)
	}

	payload, err := json.Marshal(mqttMessage{To: phone, Text: text, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}

	m.logger.Debug("mqtt text published", "topic", topic, "length", len(text))
	return nil
}

// Topic returns the topic a text to phone is published on, or "" when
// phone has no digits.
func (m *MQTT) Topic(phone string) string {
	d := digits(phone)
	if d == "" {
		return ""
	}
	return m.prefix() + "/" + d
}

func (m *MQTT) prefix() string {
	p := strings.TrimSuffix(m.cfg.TopicPrefix, "/")
	if p == "" {
		p = config.DefaultMQTTTopicPrefix
	}
	return p
}

func (m *MQTT) statusTopic() string {
	return m.prefix() + "/status"
}

func (m *MQTT) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	}
}
