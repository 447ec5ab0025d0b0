package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MQTTClient is the subset of the paho client the notifier uses, so tests
// can substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTConfig selects the broker and topic prefix.
type MQTTConfig struct {
	Broker   string
	Topic    string
	Username string
	Password string
}

// MQTTNotifier publishes events for channel adapters (chat bots, pagers)
// subscribed on the broker. Events go to <topic>/<event type>.
type MQTTNotifier struct {
	client MQTTClient
	topic  string
	log    zerolog.Logger
}

// NewMQTTNotifier builds a paho client from cfg and connects it.
func NewMQTTNotifier(cfg MQTTConfig, logger zerolog.Logger) (*MQTTNotifier, error) {
	log := logger.With().Str("component", "mqtt").Logger()
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID("agentguard-" + uuid.NewString()[:8])
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	n := NewMQTTNotifierWithClient(mqtt.NewClient(opts), cfg.Topic, logger)
	if err := n.connect(); err != nil {
		return nil, err
	}
	log.Info().Str("broker", cfg.Broker).Msg("mqtt notifier connected")
	return n, nil
}

// NewMQTTNotifierWithClient wraps an existing client without connecting.
func NewMQTTNotifierWithClient(client MQTTClient, topic string, logger zerolog.Logger) *MQTTNotifier {
	if topic == "" {
		topic = "agentguard/approvals"
	}
	return &MQTTNotifier{client: client, topic: topic, log: logger.With().Str("component", "mqtt").Logger()}
}

func (n *MQTTNotifier) connect() error {
	token := n.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

// Notify publishes ev with QoS 1.
func (n *MQTTNotifier) Notify(_ context.Context, ev Event) error {
	if !n.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := n.client.Publish(n.topic+"/"+ev.Type, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n.client.IsConnected() {
		n.client.Disconnect(250)
	}
}
