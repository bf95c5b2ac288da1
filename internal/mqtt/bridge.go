// Package mqtt republishes gateway events on an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/lorafs/internal/gateway"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// publishFunc sends one message; the paho client is behind it in production.
type publishFunc func(topic string, payload []byte, retained bool)

// Bridge forwards gateway bus events to <prefix>/event/<type>.
type Bridge struct {
	client  pahomqtt.Client
	prefix  string
	logger  *slog.Logger
	unsub   func()
	publish publishFunc
}

// retainedEvents keep their last value on the broker.
var retainedEvents = map[string]bool{
	gateway.EventLinkState:   true,
	gateway.EventRadioConfig: true,
	gateway.EventRadioTx:     true,
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lorafs"
	}
	b := &Bridge{
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.stateTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("[MQTT] connected", "broker", cfg.Broker)
			b.publishBridgeState("online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("[MQTT] connection lost", "error", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.publish = b.pahoPublish

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to every event on bus.
func (b *Bridge) Start(bus *gateway.EventBus) {
	b.unsub = bus.OnAll(b.handleEvent)
	b.logger.Info("[MQTT] bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("[MQTT] bridge stopped")
}

func (b *Bridge) handleEvent(ev gateway.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("[MQTT] encode event", "type", ev.Type, "error", err)
		return
	}
	b.publish(b.eventTopic(ev.Type), payload, retainedEvents[ev.Type])
}

func (b *Bridge) eventTopic(eventType string) string {
	return b.prefix + "/event/" + eventType
}

func (b *Bridge) stateTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.stateTopic(), []byte(state), true)
}

// pahoPublish does not block the gateway loop on broker acknowledgement.
func (b *Bridge) pahoPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("[MQTT] publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("[MQTT] publish error", "topic", topic, "error", err)
		}
	}()
}
