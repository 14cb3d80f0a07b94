// Package notify republishes monitor events to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kumakita/aitrios-monitor/internal/events"
	"github.com/kumakita/aitrios-monitor/internal/logger"
)

const (
	qos          = 1
	queueSize    = 64
	publishWait  = 5 * time.Second
	disconnectMs = 250
)

// Event names used as the last topic segment.
var eventNames = map[string]string{
	events.TopicDeviceState: "state",
	events.TopicCommand:     "command",
	events.TopicApply:       "apply",
	events.TopicStatus:      "status",
	events.TopicProcessing:  "processing",
}

// Config holds the broker connection and topic settings.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
}

type message struct {
	topic   string
	payload []byte
}

// Notifier queues bus events and publishes them from Run.
type Notifier struct {
	client   mqtt.Client
	prefix   string
	deviceID string
	queue    chan message
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg Config) (*Notifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT", "Connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT", "Connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return newNotifier(client, cfg.TopicPrefix, cfg.DeviceID), nil
}

func newNotifier(client mqtt.Client, prefix, deviceID string) *Notifier {
	return &Notifier{
		client:   client,
		prefix:   prefix,
		deviceID: deviceID,
		queue:    make(chan message, queueSize),
	}
}

// Topic returns {prefix}/{device_id}/{event}.
func (n *Notifier) Topic(event string) string {
	return fmt.Sprintf("%s/%s/%s", n.prefix, n.deviceID, event)
}

// Attach subscribes the notifier to every republished bus topic.
func (n *Notifier) Attach(bus *events.Bus) (func(), error) {
	return bus.SubscribeAll(n.enqueue)
}

// enqueue runs on the publisher's goroutine and never blocks.
func (n *Notifier) enqueue(topic string, payload interface{}) {
	name, ok := eventNames[topic]
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("MQTT", "Failed to encode %s event: %v", name, err)
		return
	}
	select {
	case n.queue <- message{topic: n.Topic(name), payload: data}:
	default:
		logger.Warn("MQTT", "Queue full, dropping %s event", name)
	}
}

// Run publishes queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	logger.Info("MQTT", "Publishing events under %s", n.Topic("#"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			if err := n.publish(msg); err != nil {
				logger.Warn("MQTT", "%v", err)
			}
		}
	}
}

func (n *Notifier) publish(msg message) error {
	token := n.client.Publish(msg.topic, qos, false, msg.payload)
	if !token.WaitTimeout(publishWait) {
		return fmt.Errorf("publish %s: timed out", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (n *Notifier) Close() {
	n.client.Disconnect(disconnectMs)
	logger.Info("MQTT", "Disconnected")
}
