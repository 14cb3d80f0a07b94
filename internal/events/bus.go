// Package events carries plain-data notifications from the core to the
// presentation side (web monitor, MQTT).
package events

import (
	"fmt"
	"sync/atomic"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/kumakita/aitrios-monitor/internal/logger"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

// Topics.
const (
	TopicDeviceState = "device:state"
	TopicCommand     = "command:update"
	TopicApply       = "params:applied"
	TopicStatus      = "status:message"
	TopicProcessing  = "processing:update"
	TopicFrame       = "processing:frame"
)

// AllTopics lists every topic in publish order of importance.
var AllTopics = []string{
	TopicDeviceState,
	TopicCommand,
	TopicApply,
	TopicStatus,
	TopicProcessing,
	TopicFrame,
}

// Bus is a typed wrapper around an EventBus instance. A nil *Bus drops
// every event.
type Bus struct {
	bus evbus.Bus
	now func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{bus: evbus.New(), now: time.Now}
}

func (b *Bus) publish(topic string, v interface{}) {
	if b == nil {
		return
	}
	b.bus.Publish(topic, v)
}

func (b *Bus) PublishState(s types.DeviceState)           { b.publish(TopicDeviceState, s) }
func (b *Bus) PublishCommand(c types.CommandStatus)       { b.publish(TopicCommand, c) }
func (b *Bus) PublishApply(r types.ApplyResult)           { b.publish(TopicApply, r) }
func (b *Bus) PublishProcessing(p types.ProcessingUpdate) { b.publish(TopicProcessing, p) }
func (b *Bus) PublishFrame(f types.Frame)                 { b.publish(TopicFrame, f) }

// Status writes an operator-facing message to the log and publishes it.
func (b *Bus) Status(level types.StatusLevel, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	switch level {
	case types.StatusError:
		logger.Error("Status", "%s", text)
	case types.StatusWarn:
		logger.Warn("Status", "%s", text)
	default:
		logger.Info("Status", "%s", text)
	}
	if b == nil {
		return
	}
	b.publish(TopicStatus, types.StatusMessage{Time: b.now(), Level: level, Text: text})
}

// Subscribe registers a synchronous handler. fn must take the payload
// type published on topic.
func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeAsync registers a handler run off the publisher's goroutine.
// Handlers registered as transactional see events in publish order.
func (b *Bus) SubscribeAsync(topic string, fn interface{}, transactional bool) error {
	return b.bus.SubscribeAsync(topic, fn, transactional)
}

// SubscribeAll registers fn on every topic. Handlers run on the
// publisher's goroutine and must not block or publish. The returned
// function stops delivery to fn.
func (b *Bus) SubscribeAll(fn func(topic string, payload interface{})) (func(), error) {
	// EventBus identifies handlers by code pointer, so closures cannot be
	// unsubscribed individually; a flag detaches fn instead.
	var closed atomic.Bool
	for _, topic := range AllTopics {
		topic := topic
		h := func(payload interface{}) {
			if !closed.Load() {
				fn(topic, payload)
			}
		}
		if err := b.bus.Subscribe(topic, h); err != nil {
			closed.Store(true)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return func() { closed.Store(true) }, nil
}

// WaitAsync blocks until asynchronous handlers have finished.
func (b *Bus) WaitAsync() {
	if b == nil {
		return
	}
	b.bus.WaitAsync()
}
