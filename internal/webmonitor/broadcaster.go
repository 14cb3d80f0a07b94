package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kumakita/aitrios-monitor/internal/events"
	"github.com/kumakita/aitrios-monitor/internal/logger"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	Topic        string
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// EventBroadcaster fans bus events out to SSE clients.
type EventBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	detach  func()
}

// NewEventBroadcaster creates a broadcaster with no clients.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
	}
}

// Attach starts receiving events from bus.
func (b *EventBroadcaster) Attach(bus *events.Bus) error {
	detach, err := bus.SubscribeAll(b.publish)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.detach = detach
	b.mu.Unlock()
	return nil
}

// Stop detaches from the bus and disconnects every client.
func (b *EventBroadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detach != nil {
		b.detach()
		b.detach = nil
	}
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (b *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 16)
	b.clients[id] = ch

	logger.Debug("EventBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *EventBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of connected clients.
func (b *EventBroadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// publish runs on the bus publisher's goroutine and must not block.
func (b *EventBroadcaster) publish(topic string, payload interface{}) {
	if b.Clients() == 0 {
		return
	}
	if f, ok := payload.(types.Frame); ok {
		// Clients fetch the image itself from /api/frames/latest.
		f.ImageBase64 = ""
		payload = f
	}

	event, err := Serialize(topic, payload)
	if err != nil {
		logger.Error("EventBroadcaster", "Serialize %s: %v", topic, err)
		return
	}
	b.broadcast(event)
}

func (b *EventBroadcaster) broadcast(event *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.clients {
		select {
		case ch <- event:
		default:
			logger.Debug("EventBroadcaster", "Client #%d too slow, dropping %s", id, event.Topic)
		}
	}
}

// Serialize encodes payload as JSON and as a base64 protobuf Struct.
func Serialize(topic string, payload interface{}) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		Topic:        topic,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
