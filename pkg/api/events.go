// Event bridge: wires the message bus into the WebSocket hub for live
// capture updates and keeps per-event-type counters for the status endpoint.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/events"
	"github.com/techmatters/serverless-sub000/pkg/logger"
)

const previewLen = 200

// EventBridge connects the message bus to the WebSocket hub.
type EventBridge struct {
	bus *bus.MessageBus
	hub *WSHub

	mu       sync.RWMutex
	counters map[string]int64
}

// NewEventBridge creates a bridge that forwards bus events to WebSocket
// clients. mb may be nil.
func NewEventBridge(mb *bus.MessageBus, hub *WSHub) *EventBridge {
	counters := make(map[string]int64, len(events.All()))
	for _, t := range events.All() {
		counters[t] = 0
	}
	return &EventBridge{bus: mb, hub: hub, counters: counters}
}

// Run starts forwarding loops using fan-out taps on the message bus.
// It returns immediately; the loops stop when ctx is cancelled.
func (eb *EventBridge) Run(ctx context.Context) {
	if eb.bus == nil {
		logger.WarnC("events", "No message bus, live events disabled")
		return
	}
	logger.InfoC("events", "Event bridge started, forwarding bus events to WebSocket")

	inboundTap := eb.bus.SubscribeInboundTap("event-bridge")
	outboundTap := eb.bus.SubscribeOutboundTap("event-bridge")
	systemTap := eb.bus.SubscribeSystem("event-bridge")

	go eb.forward(ctx, "inbound", inboundTap)
	go eb.forward(ctx, "outbound", outboundTap)
	go eb.forward(ctx, "system", systemTap)
}

func (eb *EventBridge) forward(ctx context.Context, name string, tap <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			logger.DebugCF("events", "Event bridge stopped", map[string]interface{}{"tap": name})
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			eb.dispatch(raw)
		}
	}
}

// dispatch counts and broadcasts one bus message.
func (eb *EventBridge) dispatch(raw interface{}) {
	switch msg := raw.(type) {
	case bus.InboundMessage:
		eb.count(events.MessageInbound)
		eb.hub.Broadcast(events.MessageInbound, events.MessageEventData{
			MessageID: msg.MessageID,
			Channel:   msg.ChannelID,
			From:      msg.SenderID,
			Preview:   events.Preview(msg.Content, previewLen),
			Timestamp: time.Now().UTC(),
		})
	case bus.OutboundMessage:
		eb.count(events.MessageOutbound)
		eb.hub.Broadcast(events.MessageOutbound, events.MessageEventData{
			Channel:   msg.ChannelID,
			From:      msg.From,
			Preview:   events.Preview(msg.Content, previewLen),
			Timestamp: time.Now().UTC(),
		})
	case bus.SystemEvent:
		eb.count(msg.Type)
		eb.hub.Broadcast(msg.Type, msg.Data)
	}
}

func (eb *EventBridge) count(eventType string) {
	eb.mu.Lock()
	eb.counters[eventType]++
	eb.mu.Unlock()
}

// Counters returns a snapshot of the per-event-type counters.
func (eb *EventBridge) Counters() map[string]int64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make(map[string]int64, len(eb.counters))
	for k, v := range eb.counters {
		out[k] = v
	}
	return out
}
