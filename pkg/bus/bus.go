// Package bus fans out capture traffic and lifecycle events to any number of
// named taps (the WebSocket bridge, status counters, tests). Publishing
// never blocks: slow taps drop.
package bus

import (
	"sync"
)

// Subscriber is a named tap on a message stream. Multiple subscribers can
// independently consume the same published messages (fan-out).
type Subscriber struct {
	Name string
	ch   chan interface{} // receives copies of published messages
}

type MessageBus struct {
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	// Fan-out subscribers: every published message is sent to all taps
	inboundSubs  []*Subscriber
	outboundSubs []*Subscriber
	systemSubs   []*Subscriber // for SystemEvent fan-out
}

func NewMessageBus() *MessageBus {
	return &MessageBus{}
}

// --- Fan-out subscriptions ---

// SubscribeInboundTap creates a named subscriber that receives copies of all
// inbound messages. The returned channel is buffered; slow consumers drop.
func (mb *MessageBus) SubscribeInboundTap(name string) <-chan interface{} {
	return mb.subscribe(&mb.inboundSubs, name)
}

// SubscribeOutboundTap creates a named subscriber for outbound messages.
func (mb *MessageBus) SubscribeOutboundTap(name string) <-chan interface{} {
	return mb.subscribe(&mb.outboundSubs, name)
}

// SubscribeSystem creates a named subscriber for system events.
func (mb *MessageBus) SubscribeSystem(name string) <-chan interface{} {
	return mb.subscribe(&mb.systemSubs, name)
}

func (mb *MessageBus) subscribe(list *[]*Subscriber, name string) <-chan interface{} {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan interface{}, 64)}
	if mb.closed {
		close(sub.ch)
		return sub.ch
	}
	*list = append(*list, sub)
	return sub.ch
}

// PublishSystem publishes a system event to all system subscribers.
// A nil bus discards the event.
func (mb *MessageBus) PublishSystem(event SystemEvent) {
	if mb == nil {
		return
	}
	mb.fanOut(&mb.systemSubs, event)
}

// PublishInbound publishes a user message delivered to a captured channel.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	if mb == nil {
		return
	}
	mb.fanOut(&mb.inboundSubs, msg)
}

// PublishOutbound publishes a message posted by the bot.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	if mb == nil {
		return
	}
	mb.fanOut(&mb.outboundSubs, msg)
}

func (mb *MessageBus) fanOut(subs *[]*Subscriber, msg interface{}) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	for _, sub := range *subs {
		select {
		case sub.ch <- msg:
		default: // non-blocking, drop if subscriber is slow
		}
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		mb.closed = true
		// Close subscriber channels
		for _, sub := range mb.inboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.outboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.systemSubs {
			close(sub.ch)
		}
	})
}
