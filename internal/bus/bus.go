package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MessageBus is the process-wide, in-memory hub wiring Channel Adapters to
// the Message Router and broadcasting admin events to subscribers. It has no
// external transport: it is the same-process analogue of a message broker.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]InboundHandler // instanceName -> handler

	sendersMu sync.RWMutex
	senders   map[string]OutboundSender // instanceName -> adapter send func

	subsMu sync.RWMutex
	subs   map[string]func(Event)
}

// OutboundSender delivers an OutboundMessage through a Channel Adapter.
// Registered per-instance by the Instance Registry when an adapter connects.
type OutboundSender func(ctx context.Context, msg OutboundMessage) (SendResult, error)

// New creates an empty MessageBus.
func New() *MessageBus {
	return &MessageBus{
		handlers: make(map[string]InboundHandler),
		senders:  make(map[string]OutboundSender),
		subs:     make(map[string]func(Event)),
	}
}

// Subscribe registers the Router's inbound handler for a given instance.
// A second Subscribe for the same instance replaces the prior handler.
func (b *MessageBus) Subscribe(instanceName string, handler InboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[instanceName] = handler
}

// Unsubscribe removes the inbound handler for an instance.
func (b *MessageBus) Unsubscribe(instanceName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, instanceName)
}

// PublishInbound hands a normalized inbound event to the subscribed handler
// for its instance. If no handler is registered (instance not loaded), the
// event is dropped with a logged warning — callers must not block on this.
func (b *MessageBus) PublishInbound(evt InboundEvent) {
	b.mu.RLock()
	handler := b.handlers[evt.InstanceName]
	b.mu.RUnlock()

	if handler == nil {
		slog.Warn("inbound event for unknown instance", "instance", evt.InstanceName, "channel", evt.ChannelType)
		return
	}
	handler(evt)
}

// RegisterSender registers the adapter send function for an instance,
// called by the Instance Registry once a Channel Adapter connects.
func (b *MessageBus) RegisterSender(instanceName string, send OutboundSender) {
	b.sendersMu.Lock()
	defer b.sendersMu.Unlock()
	b.senders[instanceName] = send
}

// UnregisterSender removes the adapter send function, called when an
// instance disconnects or is deleted.
func (b *MessageBus) UnregisterSender(instanceName string) {
	b.sendersMu.Lock()
	defer b.sendersMu.Unlock()
	delete(b.senders, instanceName)
}

// PublishOutbound dispatches an outbound message through the registered
// Channel Adapter sender for its instance.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	b.sendersMu.RLock()
	send := b.senders[msg.InstanceName]
	b.sendersMu.RUnlock()

	if send == nil {
		return ErrChannelUnavailable
	}
	_, err := send(ctx, msg)
	return err
}

// SubscribeEvents registers an admin/dashboard event listener.
func (b *MessageBus) SubscribeEvents(id string, handler func(Event)) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs[id] = handler
}

// UnsubscribeEvents removes an admin/dashboard event listener.
func (b *MessageBus) UnsubscribeEvents(id string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	delete(b.subs, id)
}

// Broadcast pushes an event to every subscribed listener.
func (b *MessageBus) Broadcast(event Event) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, handler := range b.subs {
		handler(event)
	}
}
