// Package eventbus provides the bounded, per-subscriber FIFO event queue
// the core publishes observability events onto (spec.md §6, §9): a
// dropped event on overflow is counted and logged, never silently
// discarded, and no subscriber's slow consumption can block another's.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind enumerates the event kinds the core emits.
type Kind string

const (
	PeerConnected      Kind = "peer_connected"
	PeerDisconnected   Kind = "peer_disconnected"
	PeerDiscovered     Kind = "peer_discovered"
	TransferStarted    Kind = "transfer_started"
	TransferProgress   Kind = "transfer_progress"
	TransferCompleted  Kind = "transfer_completed"
	TransferFailed     Kind = "transfer_failed"
	KeyRotated         Kind = "key_rotated"
	NetworkError       Kind = "network_error"
)

// Event is one emitted occurrence.
type Event struct {
	Kind    Kind
	Payload map[string]any
}

const defaultQueueDepth = 64

// subscriber is one bounded delivery channel plus its overflow counter.
type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus fans out emitted events to any number of subscribers, each with its
// own bounded channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	queueDepth  int
	log         *slog.Logger
}

// New creates a Bus. queueDepth <= 0 uses defaultQueueDepth.
func New(log *slog.Logger, queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		queueDepth:  queueDepth,
		log:         log.With("component", "eventbus"),
	}
}

// Subscription is a handle returned by Subscribe; read Events and call
// Unsubscribe (or Close the owning Bus) when done.
type Subscription struct {
	id     int
	Events <-chan Event
	bus    *Bus
}

// Unsubscribe stops delivery to this subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe registers a new bounded subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.queueDepth)}
	b.subscribers[id] = sub
	return &Subscription{id: id, Events: sub.ch, bus: b}
}

// Emit publishes an event to every current subscriber. A subscriber whose
// channel is full has the event dropped for it; the drop is counted and
// logged rather than blocking the emitter or other subscribers.
func (b *Bus) Emit(kind Kind, payload map[string]any) {
	evt := Event{Kind: kind, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- evt:
		default:
			total := sub.dropped.Add(1)
			b.log.Warn("dropped event, subscriber queue full",
				"subscriber_id", id,
				"kind", kind,
				"dropped_total", total,
			)
		}
	}
}

// Close unsubscribes every subscriber, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
