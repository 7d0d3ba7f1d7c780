// Package eventbus provides a pub/sub event system for the control plane
// using watermill. Handlers inside one process subscribe directly (no
// package in this module registers a subscriber outside its tests); the watermill
// gochannel underneath is exposed for callers that want to bridge onto a
// distributed backend later without changing the Subscribe/Publish contract.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType identifies the kind of control plane event.
type EventType string

const (
	SessionTransitioned EventType = "session.transitioned"
	LockAcquired        EventType = "lock.acquired"
	LockReleased        EventType = "lock.released"
	LockConflict        EventType = "lock.conflict"
	CascadeDispatched   EventType = "cascade.dispatched"
	ReviewCompleted     EventType = "review.completed"
	GoalDrifted         EventType = "goal.drifted"
	WebhookReceived     EventType = "webhook.received"
)

// Event is one published occurrence. Data carries the concrete payload
// (e.g. a types.Session, types.Cascade, or apierr.ConflictError) and is
// typed per EventType by convention rather than enforced by the bus.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans events out to in-process subscribers. The watermill gochannel
// field backs PubSub(); direct subscriber dispatch is what Subscribe,
// SubscribeAll, Publish, and PublishSync use, which preserves the Go type
// of Event.Data instead of round-tripping it through JSON bytes.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
	cancel context.CancelFunc
}

var globalBus = newBus()

func newBus() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100, Persistent: false},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
		cancel:      cancel,
	}
}

// NewBus creates an independent bus, used by tests that don't want to share
// state with the process-wide default.
func NewBus() *Bus {
	return newBus()
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for eventType on the global bus. The returned
// function unsubscribes it.
func Subscribe(eventType EventType, fn Subscriber) func() {
	return globalBus.Subscribe(eventType, fn)
}

func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeAll registers fn for every event type on the global bus.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

func (b *Bus) collect(eventType EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish delivers event to the global bus's subscribers asynchronously,
// one goroutine per subscriber, so a slow handler (e.g. a webhook relay)
// never blocks the publisher.
func Publish(event Event) {
	globalBus.Publish(event)
}

func (b *Bus) Publish(event Event) {
	for _, sub := range b.collect(event.Type) {
		go sub(event)
	}
}

// PublishSync delivers event to the global bus's subscribers in the calling
// goroutine, in registration order, for events a caller needs applied
// before it proceeds. The session lifecycle and lock manager publish
// through Publish, which delivers asynchronously.
func PublishSync(event Event) {
	globalBus.PublishSync(event)
}

func (b *Bus) PublishSync(event Event) {
	for _, sub := range b.collect(event.Type) {
		sub(event)
	}
}

// Reset clears the global bus's subscribers and pubsub state. Intended for
// test teardown.
func Reset() {
	globalBus.mu.Lock()
	globalBus.closed = true
	globalBus.cancel()
	_ = globalBus.pubsub.Close()
	globalBus.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	globalBus = newBus()
}

// Close shuts the bus down; Publish/PublishSync become no-ops afterward.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the bus's underlying watermill GoChannel, for callers that
// want to bridge control plane events onto a distributed pub/sub backend.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// PubSub returns the global bus's underlying watermill GoChannel.
func PubSub() *gochannel.GoChannel {
	return globalBus.PubSub()
}
