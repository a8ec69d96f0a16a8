// Package bus implements the message bus (C7): namespace-keyed
// subscriptions over the mesh's application traffic.
package bus

import (
	"fmt"
	"sync"

	"github.com/jamesyong-42/truffle/pkg/wire"
)

// Message is one dispatched application message.
type Message struct {
	From         string
	ConnectionID string
	Namespace    string
	Type         string
	Payload      interface{}
}

// Handler receives messages published or broadcast on a namespace.
type Handler func(Message)

// Disposer removes the subscription that produced it. Calling it more
// than once is safe; only the first call has any effect.
type Disposer func()

// Listener observes bus-level events not tied to one subscription.
type Listener interface {
	OnError(err error, namespace string)
	OnUnsubscribed(namespace string)
}

// EnvelopeSender is the mesh node's outbound path. publish/broadcast
// forward to it rather than touching the transport directly.
type EnvelopeSender interface {
	SendEnvelope(targetID string, env wire.Envelope) bool
	BroadcastEnvelope(env wire.Envelope)
}

type subscription struct {
	id int
	fn Handler
}

// Bus keeps namespace -> set<handler> subscriptions and forwards
// outbound traffic to an EnvelopeSender.
type Bus struct {
	sender EnvelopeSender

	mu        sync.Mutex
	nextID    int
	subs      map[string][]subscription
	listeners []Listener
}

// New constructs a Bus that forwards through sender.
func New(sender EnvelopeSender) *Bus {
	return &Bus{
		sender: sender,
		subs:   make(map[string][]subscription),
	}
}

// AddListener registers a Listener for error/unsubscribed events.
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bus) snapshotListeners() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

// Subscribe registers fn on namespace ns and returns a disposer. The
// disposer that removes the last handler for ns also emits
// OnUnsubscribed(ns).
func (b *Bus) Subscribe(ns string, fn Handler) Disposer {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[ns] = append(b.subs[ns], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(ns, id)
		})
	}
}

func (b *Bus) unsubscribe(ns string, id int) {
	b.mu.Lock()
	list := b.subs[ns]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	empty := len(list) == 0
	if empty {
		delete(b.subs, ns)
	} else {
		b.subs[ns] = list
	}
	b.mu.Unlock()

	if empty {
		for _, l := range b.snapshotListeners() {
			l.OnUnsubscribed(ns)
		}
	}
}

// Publish wraps {type, payload} into an envelope on ns and forwards it
// to targetID via the configured EnvelopeSender.
func (b *Bus) Publish(targetID, ns, typ string, payload interface{}) bool {
	return b.sender.SendEnvelope(targetID, wire.Envelope{Namespace: ns, Type: typ, Payload: payload})
}

// Broadcast wraps {type, payload} into an envelope on ns and forwards
// it to every connection via the configured EnvelopeSender.
func (b *Bus) Broadcast(ns, typ string, payload interface{}) {
	b.sender.BroadcastEnvelope(wire.Envelope{Namespace: ns, Type: typ, Payload: payload})
}

// Dispatch delivers msg to every handler subscribed to msg.Namespace,
// synchronously and in subscription order. A handler that panics does
// not block the others: the bus recovers, emits OnError, and continues.
func (b *Bus) Dispatch(msg Message) {
	b.mu.Lock()
	handlers := make([]subscription, len(b.subs[msg.Namespace]))
	copy(handlers, b.subs[msg.Namespace])
	b.mu.Unlock()

	for _, s := range handlers {
		b.invoke(s.fn, msg)
	}
}

func (b *Bus) invoke(fn Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("bus: handler panic on %q: %v", msg.Namespace, r)
			for _, l := range b.snapshotListeners() {
				l.OnError(err, msg.Namespace)
			}
		}
	}()
	fn(msg)
}
