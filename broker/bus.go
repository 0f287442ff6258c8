package broker

import (
	"sync"
	"time"
)

// subscriber is one registered listener: a bounded channel plus the session
// filter it was registered with.
type subscriber struct {
	sessionID string
	ch        chan Envelope
}

// Bus is the in-memory Broker implementation. It is adapted from the
// teacher's synchronous fail-fast hooks.Bus fan-out (one Publish call
// delivering to every subscriber and stopping at the first error) into the
// non-blocking bounded-queue-per-subscriber model spec.md §4.1 requires:
// Emit never blocks and a full subscriber queue silently drops the newest
// event for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*subscriber]struct{})}
}

// Emit implements Broker.
func (b *Bus) Emit(event string, payload any, sessionID string) {
	env := Envelope{Event: event, Timestamp: time.Now(), SessionID: sessionID, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subscribers {
		if sub.sessionID != "" && sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// queue full: drop-newest for this subscriber only, per spec.md.
		}
	}
}

// Subscribe implements Broker.
func (b *Bus) Subscribe(sessionID string) Subscription {
	sub := &subscriber{sessionID: sessionID, ch: make(chan Envelope, QueueCapacity)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	cancelled := false
	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub)
			b.mu.Unlock()
			close(sub.ch)
			cancelled = true
		})
	}
	_ = cancelled

	return Subscription{C: sub.ch, Cancel: cancel}
}

// Close deregisters and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = make(map[*subscriber]struct{})
}
