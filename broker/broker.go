// Package broker implements the Event Broker: publish/subscribe keyed by
// session id, with a bounded per-subscriber queue and drop-newest
// back-pressure. No cross-session interference.
package broker

import "time"

// Envelope is the timestamped wrapper every emitted event is delivered in.
type Envelope struct {
	Event     string
	Timestamp time.Time
	SessionID string // empty means broadcast to all sessions
	Payload   any
}

// Subscription is returned by Subscribe; callers read Envelopes from C and
// must call Cancel when done to deregister.
type Subscription struct {
	C      <-chan Envelope
	Cancel func()
}

// Broker is the Event Broker's interface. Bus (the in-memory default) and
// broker/nats (the optional cross-process transport) both implement it.
type Broker interface {
	// Emit enqueues an envelope to every subscriber matching sessionID (or
	// every subscriber if sessionID is empty). Never blocks; per-subscriber
	// backpressure drops the event for that subscriber only.
	Emit(event string, payload any, sessionID string)

	// Subscribe returns a live subscription of envelopes for sessionID in
	// emission order. Cancelling deregisters the subscriber.
	Subscribe(sessionID string) Subscription

	// Close tears down the broker and all subscriptions.
	Close()
}

// QueueCapacity is the fixed bound on each subscriber's queue (spec.md §4.1).
const QueueCapacity = 1000
