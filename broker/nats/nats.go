// Package nats provides an optional cross-process Event Broker transport
// backed by NATS core pub/sub, for deployments running the Executor fleet
// and the Orchestrator in separate processes. Subjects are namespaced
// "perloop.<session_id>.<event>"; an empty session_id subscribes to every
// session's events. An event emitted with an empty session_id is published
// under "perloop._broadcast_.<event>", so only subscribers with an empty
// session_id receive it; session-scoped subscribers do not.
package nats

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/perloop-ai/perloop/broker"
)

const subjectPrefix = "perloop"

// Transport implements broker.Broker over a NATS connection.
type Transport struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the given NATS URL and returns a ready Transport.
func Connect(url string) (*Transport, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("broker/nats: connect: %w", err)
	}
	return &Transport{conn: conn}, nil
}

type wireEnvelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"ts"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

func subject(sessionID, event string) string {
	if sessionID == "" {
		sessionID = "_broadcast_"
	}
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, sessionID, event)
}

// Emit implements broker.Broker by publishing to the session-scoped subject.
// NATS core pub/sub is itself non-blocking and fire-and-forget, which
// matches spec.md §4.1's "emission never blocks the caller" requirement
// without any additional queuing on the publish side.
func (t *Transport) Emit(event string, payload any, sessionID string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := wireEnvelope{Event: event, Timestamp: time.Now(), SessionID: sessionID, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = t.conn.Publish(subject(sessionID, event), data)
}

// Subscribe implements broker.Broker with a wildcard subject covering every
// event name for the session, buffered through a bounded Go channel to
// reproduce the drop-newest backpressure policy on the subscribing side
// (NATS client-side slow-consumer drops are not guaranteed FIFO-drop-newest,
// so the bounded relay channel here is what actually enforces the policy).
func (t *Transport) Subscribe(sessionID string) broker.Subscription {
	out := make(chan broker.Envelope, broker.QueueCapacity)
	subj := subject(sessionID, "*")
	if sessionID == "" {
		subj = fmt.Sprintf("%s.*.*", subjectPrefix)
	}

	sub, err := t.conn.Subscribe(subj, func(msg *nats.Msg) {
		var env wireEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		var payload any
		_ = json.Unmarshal(env.Payload, &payload)
		select {
		case out <- broker.Envelope{Event: env.Event, Timestamp: env.Timestamp, SessionID: env.SessionID, Payload: payload}:
		default:
		}
	})
	if err != nil {
		close(out)
		return broker.Subscription{C: out, Cancel: func() {}}
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(out)
		})
	}
	return broker.Subscription{C: out, Cancel: cancel}
}

// Close drains all subscriptions and closes the NATS connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.conn.Close()
}
