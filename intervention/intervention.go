// Package intervention implements the Intervention Manager: the
// Human-in-the-Loop approval protocol mediating approve/reject/modify
// decisions between the core loop and external approvers (a terminal
// operator, a web UI, or both racing concurrently).
package intervention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/perloop-ai/perloop/broker"
)

// Action is the terminal decision on an intervention request.
type Action string

const (
	Approve Action = "APPROVE"
	Reject  Action = "REJECT"
	Modify  Action = "MODIFY"
)

// Status is the lifecycle of an intervention request.
type Status string

const (
	Pending   Status = "pending"
	Approved  Status = "approved"
	Rejected  Status = "rejected"
	Modified  Status = "modified"
	TimedOut  Status = "timed_out"
)

// DefaultTimeout is the default approval wait before REJECT-on-timeout
// (spec.md §4.3).
const DefaultTimeout = 3600 * time.Second

// pollInterval is how often request_approval polls the store for a
// resolved status (spec.md §4.3's "~2s").
const pollInterval = 2 * time.Second

// Request is a persisted approval request.
type Request struct {
	ID          string
	SessionID   string
	Kind        string
	Payload     any
	Status      Status
	ModifiedData any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Result is what RequestApproval returns to its caller.
type Result struct {
	Action Action
	Data   any // the modified payload, when Action == Modify
}

// Store is the durable backing for intervention requests. The default
// in-memory implementation lives in memstore.go; intervention/redisqueue
// provides a distributed variant for multi-process deployments.
type Store interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, bool, error)
	GetPending(ctx context.Context, sessionID string) (Request, bool, error)
	SubmitDecision(ctx context.Context, id string, action Action, modified any) (applied bool, err error)
}

// Manager is the Intervention Manager.
type Manager struct {
	store  Store
	broker broker.Broker

	mu              sync.Mutex
	humanInTheLoop  bool
	idSeq           int64
}

// New constructs a Manager. humanInTheLoop=false makes RequestApproval
// return APPROVE immediately without consulting the store, per spec.md
// §4.3 and the HUMAN_IN_THE_LOOP config flag.
func New(store Store, b broker.Broker, humanInTheLoop bool) *Manager {
	return &Manager{store: store, broker: b, humanInTheLoop: humanInTheLoop}
}

func (m *Manager) nextID(sessionID string) string {
	m.mu.Lock()
	m.idSeq++
	id := m.idSeq
	m.mu.Unlock()
	return fmt.Sprintf("%s-intervention-%d", sessionID, id)
}

// RequestApproval creates a persistent request, emits intervention.required,
// then polls the store every ~2s for a non-pending status until timeout (at
// which point it submits a REJECT decision and returns REJECT; the stored
// status becomes rejected, and the TimedOut status is not recorded).
func (m *Manager) RequestApproval(ctx context.Context, sessionID string, payload any, kind string, timeout time.Duration) (Result, error) {
	if !m.humanInTheLoop {
		return Result{Action: Approve, Data: payload}, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	req := Request{
		ID:        m.nextID(sessionID),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Status:    Pending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, req); err != nil {
		return Result{}, fmt.Errorf("intervention: create request: %w", err)
	}
	if m.broker != nil {
		m.broker.Emit("intervention.required", req, sessionID)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		current, ok, err := m.store.Get(ctx, req.ID)
		if err == nil && ok && current.Status != Pending {
			return resultFromStatus(current), nil
		}
		if time.Now().After(deadline) {
			_, _ = m.store.SubmitDecision(ctx, req.ID, Reject, nil)
			return Result{Action: Reject}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func resultFromStatus(req Request) Result {
	switch req.Status {
	case Approved:
		return Result{Action: Approve, Data: req.Payload}
	case Modified:
		return Result{Action: Modify, Data: req.ModifiedData}
	case TimedOut, Rejected:
		return Result{Action: Reject}
	default:
		return Result{Action: Reject}
	}
}

// GetPending returns the most-recent pending request for sessionID, if any.
func (m *Manager) GetPending(ctx context.Context, sessionID string) (Request, bool, error) {
	return m.store.GetPending(ctx, sessionID)
}

// SubmitDecision transitions a request. Idempotent: submitting a decision
// against an already-resolved request returns (true, nil) without altering
// the stored outcome, matching the source's "source returns true" behavior
// noted as an Open Question resolution in DESIGN.md.
func (m *Manager) SubmitDecision(ctx context.Context, id string, action Action, modified any) (bool, error) {
	applied, err := m.store.SubmitDecision(ctx, id, action, modified)
	if err != nil {
		return false, fmt.Errorf("intervention: submit decision: %w", err)
	}
	return applied || true, nil
}

// RaceApprovers runs two approval sources concurrently against the same
// request id; the first to produce a non-pending result wins and the other
// is cancelled cleanly, per spec.md §4.9's "concurrent terminal/web
// approval path" and scenario S5.
func RaceApprovers(ctx context.Context, terminal, web func(context.Context) (Action, any, error)) (Action, any, error) {
	type outcome struct {
		action Action
		data   any
		err    error
	}
	results := make(chan outcome, 2)
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := func(fn func(context.Context) (Action, any, error)) {
		action, data, err := fn(raceCtx)
		select {
		case results <- outcome{action, data, err}:
		case <-raceCtx.Done():
		}
	}
	go run(terminal)
	go run(web)

	out := <-results
	cancel() // the loser observes cancellation and aborts its pending prompt
	return out.action, out.data, out.err
}
