// Package session tracks durable session and run lifecycle state, separate
// from persistence's write-through mirror: a Store here is the authority on
// whether a new run may start under a given session, not just a record of
// what happened. Grounded on goadesign-goa-ai/runtime/agent/session's
// Session/RunMeta/Store shapes, narrowed to perloop's single-agent model (no
// AgentID/TurnID concepts: one session runs one mission goal through zero or
// more Orchestrator.Run attempts).
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Session is the durable lifecycle record for one mission.
	//
	// Contract:
	//   - IDs are caller-provided and stable (typically the graph.Manager's
	//     session ID).
	//   - Sessions are created explicitly (Store.CreateSession) and ended
	//     explicitly (Store.EndSession).
	//   - Ended sessions are terminal: no new run may start under them.
	Session struct {
		ID        string
		Goal      string
		Status    Status
		CreatedAt time.Time
		EndedAt   *time.Time
	}

	// RunMeta is the durable record of one Orchestrator.Run attempt under a
	// session. A session may accumulate more than one RunMeta when a run is
	// interrupted (halt signal, process restart) and resumed.
	RunMeta struct {
		RunID     string
		SessionID string
		Status    RunStatus
		StartedAt time.Time
		UpdatedAt time.Time
		Labels    map[string]string
		Metadata  map[string]any
	}

	// Store persists session lifecycle state and run metadata. Implementations
	// must be durable: failures are surfaced so callers fail fast rather than
	// silently start work under an inconsistent session.
	Store interface {
		// CreateSession creates (or idempotently returns) an active session.
		// Returns ErrSessionEnded if the session exists but is terminal.
		CreateSession(ctx context.Context, sessionID, goal string, createdAt time.Time) (Session, error)
		// LoadSession returns ErrSessionNotFound when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// EndSession is idempotent: ending an already-ended session returns the
		// stored session unchanged.
		EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)

		UpsertRun(ctx context.Context, run RunMeta) error
		LoadRun(ctx context.Context, runID string) (RunMeta, error)
		// ListRunsBySession returns runs for sessionID. When statuses is
		// non-empty, only runs whose status matches one of the provided values
		// are returned.
		ListRunsBySession(ctx context.Context, sessionID string, statuses []RunStatus) ([]RunMeta, error)
	}

	// Status is a session's lifecycle state.
	Status string

	// RunStatus is a run attempt's lifecycle state.
	RunStatus string
)

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"

	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionEnded    = errors.New("session: ended")
	ErrRunNotFound     = errors.New("session: run not found")
)
