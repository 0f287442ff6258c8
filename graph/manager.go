package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Clock is injected so tests can control timestamps; defaults to time.Now.
type Clock func() time.Time

// Manager exclusively owns the task graph and causal graph for one session.
// All mutation goes through its methods; every method is atomic with
// respect to its own data, per spec.md §5's "Shared state" guarantee.
type Manager struct {
	mu sync.Mutex

	sessionID string
	clock     Clock

	root     RootTask
	subtasks map[string]*Subtask
	steps    map[string]*ExecutionStep
	// The task-graph edges are indexed by source -> targets, and
	// separately dependency in-edges by target -> sources, since §3's
	// invariant 1 ("reachable from root") and ready-batch computation both
	// need fast dependency lookups.
	decompositionEdges map[string][]string // source(parent) -> []target(child)
	dependencyIn       map[string][]string // target(dependent) -> []source(dependency)
	executionEdges     map[string][]string // parent step/subtask -> []child step

	causalNodes map[string]*CausalNode
	causalEdges []*CausalEdge
	// causalInEdges indexes incoming edges by target node id, in insertion
	// order, since invariant 6's confidence propagation must be deterministic
	// given the ordered log of incoming edges (spec.md invariant 6).
	causalInEdges map[string][]*CausalEdge

	stepSeq int64
}

// New creates a Manager for a fresh session with the given root goal.
func New(sessionID, goal string) *Manager {
	return NewWithClock(sessionID, goal, time.Now)
}

// NewWithClock is New with an injectable clock, used by tests that need
// deterministic timestamps.
func NewWithClock(sessionID, goal string, clock Clock) *Manager {
	now := clock()
	return &Manager{
		sessionID:          sessionID,
		clock:               clock,
		root:                RootTask{Goal: goal, Status: "active", CreatedAt: now},
		subtasks:            make(map[string]*Subtask),
		steps:               make(map[string]*ExecutionStep),
		decompositionEdges:  make(map[string][]string),
		dependencyIn:        make(map[string][]string),
		executionEdges:      make(map[string][]string),
		causalNodes:         make(map[string]*CausalNode),
		causalInEdges:       make(map[string][]*CausalEdge),
	}
}

// SessionID returns the session this Manager belongs to.
func (m *Manager) SessionID() string { return m.sessionID }

// Root returns a copy of the root task.
func (m *Manager) Root() RootTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// AddSubtask adds a subtask, idempotently. If id already exists, mutable
// attributes are updated and the call returns without creating a duplicate.
// If dependencies is empty, the new subtask is linked to the root via a
// decomposition edge (invariant 1: every subtask reachable from root).
func (m *Manager) AddSubtask(id, description string, dependencies []string, priority int, reason, completionCriteria string, missionBriefing any) *Subtask {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if existing, ok := m.subtasks[id]; ok {
		existing.Description = description
		existing.Priority = priority
		existing.Reason = reason
		existing.CompletionCriteria = completionCriteria
		existing.MissionBriefing = missionBriefing
		existing.UpdatedAt = now
		m.linkDependencies(id, dependencies)
		return existing
	}

	st := &Subtask{
		ID:                 id,
		Description:        description,
		Status:             StatusPending,
		Priority:           priority,
		Reason:             reason,
		CompletionCriteria: completionCriteria,
		MissionBriefing:    missionBriefing,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.subtasks[id] = st
	m.linkDependencies(id, dependencies)
	if len(dependencies) == 0 {
		m.decompositionEdges["root"] = append(m.decompositionEdges["root"], id)
	}
	return st
}

func (m *Manager) linkDependencies(id string, dependencies []string) {
	for _, dep := range dependencies {
		already := false
		for _, existing := range m.dependencyIn[id] {
			if existing == dep {
				already = true
				break
			}
		}
		if !already {
			m.dependencyIn[id] = append(m.dependencyIn[id], dep)
		}
	}
}

// AddExecutionStep assigns a monotonic sequence number and records the step.
// Returns an error if parent does not exist (as either a subtask or a prior
// step); invalidates the parent subtask's execution-summary cache.
func (m *Manager) AddExecutionStep(id, parent, thought string, action ToolAction, status ExecutionStepStatus, hypothesisUpdate map[string]any) (*ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subtaskID, ok := m.resolveOwningSubtask(parent)
	if !ok {
		return nil, fmt.Errorf("graph: add_execution_step: parent %q does not exist", parent)
	}

	now := m.clock()
	m.stepSeq++
	step := &ExecutionStep{
		ID:               id,
		ParentID:         parent,
		Thought:          thought,
		Action:           action,
		Status:           status,
		Sequence:         m.stepSeq,
		HypothesisUpdate: hypothesisUpdate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.steps[id] = step
	m.executionEdges[parent] = append(m.executionEdges[parent], id)

	if st, ok := m.subtasks[subtaskID]; ok {
		st.ExecutionSummary = ExecutionSummaryCache{} // invalidate
		st.UpdatedAt = now
	}
	return step, nil
}

// resolveOwningSubtask walks up from a step or subtask id to the owning
// subtask id, returning false if parent is neither a known subtask nor a
// known execution step.
func (m *Manager) resolveOwningSubtask(parent string) (string, bool) {
	if _, ok := m.subtasks[parent]; ok {
		return parent, true
	}
	if step, ok := m.steps[parent]; ok {
		return m.resolveOwningSubtask(step.ParentID)
	}
	return "", false
}

// UpdateStepStatus sets an execution step's status and observation fields.
func (m *Manager) UpdateStepStatus(id string, status ExecutionStepStatus, observation string, truncated bool, originalLength int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[id]
	if !ok {
		return
	}
	step.Status = status
	step.Observation = observation
	step.ObservationTruncated = truncated
	step.OriginalLength = originalLength
	step.UpdatedAt = m.clock()
}

// Subtask returns a pointer to the live subtask record, or nil.
//
// Callers within the graph package may mutate through this pointer while
// holding no lock only during Manager-internal calls; external callers must
// treat the returned value as a read-only snapshot copy semantics are not
// enforced here for performance, matching the teacher's single-owner
// discipline (only Manager methods mutate graphs).
func (m *Manager) Subtask(id string) (*Subtask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[id]
	return st, ok
}

// AllSubtasks returns a snapshot slice of every subtask, ordered by ID for
// determinism.
func (m *Manager) AllSubtasks() []*Subtask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subtask, 0, len(m.subtasks))
	for _, st := range m.subtasks {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateNode applies updates to a subtask with spec.md §3's invariants
// enforced: illegal statuses are coerced to pending and recorded as a
// warning; attempts to revive a terminal status are ignored with a warning;
// completed→deprecated is rejected outright (invariant 3).
func (m *Manager) UpdateNode(id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.subtasks[id]
	if !ok {
		return fmt.Errorf("graph: update_node: unknown subtask %q", id)
	}
	now := m.clock()

	if rawStatus, present := updates["status"]; present {
		newStatus, _ := rawStatus.(string)
		m.applyStatusUpdate(st, SubtaskStatus(newStatus), now)
		delete(updates, "status")
	}

	for k, v := range updates {
		switch k {
		case "description":
			if s, ok := v.(string); ok {
				st.Description = s
			}
		case "priority":
			if p, ok := v.(int); ok {
				st.Priority = p
			}
		case "reason":
			if s, ok := v.(string); ok {
				st.Reason = s
			}
		case "completion_criteria":
			if s, ok := v.(string); ok {
				st.CompletionCriteria = s
			}
		case "summary":
			if s, ok := v.(string); ok {
				st.Summary = s
			}
		case "mission_briefing":
			st.MissionBriefing = v
		case "artifacts":
			if a, ok := v.([]string); ok {
				st.Artifacts = a
			}
		}
	}
	st.UpdatedAt = now
	return nil
}

// applyStatusUpdate enforces invariants 2 and 3 before assigning a new
// status. Must be called with m.mu held.
func (m *Manager) applyStatusUpdate(st *Subtask, newStatus SubtaskStatus, now time.Time) {
	switch newStatus {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked,
		StatusDeprecated, StatusStalledOrphan, StatusCompletedError, StatusGoalAchieved:
		// known status, continue below
	default:
		st.Warnings = append(st.Warnings, fmt.Sprintf("illegal status %q coerced to pending", newStatus))
		if !IsTerminal(st.Status) {
			st.Status = StatusPending
		}
		return
	}

	if st.Status == StatusCompleted && newStatus == StatusDeprecated {
		st.Warnings = append(st.Warnings, "rejected completed->deprecated transition")
		return
	}

	if IsTerminal(st.Status) && !IsTerminal(newStatus) {
		st.Warnings = append(st.Warnings, fmt.Sprintf("rejected revival of terminal status %q to %q", st.Status, newStatus))
		return
	}

	st.Status = newStatus
	_ = now
}

// DeleteNode logically deprecates a subtask (subtasks are never physically
// removed, per spec.md §3's Lifecycle note) by routing through UpdateNode's
// status invariants.
func (m *Manager) DeleteNode(id, reason string) error {
	return m.UpdateNode(id, map[string]any{"status": string(StatusDeprecated), "reason": reason})
}

// Now returns the Manager's clock value, exposed for callers assembling
// timestamps consistent with graph state (e.g. stalled-hypothesis windows).
func (m *Manager) Now() time.Time { return m.clock() }
