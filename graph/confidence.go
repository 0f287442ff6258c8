package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// confirmedVulnerabilityDefaultConfidence is the fixed confidence assigned
// to ConfirmedVulnerability nodes (spec invariant 7).
const confirmedVulnerabilityDefaultConfidence = 0.99

// clampConfidence implements clamp(c, lo, hi).
func clampConfidence(c, lo, hi float64) float64 {
	if c < lo {
		return lo
	}
	if c > hi {
		return hi
	}
	return c
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// deriveCausalNodeID computes the deterministic id for a causal node lacking
// a supplied id: a hash of sourceStepID ⊕ rawOutput ⊕ nodeType, per spec.md
// §3's entity description and §4.5's process_causal_graph_commands.
func deriveCausalNodeID(sourceStepID, rawOutput string, nodeType CausalNodeType) string {
	h := sha256.New()
	h.Write([]byte(sourceStepID))
	h.Write([]byte{0})
	h.Write([]byte(rawOutput))
	h.Write([]byte{0})
	h.Write([]byte(nodeType))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// AddCausalNode inserts (or, if id already present, idempotently returns)
// a causal node. ConfirmedVulnerability nodes default to confidence 0.99.
func (m *Manager) AddCausalNode(node CausalNode) *CausalNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCausalNodeLocked(node)
}

func (m *Manager) addCausalNodeLocked(node CausalNode) *CausalNode {
	if existing, ok := m.causalNodes[node.ID]; ok {
		return existing
	}
	now := m.clock()
	node.CreatedAt = now
	node.UpdatedAt = now
	if node.NodeType == ConfirmedVulnerabilityNode && node.Confidence == 0 {
		node.Confidence = confirmedVulnerabilityDefaultConfidence
	}
	if node.Status == "" {
		node.Status = CausalPending
	}
	stored := node
	m.causalNodes[node.ID] = &stored
	return &stored
}

// CausalNode returns a copy of the causal node with the given id.
func (m *Manager) CausalNode(id string) (CausalNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.causalNodes[id]
	if !ok {
		return CausalNode{}, false
	}
	return *n, true
}

// AllCausalNodes returns a snapshot of every causal node.
func (m *Manager) AllCausalNodes() []CausalNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CausalNode, 0, len(m.causalNodes))
	for _, n := range m.causalNodes {
		out = append(out, *n)
	}
	return out
}

// AllCausalEdges returns a snapshot of every causal edge in insertion order.
func (m *Manager) AllCausalEdges() []CausalEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CausalEdge, 0, len(m.causalEdges))
	for _, e := range m.causalEdges {
		out = append(out, *e)
	}
	return out
}

// AddCausalEdge inserts an edge (requiring both endpoints to already exist,
// per invariant 5) and propagates confidence into a Hypothesis target.
// Returns an error if either endpoint is missing.
func (m *Manager) AddCausalEdge(edge CausalEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCausalEdgeLocked(edge)
}

func (m *Manager) addCausalEdgeLocked(edge CausalEdge) error {
	if _, ok := m.causalNodes[edge.Source]; !ok {
		return fmt.Errorf("graph: add_causal_edge: source %q does not exist", edge.Source)
	}
	target, ok := m.causalNodes[edge.Target]
	if !ok {
		return fmt.Errorf("graph: add_causal_edge: target %q does not exist", edge.Target)
	}
	if edge.Strength == "" {
		edge.Strength = Contingent
	}
	edge.CreatedAt = m.clock()
	stored := edge
	m.causalEdges = append(m.causalEdges, &stored)
	m.causalInEdges[edge.Target] = append(m.causalInEdges[edge.Target], &stored)

	m.propagateConfidence(target, &stored)
	return nil
}

// propagateConfidence applies spec.md §4.5's non-monotonic confidence
// propagation rule for one incoming edge into a causal node. Must be called
// with m.mu held; target is mutated in place (it is the stored pointer).
func (m *Manager) propagateConfidence(target *CausalNode, edge *CausalEdge) {
	if target.NodeType != HypothesisNode {
		if target.NodeType == ConfirmedVulnerabilityNode && edge.Label == Contradicts {
			// invariant 7: CONTRADICTS into a ConfirmedVulnerability never
			// lowers confidence; it only flags re-evaluation.
			target.ReEvalNeeded = true
			target.Status = CausalReEvaluationPending
			target.UpdatedAt = m.clock()
		}
		return
	}

	if target.Vetoed {
		// NECESSARY veto already decided this node's fate permanently
		// (invariant 6): later edges of any strength are no-ops.
		return
	}

	if edge.Strength == Necessary {
		target.Vetoed = true
		switch edge.Label {
		case Supports:
			target.Confidence = 1.0
			target.Status = CausalConfirmed
		case Contradicts:
			target.Confidence = 0.0
			target.Status = CausalFalsified
		}
		target.UpdatedAt = m.clock()
		return
	}

	// CONTINGENT: logit-update.
	c := target.Confidence
	if c == 0 {
		c = 0.5 // fresh Hypothesis with no prior confidence set
	}
	c = clampConfidence(c, 0.01, 0.99)
	var delta float64
	switch edge.Label {
	case Supports:
		delta = 0.4
	case Contradicts:
		delta = -0.5
	default:
		return // REVEALS/EXPLOITS/MITIGATES do not move Hypothesis confidence
	}
	updated := sigmoid(logit(c) + delta)
	target.Confidence = clampConfidence(updated, 0.05, 0.95)
	if edge.Label == Supports {
		target.Status = CausalSupported
	} else {
		target.Status = CausalContradicted
	}
	target.UpdatedAt = m.clock()
}

// StageProposedCausalNodes stores nodes as shadow entries tagged
// is_staged_causal on the owning subtask, and inserts a produces edge from
// the source step to each staged node when the source step exists.
func (m *Manager) StageProposedCausalNodes(subtaskID string, nodes []CausalNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.subtasks[subtaskID]
	if !ok {
		return fmt.Errorf("graph: stage_proposed_causal_nodes: unknown subtask %q", subtaskID)
	}
	for _, n := range nodes {
		n.IsStagedCausal = true
		if n.ID == "" {
			n.ID = deriveCausalNodeID(n.SourceStepID, n.Description, n.NodeType)
		}
		st.StagedCausalNodes = append(st.StagedCausalNodes, n)
		if n.SourceStepID != "" {
			if _, exists := m.steps[n.SourceStepID]; exists {
				m.executionEdges[n.SourceStepID] = append(m.executionEdges[n.SourceStepID], n.ID)
			}
		}
	}
	return nil
}

// ClearStagedCausalNodes empties a subtask's staged-node side list, used
// once a subtask has been reflected upon.
func (m *Manager) ClearStagedCausalNodes(subtaskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.subtasks[subtaskID]; ok {
		st.StagedCausalNodes = nil
	}
}

// ValidateCausalGraphUpdates ensures every edge's endpoints exist either in
// the causal graph or in the batch's own nodes list; endpoints matching a
// staged node belonging to subtaskID are auto-promoted into the batch.
// Edges whose endpoints cannot be resolved are dropped.
func (m *Manager) ValidateCausalGraphUpdates(batch CausalCommandBatch, subtaskID string) CausalCommandBatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[string]bool, len(batch.Nodes))
	for _, n := range batch.Nodes {
		present[n.ID] = true
	}

	promote := func(id string) bool {
		if present[id] {
			return true
		}
		if _, ok := m.causalNodes[id]; ok {
			return true
		}
		if st, ok := m.subtasks[subtaskID]; ok {
			for _, staged := range st.StagedCausalNodes {
				if staged.ID == id {
					batch.Nodes = append(batch.Nodes, staged)
					present[id] = true
					return true
				}
			}
		}
		return false
	}

	validEdges := make([]CausalEdge, 0, len(batch.Edges))
	for _, e := range batch.Edges {
		if promote(e.Source) && promote(e.Target) {
			validEdges = append(validEdges, e)
		}
	}
	batch.Edges = validEdges
	return batch
}

// ProcessCausalGraphCommands applies a validated batch in two phases: all
// nodes first (recording temp-id -> permanent-id mapping), then all edges
// resolved through that mapping, per spec.md §4.5.
func (m *Manager) ProcessCausalGraphCommands(batch CausalCommandBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idMap := make(map[string]string, len(batch.Nodes))
	for _, n := range batch.Nodes {
		tempID := n.ID
		if n.ID == "" {
			n.ID = deriveCausalNodeID(n.SourceStepID, n.Description, n.NodeType)
		}
		stored := m.addCausalNodeLocked(n)
		idMap[tempID] = stored.ID
		idMap[stored.ID] = stored.ID
	}

	for _, e := range batch.Edges {
		if resolved, ok := idMap[e.Source]; ok {
			e.Source = resolved
		}
		if resolved, ok := idMap[e.Target]; ok {
			e.Target = resolved
		}
		if label, ok := NormalizeEdgeLabel(string(e.Label)); ok {
			e.Label = label
		}
		if err := m.addCausalEdgeLocked(e); err != nil {
			// an edge that fails to resolve even after mapping is dropped
			// silently; ValidateCausalGraphUpdates should have caught this
			// earlier, so reaching here means the caller skipped validation.
			continue
		}
	}
	return nil
}
