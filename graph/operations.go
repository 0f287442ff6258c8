package graph

import "sort"

// ApplyGraphOperations applies a planner- or reflector-produced operation
// batch to the task graph, per spec.md §4.7/§4.9's graph-operation
// vocabulary (ADD_NODE/UPDATE_NODE/DELETE_NODE/DEPRECATE_NODE). Unknown
// commands are ignored (callers should have already dropped them via
// sanitization); returns one warning string per operation that failed.
func (m *Manager) ApplyGraphOperations(ops []GraphOperation) []string {
	var warnings []string
	for _, op := range ops {
		switch op.Command {
		case AddNode:
			m.AddSubtask(op.NodeID, op.Description, op.Dependencies, op.Priority, op.Reason, op.CompletionCriteria, op.MissionBriefing)
		case UpdateNode:
			if err := m.UpdateNode(op.NodeID, op.Updates); err != nil {
				warnings = append(warnings, err.Error())
			}
		case DeleteNode:
			if err := m.DeleteNode(op.NodeID, op.Reason); err != nil {
				warnings = append(warnings, err.Error())
			}
		case DeprecateNode:
			if err := m.UpdateNode(op.NodeID, map[string]any{"status": string(StatusDeprecated), "reason": op.Reason}); err != nil {
				warnings = append(warnings, err.Error())
			}
		}
	}
	return warnings
}

// Descendants returns every subtask id reachable from id via decomposition
// edges (the full decomposition subtree rooted at id), used by
// RegenerateBranchPlan's in-subtree UPDATE_NODE -> DEPRECATE_NODE rewrite.
func (m *Manager) Descendants(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	visited := map[string]bool{}
	var stack []string
	stack = append(stack, m.decompositionEdges[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, m.decompositionEdges[n]...)
	}
	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// VerifyAndHandleOrphans inspects an about-to-be-applied operation batch for
// nodes it will deprecate or delete, then appends an UPDATE_NODE setting
// stalled_orphan on every subtask that depends on one of those nodes and is
// not itself touched by the batch (spec.md §4.9 "Orphan handling").
func (m *Manager) VerifyAndHandleOrphans(ops []GraphOperation) []GraphOperation {
	touched := map[string]bool{}
	deprecating := map[string]bool{}
	for _, op := range ops {
		touched[op.NodeID] = true
		if op.Command == DeprecateNode || op.Command == DeleteNode {
			deprecating[op.NodeID] = true
		}
		if op.Command == UpdateNode {
			if status, ok := op.Updates["status"].(string); ok && SubtaskStatus(status) == StatusDeprecated {
				deprecating[op.NodeID] = true
			}
		}
	}
	if len(deprecating) == 0 {
		return ops
	}

	out := append([]GraphOperation{}, ops...)
	seenOrphan := map[string]bool{}
	for deprecatedID := range deprecating {
		for _, dependent := range m.DependentsOf(deprecatedID) {
			if touched[dependent] || seenOrphan[dependent] {
				continue
			}
			seenOrphan[dependent] = true
			out = append(out, GraphOperation{
				Command: UpdateNode,
				NodeID:  dependent,
				Updates: map[string]any{
					"status": string(StatusStalledOrphan),
					"reason": "dependency " + deprecatedID + " was deprecated or deleted",
				},
			})
		}
	}
	return out
}
