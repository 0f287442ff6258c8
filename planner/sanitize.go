package planner

import "github.com/perloop-ai/perloop/graph"

// sanitizeGraphOperations applies the validation common to every planning
// entry point (spec.md §4.7): drop ADD_NODE without an id; dedupe ADD_NODE
// by id, keeping the first occurrence; drop DELETE_NODE/DEPRECATE_NODE/
// UPDATE_NODE without a node id; drop UPDATE_NODE with empty updates;
// unknown commands pass through unchanged.
func sanitizeGraphOperations(ops []graph.GraphOperation) []graph.GraphOperation {
	out := make([]graph.GraphOperation, 0, len(ops))
	seenAdds := map[string]bool{}
	for _, op := range ops {
		switch op.Command {
		case graph.AddNode:
			if op.NodeID == "" || seenAdds[op.NodeID] {
				continue
			}
			seenAdds[op.NodeID] = true
		case graph.DeleteNode, graph.DeprecateNode:
			if op.NodeID == "" {
				continue
			}
		case graph.UpdateNode:
			if op.NodeID == "" || len(op.Updates) == 0 {
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

// rewriteSubtreeToDeprecation implements RegenerateBranchPlan's sanitization
// pass: any UPDATE_NODE touching a node inside the failed branch's subtree
// (the root itself or one of its decomposition descendants) is rewritten
// into a DEPRECATE_NODE carrying the failure reason, per spec.md §4.7.
func rewriteSubtreeToDeprecation(ops []graph.GraphOperation, rootID, reason string, descendants []string) []graph.GraphOperation {
	inSubtree := map[string]bool{rootID: true}
	for _, id := range descendants {
		inSubtree[id] = true
	}
	out := make([]graph.GraphOperation, 0, len(ops))
	for _, op := range ops {
		if op.Command == graph.UpdateNode && inSubtree[op.NodeID] {
			out = append(out, graph.GraphOperation{
				Command: graph.DeprecateNode,
				NodeID:  op.NodeID,
				Reason:  reason,
			})
			continue
		}
		out = append(out, op)
	}
	return out
}
