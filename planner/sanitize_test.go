package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perloop-ai/perloop/graph"
)

func TestSanitizeGraphOperationsPassesThroughUnknownCommands(t *testing.T) {
	ops := []graph.GraphOperation{
		{Command: graph.GraphOpCommand("CUSTOM_MARKER"), NodeID: "anything"},
	}
	out := sanitizeGraphOperations(ops)
	assert.Equal(t, ops, out)
}

func TestSanitizeGraphOperationsDropsDeleteAndDeprecateWithoutNodeID(t *testing.T) {
	ops := []graph.GraphOperation{
		{Command: graph.DeleteNode, NodeID: ""},
		{Command: graph.DeprecateNode, NodeID: ""},
		{Command: graph.DeleteNode, NodeID: "t1"},
	}
	out := sanitizeGraphOperations(ops)
	assert.Len(t, out, 1)
	assert.Equal(t, "t1", out[0].NodeID)
}

func TestRewriteSubtreeToDeprecationLeavesOutOfSubtreeUpdatesAlone(t *testing.T) {
	ops := []graph.GraphOperation{
		{Command: graph.UpdateNode, NodeID: "root", Updates: map[string]any{"x": 1}},
		{Command: graph.UpdateNode, NodeID: "outside", Updates: map[string]any{"x": 1}},
	}
	out := rewriteSubtreeToDeprecation(ops, "root", "branch failed", nil)
	require := map[string]graph.GraphOperation{}
	for _, op := range out {
		require[op.NodeID] = op
	}
	assert.Equal(t, graph.DeprecateNode, require["root"].Command)
	assert.Equal(t, graph.UpdateNode, require["outside"].Command)
}
