package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyGraphOperationsAddUpdateDeprecate(t *testing.T) {
	m := New("s1", "goal")
	warnings := m.ApplyGraphOperations([]GraphOperation{
		{Command: AddNode, NodeID: "t1", Description: "recon"},
		{Command: UpdateNode, NodeID: "t1", Updates: map[string]any{"summary": "done recon"}},
	})
	assert.Empty(t, warnings)

	st, ok := m.Subtask("t1")
	require.True(t, ok)
	assert.Equal(t, "done recon", st.Summary)

	warnings = m.ApplyGraphOperations([]GraphOperation{
		{Command: DeprecateNode, NodeID: "t1", Reason: "superseded"},
	})
	assert.Empty(t, warnings)
	st, _ = m.Subtask("t1")
	assert.Equal(t, StatusDeprecated, st.Status)
}

func TestApplyGraphOperationsWarnsOnUnknownNode(t *testing.T) {
	m := New("s1", "goal")
	warnings := m.ApplyGraphOperations([]GraphOperation{
		{Command: UpdateNode, NodeID: "ghost", Updates: map[string]any{"summary": "x"}},
	})
	assert.Len(t, warnings, 1)
}

func TestDescendantsWalksSubtree(t *testing.T) {
	m := New("s1", "goal")
	m.AddSubtask("root1", "d", nil, 0, "", "", nil)
	m.AddSubtask("child1", "d", []string{"root1"}, 0, "", "", nil)
	m.AddSubtask("child2", "d", []string{"root1"}, 0, "", "", nil)

	// dependency edges don't create decomposition edges directly in this
	// model; exercise decomposition via root-linked subtasks instead.
	desc := m.Descendants("root")
	assert.Contains(t, desc, "root1")
}

func TestVerifyAndHandleOrphansMarksDependents(t *testing.T) {
	m := New("s1", "goal")
	m.AddSubtask("t1", "d", nil, 0, "", "", nil)
	m.AddSubtask("t2", "d", []string{"t1"}, 0, "", "", nil)

	ops := []GraphOperation{
		{Command: DeprecateNode, NodeID: "t1", Reason: "bad path"},
	}
	out := m.VerifyAndHandleOrphans(ops)
	require.Len(t, out, 2)

	var orphanOp *GraphOperation
	for i := range out {
		if out[i].NodeID == "t2" {
			orphanOp = &out[i]
		}
	}
	require.NotNil(t, orphanOp)
	assert.Equal(t, UpdateNode, orphanOp.Command)
	assert.Equal(t, string(StatusStalledOrphan), orphanOp.Updates["status"])
}

func TestVerifyAndHandleOrphansSkipsDependentsAlreadyTouched(t *testing.T) {
	m := New("s1", "goal")
	m.AddSubtask("t1", "d", nil, 0, "", "", nil)
	m.AddSubtask("t2", "d", []string{"t1"}, 0, "", "", nil)

	ops := []GraphOperation{
		{Command: DeprecateNode, NodeID: "t1", Reason: "bad path"},
		{Command: UpdateNode, NodeID: "t2", Updates: map[string]any{"summary": "handled separately"}},
	}
	out := m.VerifyAndHandleOrphans(ops)
	assert.Len(t, out, 2, "t2 is already touched by the batch so no orphan op should be appended")
}
