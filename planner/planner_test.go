package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/model"
)

type scriptedClient struct {
	responses []model.Response
	idx       int
}

func (c *scriptedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	resp := c.responses[c.idx]
	c.idx++
	return resp, nil
}

func TestPlanSanitizesDuplicateAddNodes(t *testing.T) {
	llm := &scriptedClient{responses: []model.Response{
		{Text: `{"graph_operations": [
			{"command": "ADD_NODE", "node_data": {"id": "t1", "description": "recon"}},
			{"command": "ADD_NODE", "node_data": {"id": "t1", "description": "duplicate"}},
			{"command": "ADD_NODE", "node_data": {"id": "", "description": "no id, dropped"}}
		]}`},
	}}
	p := New(llm)
	ops, _, err := p.Plan(context.Background(), "compromise the target", "no causal data yet")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "t1", ops[0].NodeID)
	assert.Equal(t, "recon", ops[0].Description)
}

func TestDynamicPlanCarriesAccomplishmentSignal(t *testing.T) {
	llm := &scriptedClient{responses: []model.Response{
		{Text: `{"graph_operations": [], "global_mission_briefing": "done", "global_mission_accomplished": true}`},
	}}
	p := New(llm)
	result, _, err := p.DynamicPlan(context.Background(), "goal", "graph summary", "intel", "causal", nil, graph.FailurePatterns{}, "")
	require.NoError(t, err)
	assert.True(t, result.GlobalMissionAccomplished)
	assert.Equal(t, "done", result.GlobalMissionBriefing)
}

func TestDynamicPlanDropsUpdateNodeWithEmptyUpdates(t *testing.T) {
	llm := &scriptedClient{responses: []model.Response{
		{Text: `{"graph_operations": [
			{"command": "UPDATE_NODE", "node_id": "t1", "updates": {}},
			{"command": "UPDATE_NODE", "node_id": "t2", "updates": {"summary": "ok"}},
			{"command": "DELETE_NODE", "node_id": ""}
		]}`},
	}}
	p := New(llm)
	result, _, err := p.DynamicPlan(context.Background(), "goal", "", "", "", nil, graph.FailurePatterns{}, "")
	require.NoError(t, err)
	require.Len(t, result.Operations, 1)
	assert.Equal(t, "t2", result.Operations[0].NodeID)
}

func TestRegenerateBranchPlanRewritesInSubtreeUpdatesToDeprecation(t *testing.T) {
	llm := &scriptedClient{responses: []model.Response{
		{Text: `{"graph_operations": [
			{"command": "UPDATE_NODE", "node_id": "root", "updates": {"summary": "retry"}},
			{"command": "UPDATE_NODE", "node_id": "child", "updates": {"summary": "retry child"}},
			{"command": "ADD_NODE", "node_data": {"id": "replacement", "description": "new approach"}}
		]}`},
	}}
	p := New(llm)
	ops, _, err := p.RegenerateBranchPlan(context.Background(), "goal", "root", "dead end", []string{"child"})
	require.NoError(t, err)
	require.Len(t, ops, 3)

	byID := map[string]graph.GraphOperation{}
	for _, op := range ops {
		byID[op.NodeID] = op
	}
	assert.Equal(t, graph.DeprecateNode, byID["root"].Command)
	assert.Contains(t, byID["root"].Reason, "dead end")
	assert.Equal(t, graph.DeprecateNode, byID["child"].Command)
	assert.Equal(t, graph.AddNode, byID["replacement"].Command)
}

func TestPlanFallsBackToReconSubtaskOnModelFailure(t *testing.T) {
	llm := &scriptedClient{responses: []model.Response{
		{Text: "not json at all"},
		{Text: "still not json"},
		{Text: "nope"},
	}}
	p := New(llm)
	ops, _, err := p.Plan(context.Background(), "compromise the target", "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, graph.AddNode, ops[0].Command)
	assert.Contains(t, ops[0].Description, "compromise the target")
}

func TestDynamicPlanReturnsEmptyResultOnModelFailure(t *testing.T) {
	llm := &scriptedClient{responses: []model.Response{
		{Text: "garbage"},
		{Text: "garbage"},
		{Text: "garbage"},
	}}
	p := New(llm)
	result, _, err := p.DynamicPlan(context.Background(), "goal", "", "", "", nil, graph.FailurePatterns{}, "")
	require.NoError(t, err)
	assert.Empty(t, result.Operations)
	assert.False(t, result.GlobalMissionAccomplished)
}
