package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/executor"
	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/intervention"
	"github.com/perloop-ai/perloop/model"
	"github.com/perloop-ai/perloop/planner"
	"github.com/perloop-ai/perloop/reflector"
	"github.com/perloop-ai/perloop/toolinvoker"
)

// scriptedClient replays a fixed response per model.Role, cycling if
// exhausted, so one fake can serve Planner/Executor/Reflector calls in the
// same outer-loop run without the orchestrator needing to know call order.
type scriptedClient struct {
	byRole map[model.Role][]string
	idx    map[model.Role]int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{byRole: map[model.Role][]string{}, idx: map[model.Role]int{}}
}

func (c *scriptedClient) script(role model.Role, responses ...string) *scriptedClient {
	c.byRole[role] = responses
	return c
}

func (c *scriptedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	texts := c.byRole[req.Role]
	i := c.idx[req.Role]
	if i >= len(texts) {
		i = len(texts) - 1
	}
	c.idx[req.Role]++
	return model.Response{Text: texts[i]}, nil
}

type noopTools struct{}

func (noopTools) Call(ctx context.Context, tool string, payload []byte) toolinvoker.Result {
	return toolinvoker.Result{Success: true, Payload: []byte(`{}`)}
}

func newTestOrchestrator(llm *scriptedClient, humanInTheLoop bool) (*Orchestrator, *graph.Manager) {
	g := graph.New("s1", "compromise the target")
	p := planner.New(llm)
	r := reflector.New(llm, nil)
	e := executor.New(executor.Config{MaxSteps: 5, NoArtifactsPatience: 3}, g, llm, noopTools{}, nil, nil, nil, "")
	iv := intervention.New(intervention.NewMemStore(), nil, humanInTheLoop)
	return New(g, p, r, e, iv, "compromise the target", 5*time.Second), g
}

const executorCompleteTurn = `{"thought": "scan complete", "previous_steps_status": {}, ` +
	`"execution_operations": [], "staged_causal_nodes": [], "is_subtask_complete": true}`

const reflectGoalAchieved = `{"audit_result": {"status": "GOAL_ACHIEVED", "completion_check": "target compromised", ` +
	`"methodology_issues": [], "logic_issues": []}, "key_findings": ["root shell obtained"], ` +
	`"validated_nodes": [], "insight": null, "causal_graph_updates": {"nodes": [], "edges": []}}`

const reflectSuccess = `{"audit_result": {"status": "SUCCESS", "completion_check": "scan complete", ` +
	`"methodology_issues": [], "logic_issues": []}, "key_findings": ["22/tcp open"], ` +
	`"validated_nodes": [], "insight": null, "causal_graph_updates": {"nodes": [], "edges": []}}`

const initialPlanOneSubtask = `{"graph_operations": [{"command": "ADD_NODE", "node_id": "t1", ` +
	`"description": "scan the target", "priority": 1}]}`

func TestRunShortCircuitsOnGoalAchievedReflection(t *testing.T) {
	llm := newScriptedClient().
		script(model.RolePlanner, initialPlanOneSubtask).
		script(model.RoleExecutor, executorCompleteTurn).
		script(model.RoleReflector, reflectGoalAchieved)
	orc, g := newTestOrchestrator(llm, false)

	result, err := orc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Accomplished)
	assert.Equal(t, "target compromised", result.CompletionCheck)

	st, ok := g.Subtask("t1")
	require.True(t, ok)
	assert.Equal(t, graph.StatusGoalAchieved, st.Status)
}

func TestRunStopsWhenGraphRunsDry(t *testing.T) {
	llm := newScriptedClient().
		script(model.RolePlanner, `{"graph_operations": []}`)
	orc, _ := newTestOrchestrator(llm, false)

	result, err := orc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Accomplished)
}

func TestRunAppliesDynamicPlanAfterNonAccomplishingReflection(t *testing.T) {
	dynamicPlanNoMore := `{"graph_operations": [], "global_mission_briefing": "", "global_mission_accomplished": false}`
	llm := newScriptedClient().
		script(model.RolePlanner, initialPlanOneSubtask, dynamicPlanNoMore).
		script(model.RoleExecutor, executorCompleteTurn).
		script(model.RoleReflector, reflectSuccess)
	orc, g := newTestOrchestrator(llm, false)

	result, err := orc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Accomplished)

	st, ok := g.Subtask("t1")
	require.True(t, ok)
	assert.Equal(t, graph.StatusCompleted, st.Status)
}

func TestApplyApprovedOperationsDropsBatchOnReject(t *testing.T) {
	llm := newScriptedClient()
	orc, g := newTestOrchestrator(llm, true)

	store := intervention.NewMemStore()
	orc.intervention = intervention.New(store, nil, true)

	done := make(chan error, 1)
	go func() {
		done <- orc.applyApprovedOperations(context.Background(), []graph.GraphOperation{
			{Command: graph.AddNode, NodeID: "t1", Description: "recon"},
		}, "initial_plan")
	}()

	var pending intervention.Request
	require.Eventually(t, func() bool {
		req, ok, _ := store.GetPending(context.Background(), "s1")
		if !ok {
			return false
		}
		pending = req
		return true
	}, time.Second, 10*time.Millisecond)

	applied, err := store.SubmitDecision(context.Background(), pending.ID, intervention.Reject, nil)
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, <-done)
	_, ok := g.Subtask("t1")
	assert.False(t, ok)
}

func TestSubtaskStatusForAuditMapsEveryAuditStatus(t *testing.T) {
	assert.Equal(t, graph.StatusGoalAchieved, subtaskStatusForAudit(reflector.StatusGoalAchieved))
	assert.Equal(t, graph.StatusCompleted, subtaskStatusForAudit(reflector.StatusSuccess))
	assert.Equal(t, graph.StatusCompleted, subtaskStatusForAudit(reflector.StatusPartialSuccess))
	assert.Equal(t, graph.StatusFailed, subtaskStatusForAudit(reflector.StatusFailed))
	assert.Equal(t, graph.StatusCompletedError, subtaskStatusForAudit(reflector.AuditStatus("UNKNOWN")))
}

func TestAggregateIntelligenceShortCircuitsOnAnyGoalAchieved(t *testing.T) {
	completed := map[string]reflector.Result{
		"t1": {AuditResult: reflector.AuditResult{Status: reflector.StatusSuccess}, KeyFindings: []string{"a"}},
		"t2": {AuditResult: reflector.AuditResult{Status: reflector.StatusGoalAchieved, CompletionCheck: "done"}, KeyFindings: []string{"b"}},
	}
	agg := aggregateIntelligence(completed)
	assert.Equal(t, reflector.StatusGoalAchieved, agg.Status)
	assert.Equal(t, "done", agg.CompletionCheck)
	assert.ElementsMatch(t, []string{"a", "b"}, agg.KeyFindings)
}

func TestCoerceOperationsHandlesJSONRoundTrip(t *testing.T) {
	native := []graph.GraphOperation{{Command: graph.AddNode, NodeID: "t1"}}
	assert.Equal(t, native, coerceOperations(native))

	var generic any
	raw := []map[string]any{{"command": "ADD_NODE", "node_id": "t1"}}
	generic = raw
	got := coerceOperations(generic)
	require.Len(t, got, 1)
	assert.Equal(t, graph.AddNode, got[0].Command)
	assert.Equal(t, "t1", got[0].NodeID)
}
