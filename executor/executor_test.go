package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/model"
	"github.com/perloop-ai/perloop/toolinvoker"
)

// scriptedModel replays one TurnResponse per Complete call, encoded as the
// Parsed field so callModel's json.Marshal/Unmarshal round trip sees it.
type scriptedModel struct {
	t     *testing.T
	turns []TurnResponse
	idx   int
}

func newScriptedModel(t *testing.T, turns []TurnResponse) *scriptedModel {
	return &scriptedModel{t: t, turns: turns}
}

func (m *scriptedModel) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	require.Less(m.t, m.idx, len(m.turns), "scriptedModel: ran out of scripted turns")
	turn := m.turns[m.idx]
	m.idx++
	raw, err := json.Marshal(turn)
	require.NoError(m.t, err)
	var parsed any
	require.NoError(m.t, json.Unmarshal(raw, &parsed))
	return model.Response{Parsed: parsed}, nil
}

type fakeToolCaller struct {
	callFn func(ctx context.Context, tool string, payload []byte) toolinvoker.Result
}

func (f *fakeToolCaller) Call(ctx context.Context, tool string, payload []byte) toolinvoker.Result {
	return f.callFn(ctx, tool, payload)
}

func newManager() *graph.Manager {
	m := graph.New("s1", "test mission")
	m.AddSubtask("t1", "scan the target", nil, 0, "", "port scan complete", nil)
	return m
}

func TestExecutorCompletesOnIsSubtaskComplete(t *testing.T) {
	g := newManager()
	llm := newScriptedModel(t, []TurnResponse{
		{Thought: "scanning", IsSubtaskComplete: true},
	})
	tools := &fakeToolCaller{callFn: func(ctx context.Context, tool string, payload []byte) toolinvoker.Result {
		t.Fatal("no tool calls expected")
		return toolinvoker.Result{}
	}}

	ex := New(Config{MaxSteps: 10, NoArtifactsPatience: 5}, g, llm, tools, nil, nil, nil, "")
	outcome, _, err := ex.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	st, ok := g.Subtask("t1")
	require.True(t, ok)
	assert.Equal(t, graph.StatusCompleted, st.Status)
}

func TestExecutorDispatchesToolsAndRecordsObservations(t *testing.T) {
	g := newManager()
	llm := newScriptedModel(t, []TurnResponse{
		{
			Thought: "running nmap",
			ExecutionOperations: []ToolCall{
				{Command: "EXECUTE_NOW", NodeID: "step1", Thought: "scan it", Action: ToolActionSpec{Tool: "nmap", Params: map[string]any{"target": "10.0.0.1"}}},
			},
		},
		{Thought: "done", IsSubtaskComplete: true},
	})
	calls := 0
	tools := &fakeToolCaller{callFn: func(ctx context.Context, tool string, payload []byte) toolinvoker.Result {
		calls++
		assert.Equal(t, "nmap", tool)
		return toolinvoker.Result{Success: true, Payload: []byte(`{"open_ports":[22,80]}`)}
	}}

	ex := New(Config{MaxSteps: 10, NoArtifactsPatience: 5}, g, llm, tools, nil, nil, nil, "")
	outcome, metrics, err := ex.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, metrics.ToolCallCounts["nmap"])

	st, ok := g.Subtask("t1")
	require.True(t, ok)
	assert.Len(t, st.LastStepIDs, 1)
	assert.Equal(t, "t1_step1", st.LastStepIDs[0])
}

func TestExecutorCorrectableErrorLoopsBackAndRetries(t *testing.T) {
	g := newManager()
	llm := newScriptedModel(t, []TurnResponse{
		{
			Thought: "bad args",
			ExecutionOperations: []ToolCall{
				{Command: "EXECUTE_NOW", NodeID: "step1", Thought: "scan it", Action: ToolActionSpec{Tool: "nmap", Params: map[string]any{}}},
			},
		},
		{Thought: "fixed", IsSubtaskComplete: true},
	})
	calls := 0
	tools := &fakeToolCaller{callFn: func(ctx context.Context, tool string, payload []byte) toolinvoker.Result {
		calls++
		if calls == 1 {
			return toolinvoker.Result{Err: &toolinvoker.CallError{Type: toolinvoker.ErrorSyntax, Tool: tool, Message: "missing target"}}
		}
		return toolinvoker.Result{Success: true, Payload: []byte(`{}`)}
	}}

	ex := New(Config{MaxSteps: 10, NoArtifactsPatience: 5}, g, llm, tools, nil, nil, nil, "")
	outcome, _, err := ex.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 2, calls)
}

func TestExecutorStopsAtMaxSteps(t *testing.T) {
	g := newManager()
	var turns []TurnResponse
	for i := 0; i < 5; i++ {
		turns = append(turns, TurnResponse{Thought: "still working"})
	}
	llm := newScriptedModel(t, turns)
	tools := &fakeToolCaller{callFn: func(ctx context.Context, tool string, payload []byte) toolinvoker.Result {
		return toolinvoker.Result{Success: true, Payload: []byte(`{}`)}
	}}

	ex := New(Config{MaxSteps: 3, NoArtifactsPatience: 100}, g, llm, tools, nil, nil, nil, "")
	outcome, _, err := ex.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompletedViaMaxSteps, outcome)
}

func TestExecutorStopsOnNoArtifactsPatience(t *testing.T) {
	g := newManager()
	var turns []TurnResponse
	for i := 0; i < 10; i++ {
		turns = append(turns, TurnResponse{Thought: "thinking, no findings"})
	}
	llm := newScriptedModel(t, turns)
	tools := &fakeToolCaller{}

	ex := New(Config{MaxSteps: 100, NoArtifactsPatience: 2}, g, llm, tools, nil, nil, nil, "")
	outcome, _, err := ex.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStalledNoPlan, outcome)
}

func TestTruncateMarksTruncationFlagAndOriginalLength(t *testing.T) {
	e := &Executor{cfg: Config{MaxOutputLength: 5}}
	out, truncated, orig := e.truncate("hello world")
	assert.Equal(t, "hello", out)
	assert.True(t, truncated)
	assert.Equal(t, 11, orig)
}

func TestTruncateNoopWhenUnderLimit(t *testing.T) {
	e := &Executor{cfg: Config{MaxOutputLength: 100}}
	out, truncated, orig := e.truncate("short")
	assert.Equal(t, "short", out)
	assert.False(t, truncated)
	assert.Equal(t, 5, orig)
}
