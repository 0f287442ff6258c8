package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/engine"
)

func TestStartWorkflowRunsHandlerAndExecutesActivity(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(ctx context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out int
			if err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: "double", Input: input.(int)}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf1", Workflow: "doubler", Input: 21})
	require.NoError(t, err)

	var result int
	require.NoError(t, h.Wait(ctx, &result))
	assert.Equal(t, 42, result)
}

func TestStartWorkflowUnknownNameFails(t *testing.T) {
	e := New()
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "wf1", Workflow: "missing"})
	assert.Error(t, err)
}

func TestSignalDeliversToWorkflowSignalChannel(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var v string
			if err := wctx.SignalChannel("go").Receive(wctx.Context(), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf2", Workflow: "waiter"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Signal(ctx, "go", "proceed") == nil
	}, time.Second, 5*time.Millisecond)

	var result string
	require.NoError(t, h.Wait(ctx, &result))
	assert.Equal(t, "proceed", result)
}
