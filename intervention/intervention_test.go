package intervention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanInTheLoopDisabledAutoApproves(t *testing.T) {
	m := New(NewMemStore(), nil, false)
	result, err := m.RequestApproval(context.Background(), "s1", map[string]string{"op": "x"}, "plan", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Approve, result.Action)
}

func TestRequestApprovalResolvesWhenDecisionSubmitted(t *testing.T) {
	store := NewMemStore()
	m := New(store, nil, true)

	go func() {
		time.Sleep(50 * time.Millisecond)
		pending, ok, err := m.GetPending(context.Background(), "s1")
		require.NoError(t, err)
		require.True(t, ok)
		_, _ = m.SubmitDecision(context.Background(), pending.ID, Approve, nil)
	}()

	result, err := m.RequestApproval(context.Background(), "s1", "payload", "plan", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Approve, result.Action)
}

// TestHITLRaceS5 mirrors spec.md §8 scenario S5: the first writer wins and
// the loser's submission is a no-op idempotent against the resolved state.
func TestHITLRaceS5(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Request{ID: "req1", SessionID: "s1", Status: Pending, CreatedAt: time.Now()}))

	applied1, err := store.SubmitDecision(ctx, "req1", Approve, nil)
	require.NoError(t, err)
	assert.True(t, applied1)

	applied2, err := store.SubmitDecision(ctx, "req1", Reject, nil)
	require.NoError(t, err)
	assert.False(t, applied2, "loser's decision must be a no-op")

	req, ok, err := store.Get(ctx, "req1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Approved, req.Status, "first writer's decision must stick")
}

func TestSubmitDecisionIdempotentOnResolved(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Request{ID: "req1", SessionID: "s1", Status: Pending, CreatedAt: time.Now()}))

	m := New(store, nil, true)
	ok1, err := m.SubmitDecision(ctx, "req1", Approve, nil)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := m.SubmitDecision(ctx, "req1", Reject, nil)
	require.NoError(t, err)
	assert.True(t, ok2, "submit on an already-resolved request still reports success")
}

func TestRequestApprovalTimesOutToReject(t *testing.T) {
	m := New(NewMemStore(), nil, true)
	// a timeout well under the poll interval has passed by the first poll
	// tick (~2s), so the loop takes the deadline branch there.
	result, err := m.RequestApproval(context.Background(), "s1", "payload", "plan", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Reject, result.Action)
}

func TestRaceApproversFirstWins(t *testing.T) {
	fast := func(ctx context.Context) (Action, any, error) {
		return Approve, "payload", nil
	}
	slow := func(ctx context.Context) (Action, any, error) {
		select {
		case <-time.After(time.Second):
			return Reject, nil, nil
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	action, data, err := RaceApprovers(context.Background(), fast, slow)
	require.NoError(t, err)
	assert.Equal(t, Approve, action)
	assert.Equal(t, "payload", data)
}
