package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionIsIdempotentForActiveSessions(t *testing.T) {
	s := NewMemStore()
	now := time.Now()
	first, err := s.CreateSession(context.Background(), "s1", "compromise the target", now)
	require.NoError(t, err)

	second, err := s.CreateSession(context.Background(), "s1", "a different goal", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "compromise the target", second.Goal)
}

func TestCreateSessionRejectsEndedSession(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "s1", "goal", time.Now())
	require.NoError(t, err)
	_, err = s.EndSession(ctx, "s1", time.Now())
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, "s1", "goal", time.Now())
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "s1", "goal", time.Now())
	require.NoError(t, err)

	first, err := s.EndSession(ctx, "s1", time.Now())
	require.NoError(t, err)
	second, err := s.EndSession(ctx, "s1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.EndedAt, second.EndedAt)
}

func TestLoadSessionNotFound(t *testing.T) {
	s := NewMemStore()
	_, err := s.LoadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListRunsBySessionFiltersByStatusAndOrdersOldestFirst(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.UpsertRun(ctx, RunMeta{RunID: "r2", SessionID: "s1", Status: RunStatusCompleted, StartedAt: base.Add(time.Minute)}))
	require.NoError(t, s.UpsertRun(ctx, RunMeta{RunID: "r1", SessionID: "s1", Status: RunStatusFailed, StartedAt: base}))
	require.NoError(t, s.UpsertRun(ctx, RunMeta{RunID: "r3", SessionID: "s2", Status: RunStatusCompleted, StartedAt: base}))

	all, err := s.ListRunsBySession(ctx, "s1", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r1", all[0].RunID)
	assert.Equal(t, "r2", all[1].RunID)

	failedOnly, err := s.ListRunsBySession(ctx, "s1", []RunStatus{RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failedOnly, 1)
	assert.Equal(t, "r1", failedOnly[0].RunID)
}

func TestLoadRunNotFound(t *testing.T) {
	s := NewMemStore()
	_, err := s.LoadRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
