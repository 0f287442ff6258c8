package halt

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchSetAndPoll(t *testing.T) {
	dir := t.TempDir()
	l, err := newLatch(dir + "/task1.halt")
	require.NoError(t, err)
	defer l.Close()

	_, ok := l.IsSet()
	assert.False(t, ok)

	require.NoError(t, l.Set("operator requested stop", "manual"))

	s, ok := l.Poll()
	require.True(t, ok)
	assert.Equal(t, "operator requested stop", s.Reason)
}

func TestLatchObservesExternalWrite(t *testing.T) {
	dir := t.TempDir()
	l, err := newLatch(dir + "/task2.halt")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, os.WriteFile(dir+"/task2.halt", []byte(`{"reason":"x","evidence":"y"}`), 0o644))

	require.Eventually(t, func() bool {
		_, ok := l.IsSet()
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestAcquireReturnsSameLatchPerTask(t *testing.T) {
	dir := t.TempDir()
	defer ShutdownAll()

	l1, err := Acquire(dir, "task-x")
	require.NoError(t, err)
	l2, err := Acquire(dir, "task-x")
	require.NoError(t, err)
	assert.Same(t, l1, l2, "latches are process-lifetime singletons per session, not re-created")
}
