package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToMatchingSession(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe("s1")
	defer sub.Cancel()

	b.Emit("step.completed", map[string]string{"id": "x"}, "s1")

	select {
	case env := <-sub.C:
		assert.Equal(t, "step.completed", env.Event)
		assert.Equal(t, "s1", env.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected envelope, got none")
	}
}

func TestEmitNoCrossSessionInterference(t *testing.T) {
	b := NewBus()
	defer b.Close()

	subA := b.Subscribe("a")
	defer subA.Cancel()
	subB := b.Subscribe("b")
	defer subB.Cancel()

	b.Emit("x", nil, "a")

	select {
	case <-subA.C:
	case <-time.After(time.Second):
		t.Fatal("subscriber a should have received the event")
	}
	select {
	case <-subB.C:
		t.Fatal("subscriber b must not receive session a's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitDropsNewestWhenQueueFull(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe("s1")
	defer sub.Cancel()

	for i := 0; i < QueueCapacity+10; i++ {
		b.Emit("flood", i, "s1")
	}

	count := 0
	for {
		select {
		case <-sub.C:
			count++
		default:
			require.LessOrEqual(t, count, QueueCapacity)
			return
		}
	}
}

func TestSubscribeCancelDeregisters(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe("s1")
	sub.Cancel()

	b.Emit("x", nil, "s1") // must not panic after cancellation

	_, open := <-sub.C
	assert.False(t, open, "channel should be closed after Cancel")
}
