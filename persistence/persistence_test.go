package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/persistence"
)

// fakeStore records every call it receives, optionally failing the next N
// calls to exercise fails-open behavior.
type fakeStore struct {
	mu        sync.Mutex
	nodes     []persistence.NodeRecord
	edges     []persistence.EdgeRecord
	logs      []persistence.LogRecord
	batches   []persistence.GraphBatch
	failNext  int
}

func (f *fakeStore) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return true
	}
	return false
}

func (f *fakeStore) UpsertSession(ctx context.Context, rec persistence.SessionRecord) error { return nil }

func (f *fakeStore) UpsertNode(ctx context.Context, rec persistence.NodeRecord) error {
	if f.shouldFail() {
		return assert.AnError
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, rec)
	return nil
}

func (f *fakeStore) DeleteNode(ctx context.Context, sessionID, nodeID string, graphType persistence.GraphType) error {
	return nil
}

func (f *fakeStore) UpsertEdge(ctx context.Context, rec persistence.EdgeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = append(f.edges, rec)
	return nil
}

func (f *fakeStore) AppendLog(ctx context.Context, rec persistence.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, rec)
	return nil
}

func (f *fakeStore) UpsertIntervention(ctx context.Context, rec persistence.InterventionRecord) error {
	return nil
}

func (f *fakeStore) AtomicUpsertGraphData(ctx context.Context, batch persistence.GraphBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeStore) count() (nodes, edges, logs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes), len(f.edges), len(f.logs)
}

func TestSinkMirrorsWrites(t *testing.T) {
	store := &fakeStore{}
	sink := persistence.New(store, logr.Discard())
	defer sink.Close()

	sink.UpsertNode(persistence.NodeRecord{SessionID: "s1", NodeID: "n1"})
	sink.UpsertEdge(persistence.EdgeRecord{SessionID: "s1", SourceNodeID: "n1", TargetNodeID: "n2"})
	sink.AppendLog(persistence.LogRecord{SessionID: "s1", EventType: "step_completed"})

	require.Eventually(t, func() bool {
		n, e, l := store.count()
		return n == 1 && e == 1 && l == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSinkFailsOpen(t *testing.T) {
	store := &fakeStore{failNext: 1}
	sink := persistence.New(store, logr.Discard())
	defer sink.Close()

	// the failing write and the caller both must not block or panic.
	sink.UpsertNode(persistence.NodeRecord{SessionID: "s1", NodeID: "bad"})
	sink.UpsertNode(persistence.NodeRecord{SessionID: "s1", NodeID: "good"})

	require.Eventually(t, func() bool {
		n, _, _ := store.count()
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSinkQueueFullDropsJobWithoutBlocking(t *testing.T) {
	store := &fakeStore{}
	sink := persistence.New(store, logr.Discard(), persistence.WithWorkers(0), persistence.WithQueueCapacity(1))
	defer sink.Close()

	sink.UpsertNode(persistence.NodeRecord{SessionID: "s1", NodeID: "n1"})
	done := make(chan struct{})
	go func() {
		sink.UpsertNode(persistence.NodeRecord{SessionID: "s1", NodeID: "n2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked instead of dropping on a full queue")
	}
}

func TestAtomicUpsertGraphDataBatchesTogether(t *testing.T) {
	store := &fakeStore{}
	sink := persistence.New(store, logr.Discard())
	defer sink.Close()

	batch := persistence.GraphBatch{
		Nodes: []persistence.NodeRecord{{SessionID: "s1", NodeID: "c1"}},
		Edges: []persistence.EdgeRecord{{SessionID: "s1", SourceNodeID: "c1", TargetNodeID: "c2"}},
	}
	sink.AtomicUpsertGraphData(batch)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.batches) == 1
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.batches[0].Nodes, 1)
	assert.Len(t, store.batches[0].Edges, 1)
}
