// Package persistence implements the Persistence Sink: an asynchronous
// write-through mirror of Graph Manager mutations to a durable store. It
// fails open — persistence errors are logged but never propagated to the
// core, which always treats the in-memory graph as authoritative.
package persistence

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// GraphType distinguishes the task graph from the causal graph in the
// durable schema (spec.md §6).
type GraphType string

const (
	TaskGraph   GraphType = "task"
	CausalGraph GraphType = "causal"
)

// NodeRecord mirrors one row of the graph_nodes table.
type NodeRecord struct {
	SessionID string
	NodeID    string
	GraphType GraphType
	Type      string
	Status    string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EdgeRecord mirrors one row of the graph_edges table.
type EdgeRecord struct {
	SessionID    string
	SourceNodeID string
	TargetNodeID string
	GraphType    GraphType
	RelationType string
	Data         map[string]any
	CreatedAt    time.Time
}

// LogRecord mirrors one row of the event_logs table.
type LogRecord struct {
	SessionID string
	EventType string
	Content   map[string]any
	Timestamp time.Time
}

// InterventionRecord mirrors one row of the interventions table.
type InterventionRecord struct {
	ID           string
	SessionID    string
	Type         string
	Status       string
	RequestData  map[string]any
	ResponseData map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionRecord mirrors one row of the sessions table.
type SessionRecord struct {
	ID        string
	Name      string
	Goal      string
	Status    string
	SortIndex int
	Config    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GraphBatch bundles node and edge writes that must appear together to
// external readers — the atomic_upsert_graph_data operation spec.md §4.2
// requires for batched causal node+edge insertions.
type GraphBatch struct {
	Nodes []NodeRecord
	Edges []EdgeRecord
}

// Store is the durable backend the Sink mirrors writes to. persistence/mongo
// provides the concrete implementation; an in-memory fake is used in tests.
type Store interface {
	UpsertSession(ctx context.Context, rec SessionRecord) error
	UpsertNode(ctx context.Context, rec NodeRecord) error
	DeleteNode(ctx context.Context, sessionID, nodeID string, graphType GraphType) error
	UpsertEdge(ctx context.Context, rec EdgeRecord) error
	AppendLog(ctx context.Context, rec LogRecord) error
	UpsertIntervention(ctx context.Context, rec InterventionRecord) error
	// AtomicUpsertGraphData writes every node then every edge in batch as
	// one logical unit, so readers never observe edges referencing nodes
	// that are not yet visible.
	AtomicUpsertGraphData(ctx context.Context, batch GraphBatch) error
}

// job is one enqueued persistence operation, dispatched on a background
// worker pool (spec.md §4.2).
type job func(ctx context.Context) error

// Sink is the Persistence Sink. Workers run job closures off a bounded
// channel; a full channel means jobs are dropped (fails open) rather than
// blocking the mutating caller.
type Sink struct {
	store   Store
	log     logr.Logger
	jobs    chan job
	workers int
	stop    chan struct{}
}

// Option configures a Sink.
type Option func(*Sink)

// WithWorkers sets the background worker-pool size (default 4).
func WithWorkers(n int) Option {
	return func(s *Sink) { s.workers = n }
}

// WithQueueCapacity sets the bounded job queue's capacity (default 4096).
func WithQueueCapacity(n int) Option {
	return func(s *Sink) {
		s.jobs = make(chan job, n)
	}
}

// New constructs a Sink over store and starts its worker pool.
func New(store Store, log logr.Logger, opts ...Option) *Sink {
	s := &Sink{store: store, log: log, workers: 4, jobs: make(chan job, 4096), stop: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	for i := 0; i < s.workers; i++ {
		go s.worker()
	}
	return s
}

func (s *Sink) worker() {
	for {
		select {
		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			if err := j(context.Background()); err != nil {
				s.log.V(1).Info("persistence job failed, continuing (fails open)", "error", err.Error())
			}
		case <-s.stop:
			return
		}
	}
}

// enqueue submits a job, dropping it silently if the queue is full — the
// mutating caller must never block on persistence (spec.md §4.2).
func (s *Sink) enqueue(j job) {
	select {
	case s.jobs <- j:
	default:
		s.log.V(1).Info("persistence queue full, dropping job (fails open)")
	}
}

// UpsertSession enqueues a session upsert.
func (s *Sink) UpsertSession(rec SessionRecord) {
	s.enqueue(func(ctx context.Context) error { return s.store.UpsertSession(ctx, rec) })
}

// UpsertNode enqueues a node upsert.
func (s *Sink) UpsertNode(rec NodeRecord) {
	s.enqueue(func(ctx context.Context) error { return s.store.UpsertNode(ctx, rec) })
}

// DeleteNode enqueues a logical node deletion.
func (s *Sink) DeleteNode(sessionID, nodeID string, graphType GraphType) {
	s.enqueue(func(ctx context.Context) error { return s.store.DeleteNode(ctx, sessionID, nodeID, graphType) })
}

// UpsertEdge enqueues an edge upsert.
func (s *Sink) UpsertEdge(rec EdgeRecord) {
	s.enqueue(func(ctx context.Context) error { return s.store.UpsertEdge(ctx, rec) })
}

// AppendLog enqueues an append-only event-log write.
func (s *Sink) AppendLog(rec LogRecord) {
	s.enqueue(func(ctx context.Context) error { return s.store.AppendLog(ctx, rec) })
}

// UpsertIntervention enqueues an intervention create/response write.
func (s *Sink) UpsertIntervention(rec InterventionRecord) {
	s.enqueue(func(ctx context.Context) error { return s.store.UpsertIntervention(ctx, rec) })
}

// AtomicUpsertGraphData enqueues a batched node+edge write that must appear
// together to external readers.
func (s *Sink) AtomicUpsertGraphData(batch GraphBatch) {
	s.enqueue(func(ctx context.Context) error { return s.store.AtomicUpsertGraphData(ctx, batch) })
}

// Close stops the worker pool: each worker exits after the job it is
// running. Queued jobs are not drained; a worker may still pick one up
// before it sees the stop signal, and once all workers have exited,
// queued and later-enqueued jobs are not run.
func (s *Sink) Close() {
	close(s.stop)
}
