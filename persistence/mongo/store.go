// Package mongo implements persistence.Store against MongoDB, following the
// collection-wrapper and upsert-via-filter pattern used throughout the
// session/run/runlog/memory mongo stores: a thin interface around
// *mongo.Collection so the document shape and query logic can be tested
// without a live server.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/perloop-ai/perloop/persistence"
)

const defaultOpTimeout = 5 * time.Second

const (
	sessionsCollection      = "sessions"
	graphNodesCollection    = "graph_nodes"
	graphEdgesCollection    = "graph_edges"
	eventLogsCollection     = "event_logs"
	interventionsCollection = "interventions"
)

// Store is the Mongo-backed persistence.Store implementation.
type Store struct {
	client       *mongodriver.Client
	sessions     collection
	nodes        collection
	edges        collection
	logs         collection
	interventions collection
	timeout      time.Duration
}

// Options configures the Mongo store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// New returns a Store backed by MongoDB, creating required indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:        opts.Client,
		sessions:      mongoCollection{db.Collection(sessionsCollection)},
		nodes:         mongoCollection{db.Collection(graphNodesCollection)},
		edges:         mongoCollection{db.Collection(graphEdgesCollection)},
		logs:          mongoCollection{db.Collection(eventLogsCollection)},
		interventions: mongoCollection{db.Collection(interventionsCollection)},
		timeout:       timeout,
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ictx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.sessions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongo: sessions index: %w", err)
	}
	if _, err := s.nodes.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "node_id", Value: 1}, {Key: "graph_type", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongo: graph_nodes index: %w", err)
	}
	if _, err := s.edges.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1}, {Key: "source_node_id", Value: 1},
			{Key: "target_node_id", Value: 1}, {Key: "graph_type", Value: 1}, {Key: "relation_type", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongo: graph_edges index: %w", err)
	}
	if _, err := s.logs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}},
	}); err != nil {
		return fmt.Errorf("mongo: event_logs index: %w", err)
	}
	if _, err := s.interventions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongo: interventions index: %w", err)
	}
	return nil
}

type sessionDoc struct {
	SessionID string         `bson:"session_id"`
	Name      string         `bson:"name"`
	Goal      string         `bson:"goal"`
	Status    string         `bson:"status"`
	SortIndex int            `bson:"sort_index"`
	Config    map[string]any `bson:"config,omitempty"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

func (s *Store) UpsertSession(ctx context.Context, rec persistence.SessionRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": rec.ID}
	update := bson.M{
		"$set": sessionDoc{
			SessionID: rec.ID, Name: rec.Name, Goal: rec.Goal, Status: rec.Status,
			SortIndex: rec.SortIndex, Config: rec.Config, UpdatedAt: rec.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": rec.CreatedAt},
	}
	_, err := s.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

type nodeDoc struct {
	SessionID string         `bson:"session_id"`
	NodeID    string         `bson:"node_id"`
	GraphType string         `bson:"graph_type"`
	Type      string         `bson:"type"`
	Status    string         `bson:"status"`
	Data      map[string]any `bson:"data,omitempty"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
	Deleted   bool           `bson:"deleted"`
}

func nodeFilter(sessionID, nodeID string, graphType persistence.GraphType) bson.M {
	return bson.M{"session_id": sessionID, "node_id": nodeID, "graph_type": string(graphType)}
}

func (s *Store) UpsertNode(ctx context.Context, rec persistence.NodeRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.upsertNode(ctx, rec)
}

func (s *Store) upsertNode(ctx context.Context, rec persistence.NodeRecord) error {
	filter := nodeFilter(rec.SessionID, rec.NodeID, rec.GraphType)
	update := bson.M{
		"$set": nodeDoc{
			SessionID: rec.SessionID, NodeID: rec.NodeID, GraphType: string(rec.GraphType),
			Type: rec.Type, Status: rec.Status, Data: rec.Data, UpdatedAt: rec.UpdatedAt, Deleted: false,
		},
		"$setOnInsert": bson.M{"created_at": rec.CreatedAt},
	}
	_, err := s.nodes.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) DeleteNode(ctx context.Context, sessionID, nodeID string, graphType persistence.GraphType) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := nodeFilter(sessionID, nodeID, graphType)
	update := bson.M{"$set": bson.M{"deleted": true, "updated_at": time.Now().UTC()}}
	_, err := s.nodes.UpdateOne(ctx, filter, update)
	return err
}

type edgeDoc struct {
	SessionID    string         `bson:"session_id"`
	SourceNodeID string         `bson:"source_node_id"`
	TargetNodeID string         `bson:"target_node_id"`
	GraphType    string         `bson:"graph_type"`
	RelationType string         `bson:"relation_type"`
	Data         map[string]any `bson:"data,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
}

func edgeFilter(rec persistence.EdgeRecord) bson.M {
	return bson.M{
		"session_id": rec.SessionID, "source_node_id": rec.SourceNodeID,
		"target_node_id": rec.TargetNodeID, "graph_type": string(rec.GraphType),
		"relation_type": rec.RelationType,
	}
}

func (s *Store) UpsertEdge(ctx context.Context, rec persistence.EdgeRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.upsertEdge(ctx, rec)
}

func (s *Store) upsertEdge(ctx context.Context, rec persistence.EdgeRecord) error {
	filter := edgeFilter(rec)
	update := bson.M{
		"$set": edgeDoc{
			SessionID: rec.SessionID, SourceNodeID: rec.SourceNodeID, TargetNodeID: rec.TargetNodeID,
			GraphType: string(rec.GraphType), RelationType: rec.RelationType, Data: rec.Data,
		},
		"$setOnInsert": bson.M{"created_at": rec.CreatedAt},
	}
	_, err := s.edges.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

type logDoc struct {
	SessionID string         `bson:"session_id"`
	EventType string         `bson:"event_type"`
	Content   map[string]any `bson:"content,omitempty"`
	Timestamp time.Time      `bson:"timestamp"`
}

func (s *Store) AppendLog(ctx context.Context, rec persistence.LogRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.logs.InsertOne(ctx, logDoc{
		SessionID: rec.SessionID, EventType: rec.EventType, Content: rec.Content, Timestamp: rec.Timestamp,
	})
	return err
}

type interventionDoc struct {
	ID           string         `bson:"id"`
	SessionID    string         `bson:"session_id"`
	Type         string         `bson:"type"`
	Status       string         `bson:"status"`
	RequestData  map[string]any `bson:"request_data,omitempty"`
	ResponseData map[string]any `bson:"response_data,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func (s *Store) UpsertIntervention(ctx context.Context, rec persistence.InterventionRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"id": rec.ID}
	update := bson.M{
		"$set": interventionDoc{
			ID: rec.ID, SessionID: rec.SessionID, Type: rec.Type, Status: rec.Status,
			RequestData: rec.RequestData, ResponseData: rec.ResponseData, UpdatedAt: rec.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": rec.CreatedAt},
	}
	_, err := s.interventions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// AtomicUpsertGraphData writes every node then every edge inside one
// multi-document transaction, so a reader never observes an edge that
// references a node not yet visible. Requires a replica-set-backed client;
// falls back to sequential writes is intentionally NOT offered here, since
// that would silently weaken the atomicity guarantee callers rely on.
func (s *Store) AtomicUpsertGraphData(ctx context.Context, batch persistence.GraphBatch) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc context.Context) (any, error) {
		for _, n := range batch.Nodes {
			if err := s.upsertNode(sc, n); err != nil {
				return nil, err
			}
		}
		for _, e := range batch.Edges {
			if err := s.upsertEdge(sc, e); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("mongo: atomic graph upsert: %w", err)
	}
	return nil
}

// collection narrows *mongo.Collection to the operations this store needs,
// so store logic can be exercised against a fake in tests.
type collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	Indexes() mongodriver.IndexView
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) Indexes() mongodriver.IndexView {
	return c.coll.Indexes()
}
