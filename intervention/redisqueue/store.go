// Package redisqueue is a Redis-backed intervention.Store for deployments
// where the core loop and approval UIs run in separate processes and need a
// shared, durable view of pending requests. Grounded on
// itsneelabh-gomind/orchestration/hitl_command_store.go's functional-options
// Redis store pattern.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perloop-ai/perloop/intervention"
)

const defaultKeyPrefix = "perloop:intervention:"

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the default Redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTL sets the expiry given to a request's Redis key, pending or resolved, bounding
// memory growth from long-running sessions.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// Store implements intervention.Store over Redis string keys holding JSON, one key per
// request plus a per-session sorted set of pending request ids ordered by
// creation time (mirroring hitl_command_store.go's key-per-command plus
// index-set layout).
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New constructs a Store bound to an existing Redis client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: defaultKeyPrefix, ttl: 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) requestKey(id string) string {
	return s.keyPrefix + "req:" + id
}

func (s *Store) pendingKey(sessionID string) string {
	return s.keyPrefix + "pending:" + sessionID
}

// Create implements intervention.Store.
func (s *Store) Create(ctx context.Context, req intervention.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal request: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.requestKey(req.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.pendingKey(req.SessionID), redis.Z{Score: float64(req.CreatedAt.UnixNano()), Member: req.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisqueue: create: %w", err)
	}
	return nil
}

// Get implements intervention.Store.
func (s *Store) Get(ctx context.Context, id string) (intervention.Request, bool, error) {
	data, err := s.client.Get(ctx, s.requestKey(id)).Bytes()
	if err == redis.Nil {
		return intervention.Request{}, false, nil
	}
	if err != nil {
		return intervention.Request{}, false, fmt.Errorf("redisqueue: get: %w", err)
	}
	var req intervention.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return intervention.Request{}, false, fmt.Errorf("redisqueue: unmarshal: %w", err)
	}
	return req, true, nil
}

// GetPending implements intervention.Store, returning the most-recently
// created pending request for sessionID.
func (s *Store) GetPending(ctx context.Context, sessionID string) (intervention.Request, bool, error) {
	ids, err := s.client.ZRevRange(ctx, s.pendingKey(sessionID), 0, 0).Result()
	if err != nil {
		return intervention.Request{}, false, fmt.Errorf("redisqueue: zrevrange: %w", err)
	}
	if len(ids) == 0 {
		return intervention.Request{}, false, nil
	}
	req, ok, err := s.Get(ctx, ids[0])
	if err != nil || !ok || req.Status != intervention.Pending {
		return intervention.Request{}, false, err
	}
	return req, true, nil
}

// SubmitDecision implements intervention.Store using a WATCH/MULTI/EXEC
// optimistic transaction so that two concurrent approvers racing to resolve
// the same request (spec.md §4.3, scenario S5) can only have one writer
// succeed; the loser sees applied=false.
func (s *Store) SubmitDecision(ctx context.Context, id string, action intervention.Action, modified any) (bool, error) {
	applied := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.requestKey(id)).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("redisqueue: unknown request %q", id)
		}
		if err != nil {
			return err
		}
		var req intervention.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if req.Status != intervention.Pending {
			return nil // already resolved: idempotent no-op, applied stays false
		}

		switch action {
		case intervention.Approve:
			req.Status = intervention.Approved
		case intervention.Reject:
			req.Status = intervention.Rejected
		case intervention.Modify:
			req.Status = intervention.Modified
			req.ModifiedData = modified
		default:
			return fmt.Errorf("redisqueue: unknown action %q", action)
		}
		req.UpdatedAt = time.Now()
		updated, err := json.Marshal(req)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.requestKey(id), updated, s.ttl)
			pipe.ZRem(ctx, s.pendingKey(req.SessionID), id)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, s.requestKey(id))
	if err != nil {
		return false, fmt.Errorf("redisqueue: submit decision: %w", err)
	}
	return applied, nil
}
