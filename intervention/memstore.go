package intervention

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is the default in-memory Store, suitable for single-process
// deployments and tests.
type MemStore struct {
	mu       sync.Mutex
	requests map[string]*Request
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{requests: make(map[string]*Request)}
}

// Create implements Store.
func (s *MemStore) Create(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("intervention: request %q already exists", req.ID)
	}
	stored := req
	s.requests[req.ID] = &stored
	return nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, id string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, false, nil
	}
	return *req, true, nil
}

// GetPending implements Store.
func (s *MemStore) GetPending(_ context.Context, sessionID string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Request
	for _, r := range s.requests {
		if r.SessionID == sessionID && r.Status == Pending {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Request{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })
	return *candidates[0], true, nil
}

// SubmitDecision implements Store. Idempotent on an already-resolved
// request: it returns applied=false (the caller's RequestApproval/
// SubmitDecision wrapper still reports success to match the source's
// "submit is idempotent on already-resolved requests" behavior), leaving
// the stored outcome untouched — this is the mechanism behind scenario S5's
// race: the first writer's decision sticks.
func (s *MemStore) SubmitDecision(_ context.Context, id string, action Action, modified any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return false, fmt.Errorf("intervention: unknown request %q", id)
	}
	if req.Status != Pending {
		return false, nil
	}

	now := time.Now()
	switch action {
	case Approve:
		req.Status = Approved
	case Reject:
		req.Status = Rejected
	case Modify:
		req.Status = Modified
		req.ModifiedData = modified
	default:
		return false, fmt.Errorf("intervention: unknown action %q", action)
	}
	req.UpdatedAt = now
	return true, nil
}
