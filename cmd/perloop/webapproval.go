package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-logr/logr"

	"github.com/perloop-ai/perloop/intervention"
)

// webApprovalServer exposes one HTTP endpoint a web UI posts a decision to:
// POST /approvals/{id}/decision {"action":"APPROVE"|"REJECT"|"MODIFY","data":...}
// It is the web arm of the concurrent terminal/web approval race spec.md
// §4.9 describes; the terminal arm is terminalApprover.
type webApprovalServer struct {
	log logr.Logger

	mu      sync.Mutex
	waiters map[string]chan decision
}

type decision struct {
	action intervention.Action
	data   any
}

type decisionBody struct {
	Action intervention.Action `json:"action"`
	Data   any                 `json:"data"`
}

func newWebApprovalServer(log logr.Logger) *webApprovalServer {
	return &webApprovalServer{log: log, waiters: make(map[string]chan decision)}
}

func (s *webApprovalServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/approvals/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := requestIDFromPath(r.URL.Path)
		if id == "" {
			http.Error(w, "missing request id", http.StatusBadRequest)
			return
		}
		var body decisionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		ch, ok := s.waiters[id]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "no pending approval with that id", http.StatusNotFound)
			return
		}
		select {
		case ch <- decision{action: body.Action, data: body.Data}:
			w.WriteHeader(http.StatusAccepted)
		default:
			http.Error(w, "decision already submitted", http.StatusConflict)
		}
	})
	return mux
}

// waitFor registers id as awaiting a web decision and returns an approve
// func for RaceApprovers. Must be called before the race starts so a
// concurrently arriving HTTP POST has somewhere to deliver its decision.
func (s *webApprovalServer) waitFor(id string) func(context.Context) (intervention.Action, any, error) {
	ch := make(chan decision, 1)
	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()

	return func(ctx context.Context) (intervention.Action, any, error) {
		defer func() {
			s.mu.Lock()
			delete(s.waiters, id)
			s.mu.Unlock()
		}()
		select {
		case d := <-ch:
			return d.action, d.data, nil
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

func requestIDFromPath(path string) string {
	const prefix = "/approvals/"
	const suffix = "/decision"
	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	if path[:len(prefix)] != prefix {
		return ""
	}
	rest := path[len(prefix):]
	if len(rest) <= len(suffix) || rest[len(rest)-len(suffix):] != suffix {
		return ""
	}
	return rest[:len(rest)-len(suffix)]
}
