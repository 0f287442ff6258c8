package main

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/perloop-ai/perloop/intervention"
)

// approvalWatcher polls an Intervention Manager for newly pending requests
// under one session and, for each, races a terminal prompt against a
// web-submitted decision (spec.md §4.9's "concurrent terminal/web approval
// race", scenario S5): the first arm to produce a decision wins and the
// loser is cancelled.
type approvalWatcher struct {
	manager   *intervention.Manager
	sessionID string
	web       *webApprovalServer
	log       logr.Logger

	reader *bufio.Reader
	seen   map[string]bool
}

func newApprovalWatcher(m *intervention.Manager, sessionID string, web *webApprovalServer, log logr.Logger) *approvalWatcher {
	return &approvalWatcher{
		manager:   m,
		sessionID: sessionID,
		web:       web,
		log:       log,
		reader:    bufio.NewReader(os.Stdin),
		seen:      make(map[string]bool),
	}
}

// run polls until ctx is cancelled, racing and submitting a decision for
// every newly observed pending request.
func (w *approvalWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *approvalWatcher) pollOnce(ctx context.Context) {
	req, ok, err := w.manager.GetPending(ctx, w.sessionID)
	if err != nil || !ok || w.seen[req.ID] {
		return
	}
	w.seen[req.ID] = true

	go w.resolve(ctx, req)
}

func (w *approvalWatcher) resolve(ctx context.Context, req intervention.Request) {
	terminal := (&terminalApprover{reader: w.reader, request: req}).approve

	var action intervention.Action
	var data any
	var err error
	if w.web != nil {
		web := w.web.waitFor(req.ID)
		action, data, err = intervention.RaceApprovers(ctx, terminal, web)
	} else {
		action, data, err = terminal(ctx)
	}
	if err != nil {
		w.log.Error(err, "approval race failed", "request_id", req.ID)
		return
	}
	if _, err := w.manager.SubmitDecision(ctx, req.ID, action, data); err != nil {
		w.log.Error(err, "submit decision", "request_id", req.ID)
	}
}
