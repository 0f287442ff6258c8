package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/intervention"
)

// TestApprovalWatcherResolvesViaWebRaceArm drives a pending approval through
// the real watcher (terminal arm left blocked on a stdin with nothing
// written to it) and resolves it by POSTing a decision to the web arm's
// HTTP endpoint, mirroring scenario S5's web-wins race outcome.
func TestApprovalWatcherResolvesViaWebRaceArm(t *testing.T) {
	mgr := intervention.New(intervention.NewMemStore(), nil, true)
	web := newWebApprovalServer(logr.Discard())
	w := newApprovalWatcher(mgr, "s1", web, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	ts := httptest.NewServer(web.handler())
	defer ts.Close()

	resultCh := make(chan intervention.Result, 1)
	go func() {
		r, err := mgr.RequestApproval(context.Background(), "s1", "payload", "plan", 2*time.Second)
		require.NoError(t, err)
		resultCh <- r
	}()

	var pending intervention.Request
	require.Eventually(t, func() bool {
		req, ok, _ := mgr.GetPending(context.Background(), "s1")
		if ok {
			pending = req
		}
		return ok
	}, time.Second, 5*time.Millisecond)

	// give the watcher's poll loop time to register its web waiter before
	// the decision arrives.
	require.Eventually(t, func() bool {
		body, _ := json.Marshal(decisionBody{Action: intervention.Approve})
		resp, err := ts.Client().Post(ts.URL+"/approvals/"+pending.ID+"/decision", "application/json", bytes.NewReader(body))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == 202
	}, 2*time.Second, 25*time.Millisecond)

	select {
	case r := <-resultCh:
		assert.Equal(t, intervention.Approve, r.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval resolution")
	}
}
