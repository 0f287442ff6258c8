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

func TestRequestIDFromPath(t *testing.T) {
	assert.Equal(t, "req-1", requestIDFromPath("/approvals/req-1/decision"))
	assert.Equal(t, "", requestIDFromPath("/approvals/decision"))
	assert.Equal(t, "", requestIDFromPath("/wrong/req-1/decision"))
}

func TestWebApprovalServerDeliversDecisionToWaiter(t *testing.T) {
	srv := newWebApprovalServer(logr.Discard())
	approve := srv.waitFor("req-1")

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	resultCh := make(chan intervention.Action, 1)
	go func() {
		action, _, err := approve(context.Background())
		require.NoError(t, err)
		resultCh <- action
	}()

	body, _ := json.Marshal(decisionBody{Action: intervention.Approve})
	resp, err := ts.Client().Post(ts.URL+"/approvals/req-1/decision", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	select {
	case action := <-resultCh:
		assert.Equal(t, intervention.Approve, action)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decision delivery")
	}
}

func TestWebApprovalServerRejectsUnknownRequestID(t *testing.T) {
	srv := newWebApprovalServer(logr.Discard())
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	body, _ := json.Marshal(decisionBody{Action: intervention.Approve})
	resp, err := ts.Client().Post(ts.URL+"/approvals/missing/decision", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}
