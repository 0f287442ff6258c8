package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrieveKnowledgeDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/retrieve_knowledge", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req RetrieveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is perloop", req.Query)
		assert.Equal(t, 3, req.TopK)

		_ = json.NewEncoder(w).Encode(RetrieveResponse{
			Success:      true,
			Query:        req.Query,
			TotalResults: 1,
			Results:      []Result{{ID: "doc-1", Text: "perloop is a task engine", Score: 0.9}},
		})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	resp, err := c.RetrieveKnowledge(context.Background(), "what is perloop", 3)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-1", resp.Results[0].ID)
}

func TestHealthReportsUnhealthyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Health{Status: "unavailable"})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Healthy())
}

func TestDoReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.Stats(context.Background())
	assert.Error(t, err)
}
