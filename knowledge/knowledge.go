// Package knowledge implements a thin HTTP client for the external
// vector-retrieval knowledge service (spec.md §6): an out-of-scope
// collaborator reached over plain JSON-over-HTTP, grounded on
// _examples/goadesign-goa-ai/features/mcp/runtime/httpcaller.go's request/response shape
// (a shared *http.Client, a context-bound request, a decoded JSON result)
// without any of that file's JSON-RPC envelope, since the knowledge service
// speaks plain REST rather than JSON-RPC.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Result is one retrieved knowledge chunk.
type Result struct {
	ID    string  `json:"id"`
	Text  string  `json:"snippet"`
	Score float64 `json:"score"`
}

// RetrieveRequest is the POST /retrieve_knowledge body.
type RetrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// RetrieveResponse is the POST /retrieve_knowledge response.
type RetrieveResponse struct {
	Success      bool     `json:"success"`
	Query        string   `json:"query"`
	TotalResults int      `json:"total_results"`
	Results      []Result `json:"results"`
}

// HealthStatus is the GET /health response's knowledge_base sub-object.
type HealthStatus struct {
	Status string `json:"status"`
}

// Health is the GET /health response.
type Health struct {
	Status        string       `json:"status"`
	KnowledgeBase HealthStatus `json:"knowledge_base"`
}

// Stats is the GET /stats response. The service's exact field set isn't
// part of the contract spec.md pins down, so it is decoded generically.
type Stats map[string]any

// Client talks to the knowledge service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *http.Client
}

// New constructs a Client. Options.Timeout defaults to 30s, matching
// spec.md §5's "HTTP to knowledge service: short (~30 s)" budget.
func New(opts Options) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: opts.BaseURL, http: httpClient}
}

// RetrieveKnowledge queries the knowledge service for the top_k chunks most
// relevant to query.
func (c *Client) RetrieveKnowledge(ctx context.Context, query string, topK int) (RetrieveResponse, error) {
	var out RetrieveResponse
	body, err := json.Marshal(RetrieveRequest{Query: query, TopK: topK})
	if err != nil {
		return out, fmt.Errorf("knowledge: encode request: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/retrieve_knowledge", bytes.NewReader(body), &out); err != nil {
		return out, err
	}
	return out, nil
}

// Health reports whether the knowledge service is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Stats returns the knowledge service's operational stats.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

// Healthy reports whether the knowledge service's last-known status is
// usable, the check an agent makes at session startup before relying on
// retrieval (spec.md §6: "Agent ensures the service is healthy at startup").
func (h Health) Healthy() bool {
	return h.Status == "healthy"
}

func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		reqBody = body
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("knowledge: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("knowledge: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("knowledge: decode %s response: %w", path, err)
	}
	return nil
}
