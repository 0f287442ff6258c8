// Package toolinvoker implements the Tool Invoker: a persistent stdio-framed
// RPC session per declaratively configured tool server, with per-call
// timeouts, whitelisted transient-fault retry, schema validation, per-server
// rate limiting, and a structured correctable-error taxonomy an Executor can
// fold into its own thought-act-observe loop instead of aborting on.
//
// Grounded on the MCP stdio transport in
// _examples/goadesign-goa-ai/features/mcp/runtime/stdiocaller.go: the persistent subprocess,
// Content-Length framed JSON-RPC, and pending-request map are kept; the
// retry/rate-limit/schema/error-taxonomy layers are new, built for the
// correctable-error contract spec.md §4.4 and §7 describe.
package toolinvoker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/perloop-ai/perloop/internal/config"
)

// ErrorType classifies a failed tool call the way the Executor needs to
// decide whether to retry, surface to the Reflector, or escalate.
type ErrorType string

const (
	// ErrorNone marks a successful call.
	ErrorNone ErrorType = ""
	// ErrorSyntax means the call arguments failed schema validation or were
	// otherwise malformed — correctable by having the model retry.
	ErrorSyntax ErrorType = "SYNTAX"
	// ErrorMissingTool means the named tool isn't registered on any server —
	// correctable by having the planner pick a different tool.
	ErrorMissingTool ErrorType = "MISSING_TOOL"
	// ErrorTransient means the underlying transport failed in a way worth
	// retrying (broken pipe, timeout) and retries have been exhausted.
	ErrorTransient ErrorType = "TRANSIENT"
	// ErrorUnknown covers anything the taxonomy doesn't classify.
	ErrorUnknown ErrorType = "UNKNOWN"
)

// CallError is a structured, correctable tool-call failure.
type CallError struct {
	Type    ErrorType
	Tool    string
	Server  string
	Message string
	Cause   error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("toolinvoker: %s call to %q on server %q failed: %s", e.Type, e.Tool, e.Server, e.Message)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Result is the outcome of a tool call as the Executor consumes it: either a
// successful payload, or a structured CallError it can reason about without
// inspecting Go error chains.
type Result struct {
	Success bool
	Payload []byte
	Err     *CallError
}

const (
	retryAttempts = 3
	retryBackoff  = 500 * time.Millisecond
)

// transientWhitelist names the error classes worth retrying. Anything else
// fails fast rather than masking a real correctness bug behind retries.
var transientWhitelist = map[ErrorType]bool{
	ErrorTransient: true,
}

// session is a persistent connection to one tool server.
type session interface {
	Call(ctx context.Context, tool string, payload []byte) ([]byte, error)
	ListTools(ctx context.Context) ([]string, error)
	Close() error
}

// serverHandle bundles a session with its rate limiter and schema registry.
type serverHandle struct {
	name    string
	sess    session
	limiter *rate.Limiter
	schemas map[string]*jsonschema.Schema
	timeout time.Duration
}

// Invoker routes tool calls by name to the server that registered them,
// enforcing per-server rate limits and per-call timeouts uniformly across
// transports.
type Invoker struct {
	mu      sync.RWMutex
	servers map[string]*serverHandle // server name -> handle
	toolIdx map[string]string        // tool name -> server name
}

// New returns an empty Invoker; servers are added via Register.
func New() *Invoker {
	return &Invoker{
		servers: make(map[string]*serverHandle),
		toolIdx: make(map[string]string),
	}
}

// dialFunc opens a session for a configured server. Production code uses
// dialStdio; tests substitute a fake.
type dialFunc func(ctx context.Context, cfg config.MCPServerConfig) (session, error)

// Register connects to the server cfg describes, discovers its tools, and
// makes them callable through Call. ratePerSec <= 0 disables rate limiting
// for that server.
func (inv *Invoker) Register(ctx context.Context, cfg config.MCPServerConfig, ratePerSec float64, timeout time.Duration) error {
	return inv.registerWith(ctx, cfg, ratePerSec, timeout, dialStdio)
}

func (inv *Invoker) registerWith(ctx context.Context, cfg config.MCPServerConfig, ratePerSec float64, timeout time.Duration, dial dialFunc) error {
	sess, err := dial(ctx, cfg)
	if err != nil {
		return errors.Wrapf(err, "toolinvoker: dial server %q", cfg.Name)
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	handle := &serverHandle{name: cfg.Name, sess: sess, limiter: limiter, timeout: timeout, schemas: map[string]*jsonschema.Schema{}}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		_ = sess.Close()
		return errors.Wrapf(err, "toolinvoker: list tools on server %q", cfg.Name)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.servers[cfg.Name] = handle
	for _, t := range tools {
		inv.toolIdx[t] = cfg.Name
	}
	return nil
}

// RegisterSchema attaches a JSON Schema to a tool's argument payload,
// enforced on every subsequent Call to that tool.
func (inv *Invoker) RegisterSchema(serverName, tool string, schema *jsonschema.Schema) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if h, ok := inv.servers[serverName]; ok {
		h.schemas[tool] = schema
	}
}

// Call invokes a tool by name, retrying whitelisted transient failures with
// a fixed backoff before surfacing a structured CallError.
func (inv *Invoker) Call(ctx context.Context, tool string, payload []byte) Result {
	inv.mu.RLock()
	serverName, ok := inv.toolIdx[tool]
	var handle *serverHandle
	if ok {
		handle = inv.servers[serverName]
	}
	inv.mu.RUnlock()

	if !ok || handle == nil {
		return Result{Err: &CallError{Type: ErrorMissingTool, Tool: tool, Message: "no server registers this tool"}}
	}

	if handle.limiter != nil {
		if err := handle.limiter.Wait(ctx); err != nil {
			return Result{Err: &CallError{Type: ErrorTransient, Tool: tool, Server: serverName, Message: "rate limiter wait", Cause: err}}
		}
	}

	if schema, ok := handle.schemas[tool]; ok {
		if err := validatePayload(schema, payload); err != nil {
			return Result{Err: &CallError{Type: ErrorSyntax, Tool: tool, Server: serverName, Message: err.Error(), Cause: err}}
		}
	}

	var lastErr *CallError
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return Result{Err: &CallError{Type: ErrorTransient, Tool: tool, Server: serverName, Message: "context canceled during retry backoff", Cause: ctx.Err()}}
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if handle.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, handle.timeout)
		}
		out, err := handle.sess.Call(callCtx, tool, payload)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return Result{Success: true, Payload: out}
		}

		ce := classify(tool, serverName, err)
		lastErr = ce
		if !transientWhitelist[ce.Type] {
			return Result{Err: ce}
		}
	}
	return Result{Err: lastErr}
}

// classify maps a raw transport error onto the correctable-error taxonomy.
// Anything not recognized as a timeout/pipe failure is treated as unknown
// and not retried, since masking real bugs behind retries would hide them
// from the Reflector.
func classify(tool, server string, err error) *CallError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &CallError{Type: ErrorTransient, Tool: tool, Server: server, Message: "call timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &CallError{Type: ErrorTransient, Tool: tool, Server: server, Message: "call canceled", Cause: err}
	case errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrClosedPipe):
		return &CallError{Type: ErrorTransient, Tool: tool, Server: server, Message: "broken pipe", Cause: err}
	default:
		return &CallError{Type: ErrorUnknown, Tool: tool, Server: server, Message: err.Error(), Cause: err}
	}
}

func validatePayload(schema *jsonschema.Schema, payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return errors.Wrap(err, "payload is not valid JSON")
	}
	if err := schema.Validate(v); err != nil {
		return errors.Wrap(err, "payload failed schema validation")
	}
	return nil
}

// Close shuts down every registered server session.
func (inv *Invoker) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var firstErr error
	for _, h := range inv.servers {
		if err := h.sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
