// Package engine defines the workflow engine abstraction a Run executes
// under: a pluggable interface so the same Orchestrator.Run loop can be
// driven by an in-memory engine (tests, single-process deployments) or a
// durable one (Temporal) without touching orchestrator code. Grounded on
// goadesign-goa-ai/runtime/agent/engine's Engine/WorkflowContext/Future
// shape, narrowed to the one workflow perloop actually runs (there is no
// nested agent-as-tool child-workflow concept here).
package engine

import (
	"context"
	"time"

	"github.com/perloop-ai/perloop/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory) can be swapped without touching the orchestrator.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Must be called
		// before StartWorkflow; returns an error if the name is already
		// registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition. Must be called
		// before any workflow that calls it starts.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches a workflow execution. req.ID must be unique
		// within the engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. For a durable engine this
	// must be deterministic: it must produce the same execution sequence
	// given the same inputs and activity results.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow.
	//
	// Implementations must ensure deterministic replay: operations that
	// interact with the engine (ExecuteActivity, SignalChannel) must produce
	// deterministic results when replayed. Direct I/O, random number
	// generation, or system time access inside a workflow violates
	// determinism on engines that replay (Temporal).
	//
	// Thread-safety: bound to a single workflow execution, must not be
	// shared across goroutines.
	WorkflowContext interface {
		// Context returns the Go context for the workflow.
		Context() context.Context
		// WorkflowID returns the caller-assigned workflow identifier.
		WorkflowID() string
		// RunID returns the engine-assigned run identifier.
		RunID() string
		// ExecuteActivity schedules an activity and blocks for its result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		// ExecuteActivityAsync schedules an activity without blocking.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)
		// SignalChannel returns the channel for the named signal.
		SignalChannel(name string) SignalChannel
		// Logger returns a logger scoped to this workflow execution.
		Logger() telemetry.Logger
		// Now returns the current workflow time in a replay-safe manner.
		Now() time.Time
	}

	// Future is a pending activity result.
	//
	// Thread-safety: bound to a single workflow execution. Get may be called
	// more than once and returns the same result/error each time.
	Future interface {
		// Get blocks until the activity completes and decodes its result
		// into result.
		Get(ctx context.Context, result any) error
		// IsReady reports whether Get will return without blocking.
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles an activity invocation. Unlike workflows,
	// activities may perform side effects (I/O, tool calls, LLM calls).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		ID          string
		Workflow    string
		TaskQueue   string
		Input       any
		RetryPolicy RetryPolicy
	}

	// ActivityRequest is scheduled by a running workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets a caller interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, decoding its result into
		// result.
		Wait(ctx context.Context, result any) error
		// Signal delivers an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy is shared by workflows and activities. Zero-valued fields
	// mean the engine uses its own defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way.
	SignalChannel interface {
		// Receive blocks until a signal is delivered and decodes it into
		// dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive, reporting whether a
		// value was written into dest.
		ReceiveAsync(dest any) bool
	}
)
