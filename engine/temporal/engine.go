// Package temporal implements engine.Engine on top of Temporal, the durable
// execution backend perloop uses when a mission must survive process
// restarts (a halt signal, a deploy, a crash mid-mission). Trimmed from
// goadesign-goa-ai/runtime/agent/engine/temporal's adapter: one default task
// queue, one worker per queue, OTel tracing wired through the client and
// workers via the SDK's own contrib interceptor.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/go-logr/logr"

	"github.com/perloop-ai/perloop/engine"
)

// Options configures the Temporal engine adapter. Either Client or
// ClientOptions must be set.
type Options struct {
	Client         client.Client
	ClientOptions  *client.Options
	TaskQueue      string
	WorkerOptions  worker.Options
	Logger         logr.Logger
	DisableTracing bool
}

// Engine implements engine.Engine using Temporal as the durable backend.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue string
	workerOpts   worker.Options
	log          logr.Logger

	mu        sync.Mutex
	workers   map[string]worker.Worker
	started   bool
	workflows map[string]engine.WorkflowDefinition

	wfContexts sync.Map // runID -> *workflowContext
}

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: a default task queue is required")
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	clientOpts := client.Options{}
	if opts.ClientOptions != nil {
		clientOpts = *opts.ClientOptions
	}
	if !opts.DisableTracing {
		interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing: %w", err)
		}
		clientOpts.Interceptors = append(clientOpts.Interceptors, interceptor)
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	return &Engine{
		client:       cli,
		closeClient:  closeClient,
		defaultQueue: opts.TaskQueue,
		workerOpts:   opts.WorkerOptions,
		log:          log,
		workers:      make(map[string]worker.Worker),
		workflows:    make(map[string]engine.WorkflowDefinition),
	}, nil
}

func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name is required")
	}
	w := e.workerForQueue(def.TaskQueue)
	w.RegisterWorkflowWithOptions(func(tctx workflow.Context, input any) (any, error) {
		wfCtx := newWorkflowContext(e, tctx)
		defer e.wfContexts.Delete(wfCtx.RunID())
		return def.Handler(wfCtx, input)
	}, workflow.RegisterOptions{Name: def.Name})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: activity name is required")
	}
	w := e.workerForQueue(def.Options.Queue)
	w.RegisterActivityWithOptions(func(actx context.Context, input any) (any, error) {
		return def.Handler(actx, input)
	}, activity.RegisterOptions{Name: def.Name})
	return nil
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	e.ensureStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	opts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.Workflow, err)
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// Close shuts down the Temporal client if this Engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) worker.Worker {
	if queue == "" {
		queue = e.defaultQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[queue]; ok {
		return w
	}
	w := worker.New(e.client, queue, e.workerOpts)
	e.workers[queue] = w
	if e.started {
		go func() {
			if err := w.Run(worker.InterruptCh()); err != nil {
				e.log.Error(err, "temporal worker exited", "queue", queue)
			}
		}()
	}
	return w
}

func (e *Engine) ensureStarted() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	workers := make([]worker.Worker, 0, len(e.workers))
	queues := make([]string, 0, len(e.workers))
	for q, w := range e.workers {
		workers = append(workers, w)
		queues = append(queues, q)
	}
	e.mu.Unlock()
	for i, w := range workers {
		w, queue := w, queues[i]
		go func() {
			if err := w.Run(worker.InterruptCh()); err != nil {
				e.log.Error(err, "temporal worker exited", "queue", queue)
			}
		}()
	}
}

func convertRetryPolicy(rp engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if rp.MaxAttempts == 0 && rp.InitialInterval == 0 && rp.BackoffCoefficient == 0 {
		return nil
	}
	return &sdktemporal.RetryPolicy{
		MaximumAttempts:    int32(rp.MaxAttempts),
		InitialInterval:    rp.InitialInterval,
		BackoffCoefficient: rp.BackoffCoefficient,
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
