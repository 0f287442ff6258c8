// Package perloop wires the process-lifetime singletons spec.md §5/§9
// describe ("no global mutable state other than...") and tears them down
// on shutdown: the halt-latch registry, the Event Broker, and the Tool
// Invoker's per-server sessions. Startup is called once per process;
// Shutdown once, on exit.
package perloop

import (
	"context"
	"fmt"

	"github.com/perloop-ai/perloop/broker"
	"github.com/perloop-ai/perloop/halt"
	"github.com/perloop-ai/perloop/internal/config"
	"github.com/perloop-ai/perloop/knowledge"
	"github.com/perloop-ai/perloop/telemetry"
	"github.com/perloop-ai/perloop/toolinvoker"
)

// Runtime bundles the process-lifetime singletons a mission run is built
// on top of.
type Runtime struct {
	Config    config.Config
	Telemetry telemetry.Telemetry
	Broker    broker.Broker
	Tools     *toolinvoker.Invoker
	Knowledge *knowledge.Client
}

// Startup constructs the process-lifetime singletons: the Event Broker, the
// Tool Invoker (with every configured MCP server registered), and the
// knowledge service client. It does not construct anything session-scoped
// (Graph Manager, halt latch, Orchestrator) — those are per-mission and
// built fresh by the caller for each session.
func Startup(ctx context.Context, cfg config.Config, tel telemetry.Telemetry) (*Runtime, error) {
	rt := &Runtime{
		Config:    cfg,
		Telemetry: tel,
		Broker:    broker.NewBus(),
		Tools:     toolinvoker.New(),
	}

	for _, srv := range cfg.MCP.Servers {
		if err := rt.Tools.Register(ctx, srv, 0, cfg.Executor.ToolTimeout); err != nil {
			rt.Shutdown()
			return nil, fmt.Errorf("perloop: register tool server %q: %w", srv.Name, err)
		}
	}

	if cfg.Knowledge.BaseURL != "" {
		rt.Knowledge = knowledge.New(knowledge.Options{
			BaseURL: cfg.Knowledge.BaseURL,
			Timeout: cfg.Knowledge.Timeout,
		})
	}

	return rt, nil
}

// Shutdown tears down every singleton Startup constructed. Idempotent.
func (rt *Runtime) Shutdown() {
	if rt == nil {
		return
	}
	if rt.Tools != nil {
		_ = rt.Tools.Close()
	}
	if rt.Broker != nil {
		rt.Broker.Close()
	}
	halt.ShutdownAll()
}
