// Command perloop drives one mission goal through the Planner-Executor-
// Reflector loop to completion, wiring every supporting package into a
// single CLI entrypoint. Grounded on vinayprograms-agent/cmd/agent's
// kong-based main(), adapted to perloop's session/mission model instead of
// that CLI's Agentfile-workflow model.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	perloop "github.com/perloop-ai/perloop"
	"github.com/perloop-ai/perloop/engine"
	"github.com/perloop-ai/perloop/engine/inmem"
	"github.com/perloop-ai/perloop/executor"
	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/halt"
	"github.com/perloop-ai/perloop/internal/config"
	"github.com/perloop-ai/perloop/intervention"
	"github.com/perloop-ai/perloop/model"
	"github.com/perloop-ai/perloop/model/anthropic"
	"github.com/perloop-ai/perloop/orchestrator"
	"github.com/perloop-ai/perloop/planner"
	"github.com/perloop-ai/perloop/reflector"
	"github.com/perloop-ai/perloop/session"
	"github.com/perloop-ai/perloop/telemetry"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kongVars(),
		kong.Name("perloop"),
		kong.Description("Drive an autonomous task-execution mission to completion."))
	kctx.FatalIfErrorf(kctx.Run())
}

func (c *RunCmd) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFile(c.Config)
	if err != nil {
		cfg = config.Default()
	}

	tel, err := telemetry.NewZap("perloop")
	if err != nil {
		tel = telemetry.NewNoop()
	}
	log := tel.Log

	rt, err := perloop.Startup(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("perloop: startup: %w", err)
	}
	defer rt.Shutdown()

	sessionID := c.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sessions := session.NewMemStore()
	if _, err := sessions.CreateSession(ctx, sessionID, c.Goal, time.Now()); err != nil {
		return fmt.Errorf("perloop: create session: %w", err)
	}

	llm, err := buildLLMClient(cfg)
	if err != nil {
		return err
	}

	g := graph.New(sessionID, c.Goal)
	latch, err := halt.Acquire(os.TempDir(), sessionID)
	if err != nil {
		return fmt.Errorf("perloop: acquire halt latch: %w", err)
	}

	p := planner.New(llm)
	rf := reflector.New(llm, rt.Broker)
	execCfg := executor.Config{
		MaxSteps:                 cfg.Executor.MaxSteps,
		MessageCompressThreshold: cfg.Executor.MessageCompressThreshold,
		TokenCompressThreshold:   cfg.Executor.TokenCompressThreshold,
		NoArtifactsPatience:      cfg.Executor.NoArtifactsPatience,
		FailureThreshold:         cfg.Executor.FailureThreshold,
		RecentMessagesKeep:       cfg.Executor.RecentMessagesKeep,
		CompressInterval:         cfg.Executor.CompressInterval,
		ToolTimeout:              cfg.Executor.ToolTimeout,
		MaxOutputLength:          cfg.Executor.MaxOutputLength,
	}
	ex := executor.New(execCfg, g, llm, rt.Tools, latch, nil, rt.Broker, "")

	humanInTheLoop := cfg.HITL.Enabled && !c.NoHITL
	interventionMgr := intervention.New(intervention.NewMemStore(), rt.Broker, humanInTheLoop)

	var web *webApprovalServer
	if humanInTheLoop && c.WebApprovalAddr != "" {
		web = newWebApprovalServer(log)
		srv := &http.Server{Addr: c.WebApprovalAddr, Handler: web.handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error(err, "web approval server exited")
			}
		}()
		defer srv.Close()
	}
	if humanInTheLoop {
		watcher := newApprovalWatcher(interventionMgr, sessionID, web, log)
		go watcher.run(ctx)
	}

	orch := orchestrator.New(g, p, rf, ex, interventionMgr, c.Goal, cfg.HITL.ApprovalTimeout)

	eng := inmem.New()
	const workflowName = "mission"
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: workflowName,
		Handler: func(wctx engine.WorkflowContext, _ any) (any, error) {
			return orch.Run(wctx.Context())
		},
	}); err != nil {
		return fmt.Errorf("perloop: register mission workflow: %w", err)
	}

	runID := "mission-" + sessionID
	now := time.Now()
	if err := sessions.UpsertRun(ctx, session.RunMeta{RunID: runID, SessionID: sessionID, Status: session.RunStatusRunning, StartedAt: now, UpdatedAt: now}); err != nil {
		return fmt.Errorf("perloop: record run start: %w", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       runID,
		Workflow: workflowName,
	})
	if err != nil {
		return fmt.Errorf("perloop: start mission: %w", err)
	}

	var result orchestrator.RunResult
	runStatus := session.RunStatusCompleted
	waitErr := handle.Wait(ctx, &result)
	if waitErr != nil {
		runStatus = session.RunStatusFailed
	}
	_ = sessions.UpsertRun(ctx, session.RunMeta{RunID: runID, SessionID: sessionID, Status: runStatus, StartedAt: now, UpdatedAt: time.Now()})
	_, _ = sessions.EndSession(ctx, sessionID, time.Now())
	if waitErr != nil {
		return fmt.Errorf("perloop: mission run: %w", waitErr)
	}

	if result.Accomplished {
		fmt.Printf("mission accomplished: %s\n", result.MissionBriefing)
	} else {
		fmt.Println("mission stopped: no further executable subtasks")
	}
	return nil
}

func buildLLMClient(cfg config.Config) (model.Client, error) {
	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("perloop: %s is not set", cfg.LLM.APIKeyEnv)
	}
	opts := []anthropic.Option{anthropic.WithMaxTokens(cfg.LLM.MaxTokens)}
	return anthropic.New(apiKey, opts...), nil
}
