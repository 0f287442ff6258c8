package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perloop-ai/perloop/broker"
	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/halt"
	"github.com/perloop-ai/perloop/model"
	"github.com/perloop-ai/perloop/persistence"
	"github.com/perloop-ai/perloop/toolinvoker"
)

// Config mirrors internal/config.ExecutorConfig's tunables (kept decoupled
// from the config package so executor has no import on internal/config).
type Config struct {
	MaxSteps                 int
	MessageCompressThreshold int
	TokenCompressThreshold   int
	NoArtifactsPatience      int
	FailureThreshold         int
	RecentMessagesKeep       int
	CompressInterval         int
	ToolTimeout              time.Duration
	MaxOutputLength          int
}

// ToolCaller is the subset of toolinvoker.Invoker the Executor needs,
// narrowed so tests can substitute a fake.
type ToolCaller interface {
	Call(ctx context.Context, tool string, payload []byte) toolinvoker.Result
}

// Executor runs one subtask's thought-act-observe loop (spec.md §4.6).
type Executor struct {
	cfg    Config
	g      *graph.Manager
	llm    model.Client
	tools  ToolCaller
	latch  *halt.Latch
	sink   *persistence.Sink
	bus    broker.Broker
	toolCatalog string
}

// New constructs an Executor for one Graph Manager session.
func New(cfg Config, g *graph.Manager, llm model.Client, tools ToolCaller, latch *halt.Latch, sink *persistence.Sink, bus broker.Broker, toolCatalog string) *Executor {
	return &Executor{cfg: cfg, g: g, llm: llm, tools: tools, latch: latch, sink: sink, bus: bus, toolCatalog: toolCatalog}
}

// failureTracker holds per-parent consecutive-failure counts for step 6's
// failure-pattern enforcement, scoped to one Run call.
type failureTracker map[string]int

// Run drives subtaskID's thought-act-observe loop to completion or
// termination, returning the outcome and accumulated cycle metrics.
func (e *Executor) Run(ctx context.Context, subtaskID string) (Outcome, CycleMetrics, error) {
	metrics := newCycleMetrics()
	consecutiveNoArtifacts := 0
	failures := failureTracker{}

	st, ok := e.g.Subtask(subtaskID)
	if !ok {
		return OutcomeError, metrics, fmt.Errorf("executor: unknown subtask %q", subtaskID)
	}
	if len(st.ConversationHistory) == 0 {
		e.g.AppendMessage(subtaskID, "system", e.systemPrompt(subtaskID))
	}

	for {
		// 1. halt probe
		if e.latch != nil {
			if sig, halted := e.latch.Poll(); halted {
				e.abortInFlightSteps(subtaskID)
				e.persistTurn(subtaskID, metrics)
				_ = sig
				return OutcomeAbortedByHaltSignal, metrics, nil
			}
		}

		turns := e.g.IncrementTurnCounter(subtaskID)

		// 2. context compression check
		if e.shouldCompress(subtaskID, turns) {
			e.compress(ctx, subtaskID)
		}

		// 3. prompt assembly (system message rebuilt each turn)
		e.g.AppendMessage(subtaskID, "system", e.systemPrompt(subtaskID))

		// 4. LLM call
		turn, usage, err := e.callModel(ctx, subtaskID)
		metrics.PromptTokens += int64(usage.PromptTokens)
		metrics.CompletionTokens += int64(usage.CompletionTokens)
		metrics.CostUSD += usage.CostUSD
		if err != nil {
			e.persistTurn(subtaskID, metrics)
			return OutcomeError, metrics, err
		}
		e.g.AppendMessage(subtaskID, "assistant", turn.Thought)

		// 5. previous-step status reconciliation
		e.reconcileStepStatuses(turn.PreviousStepsStatus)

		// 6. failure-pattern enforcement
		e.enforceFailurePatterns(subtaskID, turn, failures)

		// 7. staged causal nodes
		if len(turn.StagedCausalNodes) > 0 {
			nodes := make([]graph.CausalNode, 0, len(turn.StagedCausalNodes))
			for _, sn := range turn.StagedCausalNodes {
				nodes = append(nodes, sn.toCausalNode(subtaskID))
			}
			if err := e.g.StageProposedCausalNodes(subtaskID, nodes); err != nil {
				e.g.AppendMessage(subtaskID, "system", fmt.Sprintf("warning: failed to stage causal nodes: %s", err))
			}
			consecutiveNoArtifacts = 0
		} else {
			consecutiveNoArtifacts++
		}

		// 8. parallel tool dispatch
		if len(turn.ExecutionOperations) > 0 {
			correctable, err := e.dispatchTools(ctx, subtaskID, turn, metrics)
			if err != nil {
				e.persistTurn(subtaskID, metrics)
				return OutcomeError, metrics, err
			}
			if correctable != "" {
				e.g.AppendMessage(subtaskID, "user", correctable)
				e.persistTurn(subtaskID, metrics)
				continue
			}
		}
		metrics.ExecutionSteps = len(turn.ExecutionOperations)

		// 9. completion check
		if turn.IsSubtaskComplete {
			_ = e.g.UpdateNode(subtaskID, map[string]any{"status": string(graph.StatusCompleted)})
			e.persistTurn(subtaskID, metrics)
			return OutcomeCompleted, metrics, nil
		}

		// 10. termination heuristics
		if e.cfg.MaxSteps > 0 && turns >= e.cfg.MaxSteps {
			e.persistTurn(subtaskID, metrics)
			return OutcomeCompletedViaMaxSteps, metrics, nil
		}
		if e.cfg.NoArtifactsPatience > 0 && consecutiveNoArtifacts >= e.cfg.NoArtifactsPatience {
			e.persistTurn(subtaskID, metrics)
			return OutcomeStalledNoPlan, metrics, nil
		}

		// 11. persist and emit
		e.persistTurn(subtaskID, metrics)
	}
}

func (e *Executor) systemPrompt(subtaskID string) string {
	pc := e.g.PromptContext(subtaskID)
	var b strings.Builder
	fmt.Fprintf(&b, "subtask: %s\n", pc.Description)
	if pc.CompletionCriteria != "" {
		fmt.Fprintf(&b, "completion criteria: %s\n", pc.CompletionCriteria)
	}
	if len(pc.KeyFacts) > 0 {
		fmt.Fprintf(&b, "key facts:\n- %s\n", strings.Join(pc.KeyFacts, "\n- "))
	}
	if len(pc.DependencySummaries) > 0 {
		fmt.Fprintf(&b, "dependencies:\n- %s\n", strings.Join(pc.DependencySummaries, "\n- "))
	}
	fmt.Fprintf(&b, "%s\n", e.g.Guidance(subtaskID))
	if len(pc.FailurePatterns.StalledHypotheses) > 0 {
		fmt.Fprintf(&b, "stalled hypotheses: %s\n", strings.Join(pc.FailurePatterns.StalledHypotheses, ", "))
	}
	if e.toolCatalog != "" {
		fmt.Fprintf(&b, "available tools:\n%s\n", e.toolCatalog)
	}
	return b.String()
}

func (e *Executor) shouldCompress(subtaskID string, turns int) bool {
	history := e.g.ConversationHistory(subtaskID)
	if e.cfg.MessageCompressThreshold > 0 && len(history) > e.cfg.MessageCompressThreshold {
		return true
	}
	if e.cfg.CompressInterval > 0 && turns%e.cfg.CompressInterval == 0 && len(history) > e.cfg.RecentMessagesKeep {
		return true
	}
	if e.cfg.TokenCompressThreshold > 0 {
		chars := 0
		for _, m := range history {
			chars += len(m.Content)
		}
		if chars > e.cfg.TokenCompressThreshold {
			return true
		}
	}
	return false
}

// compress asks the LLM to summarize the conversation's middle slice.
// Compression failure logs (via broker emit) and proceeds uncompressed,
// per spec.md §4.6 step 2.
func (e *Executor) compress(ctx context.Context, subtaskID string) {
	history := e.g.ConversationHistory(subtaskID)
	keep := e.cfg.RecentMessagesKeep
	if keep <= 0 || len(history) <= keep+1 {
		return
	}
	middle := history[1 : len(history)-keep]
	var sb strings.Builder
	for _, m := range middle {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	resp, err := e.llm.Complete(ctx, model.Request{
		Role: model.RoleExecutor,
		Messages: []model.Message{
			{Role: "system", Content: "Summarize the following conversation turns concisely, preserving every concrete fact, tool result, and decision."},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		e.emit(subtaskID, "compression_failed", map[string]any{"error": err.Error()})
		return
	}
	e.g.CompressHistory(subtaskID, resp.Text, keep)
}

func (e *Executor) callModel(ctx context.Context, subtaskID string) (TurnResponse, model.Usage, error) {
	history := e.g.ConversationHistory(subtaskID)
	messages := make([]model.Message, len(history))
	for i, m := range history {
		messages[i] = model.Message{Role: m.Role, Content: m.Content}
	}
	parsed, usage, err := model.CompleteJSON(ctx, e.llm, model.Request{Messages: messages, Role: model.RoleExecutor, ExpectJSON: true})
	if err != nil {
		return TurnResponse{}, usage, err
	}
	raw, err := json.Marshal(parsed)
	if err != nil {
		return TurnResponse{}, usage, fmt.Errorf("executor: re-marshal turn response: %w", err)
	}
	var turn TurnResponse
	if err := json.Unmarshal(raw, &turn); err != nil {
		return TurnResponse{}, usage, fmt.Errorf("executor: decode turn response: %w", err)
	}
	return turn, usage, nil
}

func (e *Executor) reconcileStepStatuses(reported map[string]string) {
	for stepID, status := range reported {
		switch status {
		case "completed":
			e.g.UpdateStepStatus(stepID, graph.StepCompleted, "", false, 0)
		case "failed":
			e.g.UpdateStepStatus(stepID, graph.StepFailed, "", false, 0)
		}
	}
}

func (e *Executor) enforceFailurePatterns(subtaskID string, turn TurnResponse, failures failureTracker) {
	anyFailed := false
	for _, status := range turn.PreviousStepsStatus {
		if status == "failed" {
			anyFailed = true
		}
	}
	if anyFailed {
		failures[subtaskID]++
	} else {
		failures[subtaskID] = 0
	}
	if e.cfg.FailureThreshold > 0 && failures[subtaskID] >= e.cfg.FailureThreshold {
		e.g.AppendMessage(subtaskID, "user", "Repeated failures detected. You must call the hypothesis-formulation tool before proceeding further.")
		failures[subtaskID] = 0
	}
	if turn.HypothesisUpdate.ContradictionDetected != "" {
		e.g.AppendMessage(subtaskID, "user", fmt.Sprintf("A contradiction was detected (%s). Reflect on this before continuing.", turn.HypothesisUpdate.ContradictionDetected))
	}
}

// dispatchTools launches every EXECUTE_NOW operation concurrently and
// returns a non-empty correctable-error message if any result is a
// correctable failure, per spec.md §4.6 step 8.
func (e *Executor) dispatchTools(ctx context.Context, subtaskID string, turn TurnResponse, metrics CycleMetrics) (string, error) {
	type outcome struct {
		stepID  string
		result  toolinvoker.Result
		call    ToolCall
	}
	outcomes := make([]outcome, len(turn.ExecutionOperations))

	grp, gctx := errgroup.WithContext(ctx)
	for i, call := range turn.ExecutionOperations {
		i, call := i, call
		stepID := subtaskID + "_" + call.NodeID
		parent := call.ParentID
		if parent == "" {
			parent = subtaskID
		}
		payload, _ := json.Marshal(call.Action.Params)
		if _, err := e.g.AddExecutionStep(stepID, parent, call.Thought, graph.ToolAction{Tool: call.Action.Tool, Params: call.Action.Params}, graph.StepInProgress, nil); err != nil {
			return "", fmt.Errorf("executor: add execution step %q: %w", stepID, err)
		}
		grp.Go(func() error {
			callCtx := gctx
			var cancel context.CancelFunc
			if e.cfg.ToolTimeout > 0 {
				callCtx, cancel = context.WithTimeout(gctx, e.cfg.ToolTimeout)
				defer cancel()
			}
			res := e.tools.Call(callCtx, call.Action.Tool, payload)
			outcomes[i] = outcome{stepID: stepID, result: res, call: call}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return "", err
	}

	var corrections []string
	var observations []string
	for _, o := range outcomes {
		metrics.ToolCallCounts[o.call.Action.Tool]++
		if o.result.Err != nil {
			switch o.result.Err.Type {
			case toolinvoker.ErrorSyntax, toolinvoker.ErrorMissingTool:
				corrections = append(corrections, fmt.Sprintf("tool %q failed (%s): %s", o.call.Action.Tool, o.result.Err.Type, o.result.Err.Message))
				continue
			default:
				e.g.UpdateStepStatus(o.stepID, graph.StepFailed, o.result.Err.Message, false, len(o.result.Err.Message))
				observations = append(observations, fmt.Sprintf("[%s] failed: %s", o.stepID, o.result.Err.Message))
				continue
			}
		}
		observation, truncated, originalLen := e.truncate(string(o.result.Payload))
		e.g.UpdateStepStatus(o.stepID, graph.StepCompleted, observation, truncated, originalLen)
		observations = append(observations, fmt.Sprintf("[%s] %s", o.stepID, observation))
	}

	if len(corrections) > 0 {
		return "Correct the following and retry:\n" + strings.Join(corrections, "\n"), nil
	}
	if len(observations) > 0 {
		e.g.AppendMessage(subtaskID, "user", strings.Join(observations, "\n"))
	}
	ids := make([]string, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.stepID
	}
	e.g.SetLastStepIDs(subtaskID, ids)
	return "", nil
}

func (e *Executor) truncate(s string) (string, bool, int) {
	originalLen := len(s)
	if e.cfg.MaxOutputLength <= 0 || len(s) <= e.cfg.MaxOutputLength {
		return s, false, originalLen
	}
	return s[:e.cfg.MaxOutputLength], true, originalLen
}

func (e *Executor) abortInFlightSteps(subtaskID string) {
	ids := e.g.ConversationHistory(subtaskID) // touch to ensure subtask exists; no-op otherwise
	_ = ids
	if st, ok := e.g.Subtask(subtaskID); ok {
		for _, id := range st.LastStepIDs {
			e.g.UpdateStepStatus(id, graph.StepAborted, "", false, 0)
		}
	}
}

func (e *Executor) persistTurn(subtaskID string, metrics CycleMetrics) {
	history := e.g.ConversationHistory(subtaskID)
	st, _ := e.g.Subtask(subtaskID)
	var lastStepIDs []string
	if st != nil {
		lastStepIDs = st.LastStepIDs
	}
	if e.sink != nil {
		data := map[string]any{
			"conversation_length": len(history),
			"last_step_ids":       lastStepIDs,
			"prompt_tokens":       metrics.PromptTokens,
			"completion_tokens":   metrics.CompletionTokens,
			"cost_usd":            metrics.CostUSD,
			"tool_call_counts":    metrics.ToolCallCounts,
			"execution_steps":     metrics.ExecutionSteps,
		}
		e.sink.UpsertNode(persistence.NodeRecord{
			SessionID: e.g.SessionID(), NodeID: subtaskID, GraphType: persistence.TaskGraph,
			Type: "subtask", Data: data, UpdatedAt: e.g.Now(),
		})
	}
	e.emit(subtaskID, "turn_completed", map[string]any{"prompt_tokens": metrics.PromptTokens})
}

func (e *Executor) emit(subtaskID, eventType string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	payload["subtask_id"] = subtaskID
	e.bus.Emit(eventType, payload, e.g.SessionID())
}
