package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perloop-ai/perloop/broker"
	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/model"
)

// Reflector audits finished subtasks and, once a mission goal has been
// reached, condenses the winning path into a reusable strategy record.
type Reflector struct {
	llm model.Client
	bus broker.Broker // optional; nil is a valid no-op bus
}

// New constructs a Reflector. bus may be nil if reflection events need not
// be published.
func New(llm model.Client, bus broker.Broker) *Reflector {
	return &Reflector{llm: llm, bus: bus}
}

// Reflect audits subtaskID's finished run: its execution log, the staged
// causal nodes it proposed, and the operations the Executor's final turn
// produced. A parse or model failure does not propagate as an error; it
// fails open to a FAILED audit result carrying the failure as a logic
// issue, matching original_source/core/reflector.py's except block exactly.
func (r *Reflector) Reflect(
	ctx context.Context,
	g *graph.Manager,
	subtaskID string,
	outcome string,
	proposedChanges []graph.GraphOperation,
	fullGraphSummary string,
	dependencyContext []string,
) (Result, model.Usage, error) {
	st, ok := g.Subtask(subtaskID)
	if !ok {
		return failOpenResult(fmt.Sprintf("unknown subtask %q", subtaskID)), model.Usage{}, nil
	}

	executionLog := g.ExecutionLog(subtaskID)
	failurePatterns := g.AnalyzeFailurePatterns()

	prompt := buildReflectPrompt(subtaskID, st, outcome, executionLog, proposedChanges, st.StagedCausalNodes, fullGraphSummary, dependencyContext, failurePatterns)

	parsed, usage, err := model.CompleteJSON(ctx, r.llm, model.Request{
		Role:       model.RoleReflector,
		ExpectJSON: true,
		Messages: []model.Message{
			{Role: "system", Content: reflectSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		r.emit(g, subtaskID, "reflection_completed", map[string]any{"error": err.Error()})
		return failOpenResult(err.Error()), usage, nil
	}

	var resp wireReflectResponse
	if err := reparse(parsed, &resp); err != nil {
		r.emit(g, subtaskID, "reflection_completed", map[string]any{"error": err.Error()})
		return failOpenResult(err.Error()), usage, nil
	}

	r.emit(g, subtaskID, "reflection_completed", map[string]any{"status": string(resp.AuditResult.Status)})
	return resp.toResult(), usage, nil
}

// ValidateCompletion is the secondary LLM-validator call: a lightweight
// yes/no check of whether completionCriteria is unambiguously satisfied by
// executionLog. It always performs the check when called; nothing in this
// module calls it or reads config.Reflector.SecondaryValidation. Defaults to false on empty
// inputs or any call failure, matching
// original_source/core/reflector.py's _evaluate_success_with_llm.
func (r *Reflector) ValidateCompletion(ctx context.Context, completionCriteria string, executionLog []graph.ExecutionStep) bool {
	if completionCriteria == "" || len(executionLog) == 0 {
		return false
	}
	prompt := fmt.Sprintf(validatorPromptTemplate, completionCriteria, renderExecutionLog(executionLog))
	resp, err := r.llm.Complete(ctx, model.Request{
		Role:     model.RoleReflectorValidator,
		Messages: []model.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return false
	}
	return strings.TrimSpace(strings.ToLower(resp.Text)) == "true"
}

// ReflectGlobal condenses the winning path into a strategy-tactic record.
// Gated strictly on graph.Manager.IsGoalAchieved: if the goal has not been
// achieved, returns a skip result with a nil GlobalInsight without calling
// the model. A parse or model failure also returns a skip-style result
// rather than an error, matching original_source/core/reflector.py's
// reflect_global except block.
func (r *Reflector) ReflectGlobal(ctx context.Context, g *graph.Manager) (GlobalReflection, model.Usage, error) {
	if !g.IsGoalAchieved() {
		return GlobalReflection{Skipped: true, SkipReason: "goal not yet achieved"}, model.Usage{}, nil
	}

	simplified := g.SimplifiedGraph()
	prompt := buildGlobalReflectPrompt(simplified)

	parsed, usage, err := model.CompleteJSON(ctx, r.llm, model.Request{
		Role:       model.RoleReflector,
		ExpectJSON: true,
		Messages: []model.Message{
			{Role: "system", Content: globalReflectSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return GlobalReflection{Skipped: true, SkipReason: err.Error()}, usage, nil
	}

	var resp wireGlobalReflectResponse
	if err := reparse(parsed, &resp); err != nil {
		return GlobalReflection{Skipped: true, SkipReason: err.Error()}, usage, nil
	}

	return GlobalReflection{
		GlobalSummary:     resp.GlobalSummary,
		StrategicAnalysis: resp.StrategicAnalysis,
		GlobalInsight: &GlobalInsight{
			StrategicPrinciple: resp.GlobalInsight.StrategicPrinciple,
			TacticalPlaybook:   resp.GlobalInsight.TacticalPlaybook,
			Applicability:      resp.GlobalInsight.Applicability,
			ExampleTrajectory:  simplified,
		},
	}, usage, nil
}

func failOpenResult(reason string) Result {
	return Result{
		AuditResult: AuditResult{
			Status:            StatusFailed,
			CompletionCheck:   "parse failed",
			LogicIssues:       []string{reason},
			MethodologyIssues: []string{},
		},
		KeyFindings:        []string{},
		ValidatedNodes:     nil,
		Insight:            nil,
		CausalGraphUpdates: graph.CausalCommandBatch{},
	}
}

func (r *Reflector) emit(g *graph.Manager, subtaskID, event string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	payload["subtask_id"] = subtaskID
	r.bus.Emit(event, payload, g.SessionID())
}

// reparse round-trips an any (from model.CompleteJSON's salvage path)
// through encoding/json into a concrete wire struct.
func reparse(parsed any, out any) error {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
