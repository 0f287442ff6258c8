package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perloop-ai/perloop/executor"
	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/intervention"
	"github.com/perloop-ai/perloop/planner"
	"github.com/perloop-ai/perloop/reflector"
)

// Orchestrator drives one session's P-E-R outer loop to completion.
type Orchestrator struct {
	g               *graph.Manager
	planner         *planner.Planner
	reflector       *reflector.Reflector
	exec            *executor.Executor
	intervention    *intervention.Manager
	goal            string
	approvalTimeout time.Duration
}

// New constructs an Orchestrator over one session's Graph Manager and its
// P-E-R adapters. intervention may be nil to skip HITL approval entirely
// (operations apply unconditionally), matching intervention.Manager's own
// humanInTheLoop=false fast path.
func New(g *graph.Manager, p *planner.Planner, r *reflector.Reflector, e *executor.Executor, iv *intervention.Manager, goal string, approvalTimeout time.Duration) *Orchestrator {
	return &Orchestrator{g: g, planner: p, reflector: r, exec: e, intervention: iv, goal: goal, approvalTimeout: approvalTimeout}
}

// Run drives the outer loop (spec.md §4.9) until the mission is
// accomplished or the graph has no more ready work.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	initialOps, _, err := o.planner.Plan(ctx, o.goal, o.g.CausalGraphSummary())
	if err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: initial plan: %w", err)
	}
	if err := o.applyApprovedOperations(ctx, initialOps, "initial_plan"); err != nil {
		return RunResult{}, err
	}

	completed := map[string]reflector.Result{}

	for {
		if len(completed) > 0 {
			agg := aggregateIntelligence(completed)

			dynResult, _, err := o.planner.DynamicPlan(
				ctx,
				o.goal,
				o.g.Summary(1),
				renderAggregatedIntelligence(agg),
				o.g.CausalGraphSummary(),
				o.g.AnalyzeAttackPaths(3),
				o.g.AnalyzeFailurePatterns(),
				o.failedTasksSummary(),
			)
			if err != nil {
				return RunResult{}, fmt.Errorf("orchestrator: dynamic plan: %w", err)
			}

			accomplished := dynResult.GlobalMissionAccomplished || agg.Status == reflector.StatusGoalAchieved
			if err := o.applyApprovedOperations(ctx, dynResult.Operations, "dynamic_plan"); err != nil {
				return RunResult{}, err
			}
			if accomplished {
				return RunResult{
					Accomplished:    true,
					MissionBriefing: dynResult.GlobalMissionBriefing,
					CompletionCheck: agg.CompletionCheck,
				}, nil
			}
			completed = map[string]reflector.Result{}
		}

		batch := o.g.NextExecutableSubtasks()
		if len(batch) == 0 {
			return RunResult{Accomplished: false}, nil
		}

		runs, err := o.runBatch(ctx, batch)
		if err != nil {
			return RunResult{}, err
		}

		for _, fr := range runs {
			reflection, err := o.reflectOn(ctx, fr)
			if err != nil {
				return RunResult{}, err
			}
			completed[fr.subtaskID] = reflection
		}
	}
}

// runBatch runs one Executor per ready subtask concurrently, per spec.md §5's
// "one task per ready subtask in a batch" scheduling model.
func (o *Orchestrator) runBatch(ctx context.Context, batch []*graph.Subtask) ([]finishedRun, error) {
	runs := make([]finishedRun, len(batch))
	grp, gctx := errgroup.WithContext(ctx)
	for i, st := range batch {
		i, id := i, st.ID
		grp.Go(func() error {
			outcome, metrics, err := o.exec.Run(gctx, id)
			if err != nil {
				return fmt.Errorf("orchestrator: run subtask %q: %w", id, err)
			}
			runs[i] = finishedRun{subtaskID: id, outcome: outcome, metrics: metrics}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

// reflectOn audits one finished subtask, applies its causal graph updates,
// and copies its audit status onto the subtask (spec.md §4.9's per-finished
// steps).
func (o *Orchestrator) reflectOn(ctx context.Context, fr finishedRun) (reflector.Result, error) {
	depContext := o.g.PromptContext(fr.subtaskID).DependencySummaries

	reflection, _, err := o.reflector.Reflect(ctx, o.g, fr.subtaskID, string(fr.outcome), nil, o.g.Summary(1), depContext)
	if err != nil {
		return reflector.Result{}, fmt.Errorf("orchestrator: reflect on %q: %w", fr.subtaskID, err)
	}

	validated := o.g.ValidateCausalGraphUpdates(reflection.CausalGraphUpdates, fr.subtaskID)
	if err := o.g.ProcessCausalGraphCommands(validated); err != nil {
		return reflector.Result{}, fmt.Errorf("orchestrator: apply causal updates for %q: %w", fr.subtaskID, err)
	}

	newStatus := subtaskStatusForAudit(reflection.AuditResult.Status)
	if err := o.g.UpdateNode(fr.subtaskID, map[string]any{"status": string(newStatus)}); err != nil {
		return reflector.Result{}, fmt.Errorf("orchestrator: apply audit status to %q: %w", fr.subtaskID, err)
	}

	return reflection, nil
}

// applyApprovedOperations issues an HITL approval request (spec.md §4.9's
// "HITL integration") before applying an operations batch: REJECT drops the
// batch entirely, MODIFY replaces it with the approver's payload.
func (o *Orchestrator) applyApprovedOperations(ctx context.Context, ops []graph.GraphOperation, kind string) error {
	if o.intervention != nil {
		result, err := o.intervention.RequestApproval(ctx, o.g.SessionID(), ops, kind, o.approvalTimeout)
		if err != nil {
			return fmt.Errorf("orchestrator: approval for %s: %w", kind, err)
		}
		switch result.Action {
		case intervention.Reject:
			return nil
		case intervention.Modify:
			ops = coerceOperations(result.Data)
		}
	}

	ops = o.g.VerifyAndHandleOrphans(ops)
	o.g.ApplyGraphOperations(ops)
	return nil
}

// coerceOperations accepts either the native []graph.GraphOperation (an
// in-process MemStore round trip preserves it as-is) or its JSON
// representation (a document-store round trip deserializes it generically),
// matching intervention.Result.Data's "any" contract.
func coerceOperations(data any) []graph.GraphOperation {
	if ops, ok := data.([]graph.GraphOperation); ok {
		return ops
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var ops []graph.GraphOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil
	}
	return ops
}

func (o *Orchestrator) failedTasksSummary() string {
	var b strings.Builder
	for _, st := range o.g.AllSubtasks() {
		if st.Status == graph.StatusFailed {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", st.ID, st.Description, st.Reason)
		}
	}
	return b.String()
}

func renderAggregatedIntelligence(agg aggregatedIntelligence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", agg.Status)
	if agg.CompletionCheck != "" {
		fmt.Fprintf(&b, "completion_check: %s\n", agg.CompletionCheck)
	}
	if len(agg.KeyFindings) > 0 {
		fmt.Fprintf(&b, "findings:\n- %s\n", strings.Join(agg.KeyFindings, "\n- "))
	}
	fmt.Fprintf(&b, "validated_nodes: %d\n", len(agg.ValidatedNodes))
	fmt.Fprintf(&b, "insights: %d\n", len(agg.Insights))
	return b.String()
}
