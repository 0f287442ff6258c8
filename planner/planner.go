package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/model"
)

// Planner turns a goal and the current graph/causal state into a
// sanitized operation batch via an LLM call, per spec.md §4.7.
type Planner struct {
	llm model.Client
}

// New constructs a Planner over the given model transport.
func New(llm model.Client) *Planner {
	return &Planner{llm: llm}
}

// fallbackSubtaskID is the node id assigned to the single recon subtask
// Plan falls back to when the LLM call fails outright, per
// original_source/core/planner.py's fallback_plan.
const fallbackSubtaskID = "subtask_1"

// Plan produces the initial operation batch for a freshly started session.
// A planning failure (after model.CompleteJSON exhausts its salvage
// retries) does not propagate: it falls back to a single preliminary
// reconnaissance subtask so the session always has something runnable,
// matching original_source's fail-open behavior.
func (p *Planner) Plan(ctx context.Context, goal, causalSummary string) ([]graph.GraphOperation, model.Usage, error) {
	prompt := fmt.Sprintf(
		"Mission goal:\n%s\n\nCurrent causal graph summary:\n%s\n\n%s",
		goal, causalSummary, planInstructions,
	)
	parsed, usage, err := model.CompleteJSON(ctx, p.llm, model.Request{
		Role:       model.RolePlanner,
		ExpectJSON: true,
		Messages: []model.Message{
			{Role: "system", Content: planSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return fallbackPlan(goal), usage, nil
	}
	var resp planWireResponse
	if err := reparse(parsed, &resp); err != nil {
		return fallbackPlan(goal), usage, nil
	}
	ops := toGraphOperations(resp.GraphOperations)
	return sanitizeGraphOperations(ops), usage, nil
}

func fallbackPlan(goal string) []graph.GraphOperation {
	return []graph.GraphOperation{{
		Command:     graph.AddNode,
		NodeID:      fallbackSubtaskID,
		Description: fmt.Sprintf("Carry out preliminary reconnaissance to understand the goal: %s", goal),
		Priority:    1,
	}}
}

// DynamicPlan produces the next operation batch after a round of
// reflections, plus a global mission briefing and completion signal. A
// planning failure returns an empty, unaccomplished result rather than an
// error: the orchestrator simply tries again on its next outer-loop
// iteration, matching original_source's fail-open behavior.
func (p *Planner) DynamicPlan(
	ctx context.Context,
	goal, graphSummary, intelligenceSummary, causalSummary string,
	attackPaths []graph.AttackPath,
	failurePatterns graph.FailurePatterns,
	failedTasksSummary string,
) (DynamicPlanResult, model.Usage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission goal:\n%s\n\n", goal)
	fmt.Fprintf(&b, "Graph summary:\n%s\n\n", graphSummary)
	fmt.Fprintf(&b, "Intelligence gathered so far:\n%s\n\n", intelligenceSummary)
	fmt.Fprintf(&b, "Causal graph summary:\n%s\n\n", causalSummary)
	if len(attackPaths) > 0 {
		b.WriteString("Ranked attack paths:\n")
		for _, ap := range attackPaths {
			fmt.Fprintf(&b, "- %s (score %.2f)\n", strings.Join(ap.NodeIDs, " -> "), ap.Score)
		}
		b.WriteString("\n")
	}
	if len(failurePatterns.StalledHypotheses) > 0 {
		fmt.Fprintf(&b, "Stalled hypotheses: %s\n\n", strings.Join(failurePatterns.StalledHypotheses, ", "))
	}
	if failedTasksSummary != "" {
		fmt.Fprintf(&b, "High priority: failed or blocked tasks you must address first:\n%s\n\n", failedTasksSummary)
	}
	b.WriteString(dynamicPlanInstructions)

	parsed, usage, err := model.CompleteJSON(ctx, p.llm, model.Request{
		Role:       model.RolePlanner,
		ExpectJSON: true,
		Messages: []model.Message{
			{Role: "system", Content: planSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return DynamicPlanResult{}, usage, nil
	}
	var resp dynamicPlanWireResponse
	if err := reparse(parsed, &resp); err != nil {
		return DynamicPlanResult{}, usage, nil
	}
	ops := toGraphOperations(resp.GraphOperations)
	return DynamicPlanResult{
		Operations:                sanitizeGraphOperations(ops),
		GlobalMissionBriefing:     resp.GlobalMissionBriefing,
		GlobalMissionAccomplished: resp.GlobalMissionAccomplished,
	}, usage, nil
}

// RegenerateBranchPlan produces a replacement sub-plan for a failed branch.
// descendants is the failed branch root's decomposition subtree (obtained
// via graph.Manager.Descendants); any UPDATE_NODE touching a node inside
// that subtree is rewritten into DEPRECATE_NODE carrying failureReason, per
// spec.md §4.7 and original_source/core/planner.py's regenerate_branch_plan.
func (p *Planner) RegenerateBranchPlan(ctx context.Context, goal, failedBranchRootID, failureReason string, descendants []string) ([]graph.GraphOperation, model.Usage, error) {
	prompt := fmt.Sprintf(
		"Mission goal:\n%s\n\nBranch rooted at %q failed: %s\n\n%s",
		goal, failedBranchRootID, failureReason, regenerateInstructions,
	)
	parsed, usage, err := model.CompleteJSON(ctx, p.llm, model.Request{
		Role:       model.RolePlanner,
		ExpectJSON: true,
		Messages: []model.Message{
			{Role: "system", Content: planSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, usage, nil
	}
	var resp planWireResponse
	if err := reparse(parsed, &resp); err != nil {
		return nil, usage, nil
	}
	ops := toGraphOperations(resp.GraphOperations)
	ops = sanitizeGraphOperations(ops)
	reason := fmt.Sprintf("Branch %q failed: %s", failedBranchRootID, failureReason)
	ops = rewriteSubtreeToDeprecation(ops, failedBranchRootID, reason, descendants)
	return ops, usage, nil
}

func toGraphOperations(wire []wireOperation) []graph.GraphOperation {
	ops := make([]graph.GraphOperation, 0, len(wire))
	for _, w := range wire {
		ops = append(ops, w.toGraphOperation())
	}
	return ops
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

const planSystemPrompt = `You are the planning component of an autonomous task-execution agent. ` +
	`You decompose a mission goal into a graph of subtasks and keep that graph current as work progresses. ` +
	`Respond with a single JSON object and nothing else.`

const planInstructions = `Produce the initial set of subtasks as a JSON object: ` +
	`{"graph_operations": [{"command": "ADD_NODE", "node_data": {"id": "...", "description": "...", ` +
	`"dependencies": [...], "priority": 0, "completion_criteria": "..."}}]}`

const dynamicPlanInstructions = `Produce the next batch of graph operations as a JSON object: ` +
	`{"graph_operations": [...], "global_mission_briefing": "...", "global_mission_accomplished": false}. ` +
	`Set global_mission_accomplished true only when the mission goal is fully satisfied.`

const regenerateInstructions = `Produce a replacement sub-plan for the failed branch as a JSON object: ` +
	`{"graph_operations": [...]}. Any node inside the failed branch that no longer applies should be left out; ` +
	`do not reference the failed branch's node ids in new ADD_NODE dependencies unless they are still valid.`
