package reflector

import (
	"fmt"
	"strings"

	"github.com/perloop-ai/perloop/graph"
)

const reflectSystemPrompt = `You are the reflection component of an autonomous task-execution agent. ` +
	`You audit a finished subtask's execution log against its completion criteria, surface logic and ` +
	`methodology issues, and propose causal graph updates. Respond with a single JSON object and nothing else.`

const globalReflectSystemPrompt = `You are the strategic reflection component of an autonomous task-execution agent. ` +
	`A mission goal has just been achieved. Condense the winning path into a reusable strategy-tactic record. ` +
	`Respond with a single JSON object and nothing else.`

const validatorPromptTemplate = `You are a strict audit validator.
- The task's completion criteria is: %q
- The execution log and results are as follows: %s

Based on the log above, has the completion criteria been unambiguously achieved?
Answer only "true" or "false".`

const reflectInstructions = `Respond with a JSON object: ` +
	`{"audit_result": {"status": "GOAL_ACHIEVED"|"SUCCESS"|"PARTIAL_SUCCESS"|"FAILED", "completion_check": "...", ` +
	`"methodology_issues": [...], "logic_issues": [...], "is_strategic_failure": false}, ` +
	`"key_findings": [...], "validated_nodes": [...], "insight": null, ` +
	`"causal_graph_updates": {"nodes": [...], "edges": [...]}}. ` +
	`Use GOAL_ACHIEVED only when this subtask's result satisfies the overall mission goal, not just its own criteria.`

const globalReflectInstructions = `Respond with a JSON object: ` +
	`{"global_summary": "...", "strategic_analysis": "...", "global_insight": {"strategic_principle": "...", ` +
	`"tactical_playbook": [...], "applicability": [...]}}.`

func buildReflectPrompt(
	subtaskID string,
	st *graph.Subtask,
	outcome string,
	executionLog []graph.ExecutionStep,
	proposedChanges []graph.GraphOperation,
	stagedCausalNodes []graph.CausalNode,
	fullGraphSummary string,
	dependencyContext []string,
	patterns graph.FailurePatterns,
) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subtask %q: %s\n", subtaskID, st.Description)
	fmt.Fprintf(&b, "Completion criteria: %s\n", st.CompletionCriteria)
	fmt.Fprintf(&b, "Reported outcome: %s\n\n", outcome)

	b.WriteString("Execution log:\n")
	b.WriteString(renderExecutionLog(executionLog))
	b.WriteString("\n")

	if len(proposedChanges) > 0 {
		b.WriteString("Proposed graph changes from this run:\n")
		for _, op := range proposedChanges {
			fmt.Fprintf(&b, "- %s %s\n", op.Command, op.NodeID)
		}
		b.WriteString("\n")
	}

	if len(stagedCausalNodes) > 0 {
		b.WriteString("Staged causal nodes:\n")
		for _, n := range stagedCausalNodes {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", n.NodeType, n.ID, n.Description)
		}
		b.WriteString("\n")
	}

	if len(dependencyContext) > 0 {
		fmt.Fprintf(&b, "Dependency context:\n%s\n\n", strings.Join(dependencyContext, "\n"))
	}

	fmt.Fprintf(&b, "Full graph summary:\n%s\n\n", fullGraphSummary)

	if len(patterns.ContradictionClusters) > 0 || len(patterns.StalledHypotheses) > 0 {
		b.WriteString("Known failure patterns:\n")
		for _, c := range patterns.ContradictionClusters {
			fmt.Fprintf(&b, "- %s contradicted by: %s\n", c.HypothesisID, strings.Join(c.Contradictors, ", "))
		}
		if len(patterns.StalledHypotheses) > 0 {
			fmt.Fprintf(&b, "- stalled hypotheses: %s\n", strings.Join(patterns.StalledHypotheses, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString(reflectInstructions)
	return b.String()
}

func renderExecutionLog(log []graph.ExecutionStep) string {
	if len(log) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for _, step := range log {
		fmt.Fprintf(&b, "[%d] thought=%q tool=%s status=%s observation=%s\n",
			step.Sequence, step.Thought, step.Action.Tool, step.Status, step.Observation)
	}
	return b.String()
}

func buildGlobalReflectPrompt(simplified graph.SimplifiedGraph) string {
	var b strings.Builder
	b.WriteString("Winning-path subgraph:\n")
	for _, n := range simplified.Nodes {
		switch n.Type {
		case string(graph.SubtaskNode):
			fmt.Fprintf(&b, "- subtask %s (%s): %s\n", n.ID, n.Status, n.Description)
		case string(graph.ExecutionStepNode):
			fmt.Fprintf(&b, "- step %s (%s): thought=%q tool=%s\n", n.ID, n.Status, n.Thought, n.Tool)
		}
	}
	for _, e := range simplified.Edges {
		fmt.Fprintf(&b, "  %s -[%s]-> %s\n", e.Source, e.Type, e.Target)
	}
	b.WriteString("\n")
	b.WriteString(globalReflectInstructions)
	return b.String()
}
