// Package orchestrator drives the Planner-Executor-Reflector outer loop
// (spec.md §4.9): apply a plan, run ready subtasks, reflect on each, and
// repeat until the mission is accomplished or the graph runs dry. Grounded
// on original_source/core/agent.go's main loop and _aggregate_intelligence.
package orchestrator

import (
	"sort"

	"github.com/perloop-ai/perloop/executor"
	"github.com/perloop-ai/perloop/graph"
	"github.com/perloop-ai/perloop/reflector"
)

// RunResult is Run's terminal outcome.
type RunResult struct {
	Accomplished    bool
	MissionBriefing string
	CompletionCheck string
}

// finishedRun is one Executor's result from a ready batch.
type finishedRun struct {
	subtaskID string
	outcome   executor.Outcome
	metrics   executor.CycleMetrics
}

// aggregatedIntelligence is the intelligence summary spec.md §4.9 builds
// from a round of completed reflections: concatenated findings and
// validated nodes, collected insights, and the GOAL_ACHIEVED short-circuit.
type aggregatedIntelligence struct {
	Status          reflector.AuditStatus
	CompletionCheck string
	KeyFindings     []string
	ValidatedNodes  []graph.CausalNode
	Insights        []any
}

const aggregatedStatusDefault reflector.AuditStatus = "AGGREGATED"

// aggregateIntelligence concatenates key_findings/validated_nodes across
// completed reflections, collects insights, and short-circuits to
// GOAL_ACHIEVED if any single reflection reported it — the only way the
// orchestrator accomplishes a mission without a Planner-signalled
// accomplishment, per spec.md §4.9.
func aggregateIntelligence(completed map[string]reflector.Result) aggregatedIntelligence {
	agg := aggregatedIntelligence{Status: aggregatedStatusDefault}
	for _, id := range sortedKeys(completed) {
		r := completed[id]
		agg.KeyFindings = append(agg.KeyFindings, r.KeyFindings...)
		agg.ValidatedNodes = append(agg.ValidatedNodes, r.ValidatedNodes...)
		if r.Insight != nil {
			agg.Insights = append(agg.Insights, r.Insight)
		}
		if r.AuditResult.Status == reflector.StatusGoalAchieved {
			agg.Status = reflector.StatusGoalAchieved
			agg.CompletionCheck = r.AuditResult.CompletionCheck
		}
	}
	return agg
}

func sortedKeys(m map[string]reflector.Result) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// subtaskStatusForAudit maps the Reflector's audit vocabulary onto the
// task graph's typed subtask status set. The Reflector's status string is
// authoritative per spec.md §4.8, but the graph package's SubtaskStatus is
// a closed enum (invariant 2/3 enforcement in graph.Manager.UpdateNode
// depends on it), so the mapping lives here rather than passing the raw
// string through.
func subtaskStatusForAudit(status reflector.AuditStatus) graph.SubtaskStatus {
	switch status {
	case reflector.StatusGoalAchieved:
		return graph.StatusGoalAchieved
	case reflector.StatusSuccess, reflector.StatusPartialSuccess:
		return graph.StatusCompleted
	case reflector.StatusFailed:
		return graph.StatusFailed
	default:
		return graph.StatusCompletedError
	}
}
