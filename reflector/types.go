// Package reflector audits a finished subtask's run and, once the mission
// goal is reached, condenses the winning path into a strategy-tactic record,
// per spec.md §4.8. Grounded on original_source/core/reflector.py's
// reflect/reflect_global pair, generalized onto the graph package's typed
// CausalNode/CausalCommandBatch shapes instead of loose dicts.
package reflector

import (
	"github.com/perloop-ai/perloop/graph"
)

// AuditStatus is the Reflector's authoritative verdict on a subtask, copied
// onto the subtask node by the orchestrator.
type AuditStatus string

const (
	StatusGoalAchieved   AuditStatus = "GOAL_ACHIEVED"
	StatusSuccess        AuditStatus = "SUCCESS"
	StatusPartialSuccess AuditStatus = "PARTIAL_SUCCESS"
	StatusFailed         AuditStatus = "FAILED"
)

// AuditResult is the audit_result object of spec.md §4.8.
type AuditResult struct {
	Status             AuditStatus
	CompletionCheck    string
	MethodologyIssues  []string
	LogicIssues        []string
	IsStrategicFailure bool
}

// Result is reflect's full return value.
type Result struct {
	AuditResult        AuditResult
	KeyFindings        []string
	ValidatedNodes     []graph.CausalNode
	Insight            any
	CausalGraphUpdates graph.CausalCommandBatch
}

// GlobalInsight is the strategy-tactic-applicability record reflect_global
// produces once a mission goal has been achieved.
type GlobalInsight struct {
	StrategicPrinciple string
	TacticalPlaybook   []string
	Applicability      []string
	ExampleTrajectory  graph.SimplifiedGraph
}

// GlobalReflection is reflect_global's return value. Skipped is true when
// the goal has not yet been achieved, in which case GlobalInsight is nil.
type GlobalReflection struct {
	GlobalSummary     string
	StrategicAnalysis string
	GlobalInsight     *GlobalInsight
	Skipped           bool
	SkipReason        string
}

// --- wire shapes, the JSON contract expected back from the LLM ---

type wireAuditResult struct {
	Status             string   `json:"status"`
	CompletionCheck    string   `json:"completion_check"`
	MethodologyIssues  []string `json:"methodology_issues"`
	LogicIssues        []string `json:"logic_issues"`
	IsStrategicFailure bool     `json:"is_strategic_failure,omitempty"`
}

type wireCausalNode struct {
	ID           string  `json:"id"`
	NodeType     string  `json:"node_type"`
	Description  string  `json:"description"`
	SourceStepID string  `json:"source_step_id,omitempty"`
	Confidence   float64 `json:"confidence"`
	CVSS         float64 `json:"cvss,omitempty"`
}

func (w wireCausalNode) toCausalNode() graph.CausalNode {
	return graph.CausalNode{
		ID:           w.ID,
		NodeType:     graph.CausalNodeType(w.NodeType),
		Description:  w.Description,
		SourceStepID: w.SourceStepID,
		Confidence:   w.Confidence,
		Status:       graph.CausalPending,
		CVSS:         w.CVSS,
	}
}

type wireCausalEdge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Label    string `json:"label"`
	Strength string `json:"strength"`
}

func (w wireCausalEdge) toCausalEdge() graph.CausalEdge {
	label, _ := graph.NormalizeEdgeLabel(w.Label)
	return graph.CausalEdge{
		Source:   w.Source,
		Target:   w.Target,
		Label:    label,
		Strength: graph.EvidenceStrength(w.Strength),
	}
}

type wireCausalGraphUpdates struct {
	Nodes []wireCausalNode `json:"nodes"`
	Edges []wireCausalEdge `json:"edges"`
}

func (w wireCausalGraphUpdates) toBatch() graph.CausalCommandBatch {
	batch := graph.CausalCommandBatch{
		Nodes: make([]graph.CausalNode, 0, len(w.Nodes)),
		Edges: make([]graph.CausalEdge, 0, len(w.Edges)),
	}
	for _, n := range w.Nodes {
		batch.Nodes = append(batch.Nodes, n.toCausalNode())
	}
	for _, e := range w.Edges {
		batch.Edges = append(batch.Edges, e.toCausalEdge())
	}
	return batch
}

type wireReflectResponse struct {
	AuditResult        wireAuditResult        `json:"audit_result"`
	KeyFindings        []string               `json:"key_findings"`
	ValidatedNodes     []wireCausalNode       `json:"validated_nodes"`
	Insight            any                    `json:"insight"`
	CausalGraphUpdates wireCausalGraphUpdates `json:"causal_graph_updates"`
}

func (w wireReflectResponse) toResult() Result {
	validated := make([]graph.CausalNode, 0, len(w.ValidatedNodes))
	for _, n := range w.ValidatedNodes {
		validated = append(validated, n.toCausalNode())
	}
	return Result{
		AuditResult: AuditResult{
			Status:             AuditStatus(w.AuditResult.Status),
			CompletionCheck:    w.AuditResult.CompletionCheck,
			MethodologyIssues:  w.AuditResult.MethodologyIssues,
			LogicIssues:        w.AuditResult.LogicIssues,
			IsStrategicFailure: w.AuditResult.IsStrategicFailure,
		},
		KeyFindings:        w.KeyFindings,
		ValidatedNodes:     validated,
		Insight:            w.Insight,
		CausalGraphUpdates: w.CausalGraphUpdates.toBatch(),
	}
}

type wireGlobalInsight struct {
	StrategicPrinciple string   `json:"strategic_principle"`
	TacticalPlaybook   []string `json:"tactical_playbook"`
	Applicability      []string `json:"applicability"`
}

type wireGlobalReflectResponse struct {
	GlobalSummary     string            `json:"global_summary"`
	StrategicAnalysis string            `json:"strategic_analysis"`
	GlobalInsight     wireGlobalInsight `json:"global_insight"`
}
