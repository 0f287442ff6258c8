// Package planner turns a goal plus current graph/causal state into a
// graph-operation batch, per spec.md §4.7. Grounded on
// _examples/goadesign-goa-ai/runtime/agent/planner/planner.go's Planner contract: PlanStart and
// PlanResume (batch-in, batch-out, metrics-out) are repurposed here as Plan
// and DynamicPlan, since both shapes boil down to "reason over context,
// return a structured batch of next actions plus annotations." The wire
// shape of a graph operation (a "graph_operations" array, ADD_NODE carrying
// a nested node_data object) follows original_source/core/planner.py.
package planner

import (
	"github.com/perloop-ai/perloop/graph"
)

// wireNodeData is the nested payload an ADD_NODE operation carries.
type wireNodeData struct {
	ID                 string         `json:"id"`
	Description        string         `json:"description,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	Priority           int            `json:"priority,omitempty"`
	CompletionCriteria string         `json:"completion_criteria,omitempty"`
	MissionBriefing    any            `json:"mission_briefing,omitempty"`
}

// wireOperation is the JSON shape a planning call's graph operations are
// expected to conform to; it is converted into graph.GraphOperation after
// sanitization.
type wireOperation struct {
	Command  string         `json:"command"`
	NodeData *wireNodeData  `json:"node_data,omitempty"`
	NodeID   string         `json:"node_id,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Updates  map[string]any `json:"updates,omitempty"`
}

func (w wireOperation) toGraphOperation() graph.GraphOperation {
	cmd := graph.GraphOpCommand(w.Command)
	if cmd == graph.AddNode {
		nd := w.NodeData
		if nd == nil {
			nd = &wireNodeData{}
		}
		return graph.GraphOperation{
			Command:            cmd,
			NodeID:             nd.ID,
			Description:        nd.Description,
			Dependencies:       nd.Dependencies,
			Priority:           nd.Priority,
			CompletionCriteria: nd.CompletionCriteria,
			MissionBriefing:    nd.MissionBriefing,
		}
	}
	return graph.GraphOperation{
		Command: cmd,
		NodeID:  w.NodeID,
		Reason:  w.Reason,
		Updates: w.Updates,
	}
}

// planWireResponse is the JSON contract expected back from Plan.
type planWireResponse struct {
	GraphOperations []wireOperation `json:"graph_operations"`
}

// dynamicPlanWireResponse is the JSON contract expected back from
// DynamicPlan, carrying the additional mission-briefing and accomplishment
// signal spec.md §4.7 describes.
type dynamicPlanWireResponse struct {
	GraphOperations           []wireOperation `json:"graph_operations"`
	GlobalMissionBriefing     string          `json:"global_mission_briefing"`
	GlobalMissionAccomplished bool            `json:"global_mission_accomplished"`
}

// DynamicPlanResult is DynamicPlan's return value.
type DynamicPlanResult struct {
	Operations                []graph.GraphOperation
	GlobalMissionBriefing     string
	GlobalMissionAccomplished bool
}
