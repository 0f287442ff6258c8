// Package executor runs a single subtask as a thought-act-observe loop
// until it completes or terminates, per spec.md §4.6. Grounded on
// _examples/goadesign-goa-ai/runtime/agent/runtime/runtime.go's turn-loop shape (halt probe,
// message assembly, model call, tool dispatch, persist) generalized from a
// single conversation to one subtask within the larger task/causal graph.
package executor

import (
	"github.com/perloop-ai/perloop/graph"
)

// Outcome is the terminal classification of a subtask run, named exactly as
// spec.md §4.6 enumerates (including the hyphenated completed-via-max-steps).
type Outcome string

const (
	OutcomeCompleted             Outcome = "completed"
	OutcomeStalledNoPlan         Outcome = "stalled_no_plan"
	OutcomeError                 Outcome = "error"
	OutcomeAbortedByHaltSignal   Outcome = "aborted_by_halt_signal"
	OutcomeAbortedByExternalHalt Outcome = "aborted_by_external_halt_signal"
	OutcomeCompletedViaMaxSteps  Outcome = "completed-via-max-steps"
)

// CycleMetrics accumulates per-subtask usage across every turn of a run,
// persisted after each turn per spec.md §4.6 step 11. ToolCallCounts
// accumulates across turns; ExecutionSteps is set (not summed) to the
// latest turn's step count, matching the spec's explicit distinction.
type CycleMetrics struct {
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	ToolCallCounts   map[string]int
	ExecutionSteps   int
}

func newCycleMetrics() CycleMetrics {
	return CycleMetrics{ToolCallCounts: map[string]int{}}
}

// ToolCall is one entry of execution_operations in the LLM's turn response.
type ToolCall struct {
	Command  string         `json:"command"`
	NodeID   string         `json:"node_id"`
	ParentID string         `json:"parent_id,omitempty"`
	Thought  string         `json:"thought"`
	Action   ToolActionSpec `json:"action"`
}

// ToolActionSpec is the tool/params pair an EXECUTE_NOW operation carries.
type ToolActionSpec struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// TurnResponse is the JSON object the LLM must return every turn
// (spec.md §4.6 step 4).
type TurnResponse struct {
	PreviousStepsStatus map[string]string `json:"previous_steps_status"`
	Thought             string            `json:"thought"`
	ExecutionOperations []ToolCall        `json:"execution_operations"`
	StagedCausalNodes   []StagedNode      `json:"staged_causal_nodes"`
	HypothesisUpdate    HypothesisUpdate  `json:"hypothesis_update"`
	IsSubtaskComplete   bool              `json:"is_subtask_complete"`
}

// StagedNode is the wire shape of a staged causal node before it's resolved
// into a graph.CausalNode by the Graph Manager.
type StagedNode struct {
	ID          string  `json:"id"`
	NodeType    string  `json:"node_type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	CVSS        float64 `json:"cvss"`
}

func (s StagedNode) toCausalNode(sourceStepID string) graph.CausalNode {
	confidence := s.Confidence
	if confidence == 0 {
		confidence = 0.5
	}
	return graph.CausalNode{
		ID:             s.ID,
		NodeType:       graph.CausalNodeType(s.NodeType),
		Description:    s.Description,
		SourceStepID:   sourceStepID,
		Confidence:     confidence,
		Status:         graph.CausalPending,
		CVSS:           s.CVSS,
		IsStagedCausal: true,
	}
}

// HypothesisUpdate carries the turn's self-reported reflection signal.
type HypothesisUpdate struct {
	ContradictionDetected string `json:"contradiction_detected,omitempty"`
	ObservationSummary    string `json:"observation_summary,omitempty"`
}
