// Package graph owns the dual-graph data model at the heart of perloop: a
// task decomposition graph and a causal inference graph sharing one session.
// Manager is the sole mutator of both graphs; every other package reaches
// them only through its query and operation methods.
package graph

import "time"

// TaskNodeType enumerates the three node kinds in the task graph.
type TaskNodeType string

const (
	RootTaskNode      TaskNodeType = "root_task"
	SubtaskNode       TaskNodeType = "subtask"
	ExecutionStepNode TaskNodeType = "execution_step"
)

// TaskEdgeType enumerates the typed edges of the task graph.
type TaskEdgeType string

const (
	Decomposition TaskEdgeType = "decomposition"
	Dependency    TaskEdgeType = "dependency"
	Execution     TaskEdgeType = "execution"
	Produces      TaskEdgeType = "produces"
)

// SubtaskStatus is the lifecycle of a subtask node.
type SubtaskStatus string

const (
	StatusPending        SubtaskStatus = "pending"
	StatusInProgress     SubtaskStatus = "in_progress"
	StatusCompleted      SubtaskStatus = "completed"
	StatusFailed          SubtaskStatus = "failed"
	StatusBlocked         SubtaskStatus = "blocked"
	StatusDeprecated      SubtaskStatus = "deprecated"
	StatusStalledOrphan   SubtaskStatus = "stalled_orphan"
	StatusCompletedError  SubtaskStatus = "completed_error"
	StatusGoalAchieved    SubtaskStatus = "goal_achieved"
)

// terminalStatuses holds the set of statuses a subtask can never leave, per
// spec invariant 2.
var terminalStatuses = map[SubtaskStatus]bool{
	StatusCompleted:      true,
	StatusFailed:         true,
	StatusDeprecated:     true,
	StatusStalledOrphan:  true,
	StatusCompletedError: true,
	StatusGoalAchieved:   true,
}

// IsTerminal reports whether s is a terminal subtask status.
func IsTerminal(s SubtaskStatus) bool { return terminalStatuses[s] }

// ExecutionStepStatus is the lifecycle of an execution step.
type ExecutionStepStatus string

const (
	StepPending    ExecutionStepStatus = "pending"
	StepInProgress ExecutionStepStatus = "in_progress"
	StepCompleted  ExecutionStepStatus = "completed"
	StepFailed     ExecutionStepStatus = "failed"
	StepAborted    ExecutionStepStatus = "aborted"
)

// ExecutionSummaryCache memoizes the execution log summary for a subtask so
// it need not be rebuilt on every prompt assembly.
type ExecutionSummaryCache struct {
	LastSequence int64
	UpdatedAt    time.Time
	Summary      string
}

// ConversationMessage is one role-tagged turn in a subtask's history.
type ConversationMessage struct {
	Role      string // "system" | "user" | "assistant"
	Content   string
	Timestamp time.Time
}

// Subtask is a node in the task graph representing a unit of work.
type Subtask struct {
	ID                  string
	Description         string
	Status              SubtaskStatus
	Priority            int
	Reason              string
	CompletionCriteria  string
	MissionBriefing     any
	Summary             string
	Artifacts           []string
	StagedCausalNodes   []CausalNode
	ConversationHistory []ConversationMessage
	TurnCounter         int
	LastStepIDs         []string
	ExecutionSummary    ExecutionSummaryCache
	Warnings            []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ToolAction describes a tool invocation requested by an execution step.
type ToolAction struct {
	Tool   string
	Params map[string]any
}

// ExecutionStep is a single thought-act-observe record within a subtask.
type ExecutionStep struct {
	ID                 string
	ParentID           string
	Thought            string
	Action             ToolAction
	Observation        string
	ObservationTruncated bool
	OriginalLength     int
	Status             ExecutionStepStatus
	Sequence           int64
	HypothesisUpdate   map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RootTask is created once at session start and never deleted.
type RootTask struct {
	Goal      string
	Status    string
	CreatedAt time.Time
}

// CausalNodeType enumerates the ten node kinds in the causal graph.
type CausalNodeType string

const (
	EvidenceNode              CausalNodeType = "Evidence"
	HypothesisNode             CausalNodeType = "Hypothesis"
	VulnerabilityNode          CausalNodeType = "Vulnerability"
	ConfirmedVulnerabilityNode CausalNodeType = "ConfirmedVulnerability"
	PossibleVulnerabilityNode  CausalNodeType = "PossibleVulnerability"
	ExploitNode                CausalNodeType = "Exploit"
	CredentialNode             CausalNodeType = "Credential"
	SystemPropertyNode         CausalNodeType = "SystemProperty"
	TargetArtifactNode         CausalNodeType = "TargetArtifact"
	KeyFactNode                CausalNodeType = "KeyFact"
)

// CausalEdgeLabel is the relation carried by a causal-graph edge.
type CausalEdgeLabel string

const (
	Supports    CausalEdgeLabel = "SUPPORTS"
	Contradicts CausalEdgeLabel = "CONTRADICTS"
	Reveals     CausalEdgeLabel = "REVEALS"
	Exploits    CausalEdgeLabel = "EXPLOITS"
	Mitigates   CausalEdgeLabel = "MITIGATES"
)

// edgeLabelSynonyms maps loosely-worded planner/LLM output onto the five
// canonical labels, per spec.md §3's "input-normalization" requirement.
var edgeLabelSynonyms = map[string]CausalEdgeLabel{
	"supports":     Supports,
	"support":      Supports,
	"confirms":     Supports,
	"contradicts":  Contradicts,
	"contradict":   Contradicts,
	"refutes":      Contradicts,
	"reveals":      Reveals,
	"reveal":       Reveals,
	"discloses":    Reveals,
	"exploits":     Exploits,
	"exploit":      Exploits,
	"leverages":    Exploits,
	"mitigates":    Mitigates,
	"mitigate":     Mitigates,
	"remediates":   Mitigates,
}

// NormalizeEdgeLabel maps a raw label string (any case, any recognized
// synonym) onto the canonical CausalEdgeLabel set. ok is false if the input
// does not match any known label or synonym.
func NormalizeEdgeLabel(raw string) (label CausalEdgeLabel, ok bool) {
	direct := CausalEdgeLabel(raw)
	switch direct {
	case Supports, Contradicts, Reveals, Exploits, Mitigates:
		return direct, true
	}
	if l, found := edgeLabelSynonyms[toLower(raw)]; found {
		return l, true
	}
	return "", false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// CausalNodeStatus is the lifecycle tag of a causal node, primarily used by
// Hypothesis nodes to record the outcome of confidence propagation.
type CausalNodeStatus string

const (
	CausalPending            CausalNodeStatus = "PENDING"
	CausalSupported          CausalNodeStatus = "SUPPORTED"
	CausalContradicted       CausalNodeStatus = "CONTRADICTED"
	CausalFalsified          CausalNodeStatus = "FALSIFIED"
	CausalConfirmed          CausalNodeStatus = "CONFIRMED"
	CausalReEvaluationPending CausalNodeStatus = "RE_EVALUATION_PENDING"
)

// EvidenceStrength classifies how decisive a causal edge is, per spec.md
// §4.5's confidence-propagation rules.
type EvidenceStrength string

const (
	Necessary EvidenceStrength = "necessary"
	Contingent EvidenceStrength = "contingent"
)

// CausalNode is a node in the causal inference graph.
type CausalNode struct {
	ID             string
	NodeType       CausalNodeType
	Description    string
	SourceStepID   string // nullable: empty means no source step
	Confidence     float64
	Status         CausalNodeStatus
	CVSS           float64 // meaningful for Vulnerability-family nodes
	ReEvalNeeded   bool
	IsStagedCausal bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Vetoed records that a NECESSARY edge has already
	// decided this node's fate (spec invariant 6, "NECESSARY veto");
	// subsequent CONTINGENT edges must not move it.
	Vetoed bool
}

// CausalEdge is a typed, labeled edge in the causal graph.
type CausalEdge struct {
	ID        string
	Source    string
	Target    string
	Label     CausalEdgeLabel
	Strength  EvidenceStrength
	CreatedAt time.Time
}

// GraphOpCommand enumerates the planner/reflector operation vocabulary
// applied to the task graph.
type GraphOpCommand string

const (
	AddNode       GraphOpCommand = "ADD_NODE"
	UpdateNode    GraphOpCommand = "UPDATE_NODE"
	DeleteNode    GraphOpCommand = "DELETE_NODE"
	DeprecateNode GraphOpCommand = "DEPRECATE_NODE"
)

// GraphOperation is one entry in a planner-produced operation batch.
type GraphOperation struct {
	Command            GraphOpCommand
	NodeID              string
	Description         string
	Dependencies        []string
	Priority            int
	Reason              string
	CompletionCriteria  string
	MissionBriefing     any
	Updates             map[string]any
}

// CausalCommandBatch is the payload of process_causal_graph_commands: a set
// of node inserts followed by a set of edge inserts resolved against them.
type CausalCommandBatch struct {
	Nodes []CausalNode
	Edges []CausalEdge
}
