package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// stalledWindow is the default age window for stalled-hypothesis detection
// (spec.md §4.5).
const stalledWindow = 3600 * time.Second

// readyStatusPrefixes are the dependency-status prefixes that count as
// satisfied for ready-batch computation (spec.md §4.9).
var readyStatusPrefixes = []string{"completed", "deprecated", "failed"}

func hasReadyPrefix(status SubtaskStatus) bool {
	for _, p := range readyStatusPrefixes {
		if strings.HasPrefix(string(status), p) {
			return true
		}
	}
	return false
}

// NextExecutableSubtasks returns every non-terminal, not in_progress subtask whose
// dependencies are all satisfied (status beginning with completed,
// deprecated, or failed), ordered by id for determinism.
func (m *Manager) NextExecutableSubtasks() []*Subtask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*Subtask
	ids := make([]string, 0, len(m.subtasks))
	for id := range m.subtasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := m.subtasks[id]
		if IsTerminal(st.Status) || st.Status == StatusInProgress {
			continue
		}
		allSatisfied := true
		for _, dep := range m.dependencyIn[id] {
			depTask, ok := m.subtasks[dep]
			if !ok {
				allSatisfied = false
				break
			}
			if !hasReadyPrefix(depTask.Status) {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			ready = append(ready, st)
		}
	}
	return ready
}

// AttackPath is one scored Evidence -> ... -> Vulnerability simple path.
type AttackPath struct {
	NodeIDs []string
	Score   float64
}

// AnalyzeAttackPaths finds simple paths from Evidence nodes to any
// Vulnerability-family node through Hypothesis intermediates, scored by the
// product of path-hypothesis confidences times (CVSS/10). Ties are broken
// by fewer hops then lexicographic id, per spec.md §4.5.
func (m *Manager) AnalyzeAttackPaths(topN int) []AttackPath {
	m.mu.Lock()
	defer m.mu.Unlock()

	adjacency := make(map[string][]*CausalEdge)
	for _, e := range m.causalEdges {
		adjacency[e.Source] = append(adjacency[e.Source], e)
	}

	var starts []string
	for id, n := range m.causalNodes {
		if n.NodeType == EvidenceNode {
			starts = append(starts, id)
		}
	}
	sort.Strings(starts)

	var paths []AttackPath
	for _, start := range starts {
		m.walkAttackPaths(start, []string{start}, 1.0, adjacency, &paths)
	}

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Score != paths[j].Score {
			return paths[i].Score > paths[j].Score
		}
		if len(paths[i].NodeIDs) != len(paths[j].NodeIDs) {
			return len(paths[i].NodeIDs) < len(paths[j].NodeIDs)
		}
		return strings.Join(paths[i].NodeIDs, ",") < strings.Join(paths[j].NodeIDs, ",")
	})
	if topN > 0 && len(paths) > topN {
		paths = paths[:topN]
	}
	return paths
}

func isVulnerabilityFamily(t CausalNodeType) bool {
	return t == VulnerabilityNode || t == ConfirmedVulnerabilityNode || t == PossibleVulnerabilityNode
}

func (m *Manager) walkAttackPaths(current string, visited []string, score float64, adjacency map[string][]*CausalEdge, out *[]AttackPath) {
	node := m.causalNodes[current]
	if node == nil {
		return
	}
	for _, e := range adjacency[current] {
		target := m.causalNodes[e.Target]
		if target == nil {
			continue
		}
		alreadyVisited := false
		for _, v := range visited {
			if v == e.Target {
				alreadyVisited = true
				break
			}
		}
		if alreadyVisited {
			continue
		}
		nextScore := score
		if target.NodeType == HypothesisNode {
			nextScore *= target.Confidence
		}
		path := append(append([]string{}, visited...), e.Target)
		if isVulnerabilityFamily(target.NodeType) {
			cvss := target.CVSS
			*out = append(*out, AttackPath{NodeIDs: path, Score: nextScore * (cvss / 10.0)})
			continue
		}
		m.walkAttackPaths(e.Target, path, nextScore, adjacency, out)
	}
}

// ContradictionCluster groups a Hypothesis with the Evidence nodes that
// contradict it.
type ContradictionCluster struct {
	HypothesisID string
	Contradictors []string
}

// FailurePatterns bundles the three failure-pattern analyses spec.md §4.5
// groups together.
type FailurePatterns struct {
	ContradictionClusters []ContradictionCluster
	StalledHypotheses     []string
	CompetingHypotheses   []string // Evidence node ids with out-degree >= 2 to Hypotheses
}

// AnalyzeFailurePatterns returns contradiction clusters, stalled hypotheses,
// and competing-hypothesis disambiguation candidates.
func (m *Manager) AnalyzeFailurePatterns() FailurePatterns {
	m.mu.Lock()
	defer m.mu.Unlock()

	var patterns FailurePatterns

	contradictorsByHyp := make(map[string][]string)
	for _, e := range m.causalEdges {
		if e.Label != Contradicts {
			continue
		}
		target := m.causalNodes[e.Target]
		if target != nil && target.NodeType == HypothesisNode {
			contradictorsByHyp[e.Target] = append(contradictorsByHyp[e.Target], e.Source)
		}
	}
	var hypIDs []string
	for id := range contradictorsByHyp {
		hypIDs = append(hypIDs, id)
	}
	sort.Strings(hypIDs)
	for _, id := range hypIDs {
		patterns.ContradictionClusters = append(patterns.ContradictionClusters, ContradictionCluster{
			HypothesisID:  id,
			Contradictors: contradictorsByHyp[id],
		})
	}

	now := m.clock()
	var hypList []string
	for id, n := range m.causalNodes {
		if n.NodeType == HypothesisNode {
			hypList = append(hypList, id)
		}
	}
	sort.Strings(hypList)
	for _, id := range hypList {
		n := m.causalNodes[id]
		if m.isStalledHypothesisLocked(n, now) {
			patterns.StalledHypotheses = append(patterns.StalledHypotheses, id)
		}
	}

	outDegreeToHyp := make(map[string]int)
	for _, e := range m.causalEdges {
		target := m.causalNodes[e.Target]
		if target != nil && target.NodeType == HypothesisNode {
			outDegreeToHyp[e.Source]++
		}
	}
	var evidenceIDs []string
	for id, n := range m.causalNodes {
		if n.NodeType == EvidenceNode && outDegreeToHyp[id] >= 2 {
			evidenceIDs = append(evidenceIDs, id)
		}
	}
	sort.Strings(evidenceIDs)
	patterns.CompetingHypotheses = evidenceIDs

	return patterns
}

// isStalledHypothesisLocked implements spec.md §4.5's stalled definition:
// FALSIFIED with no SUPPORTS successor, or age > window with status in
// {PENDING, SUPPORTED} and no neighbor created after it. Must be called
// with m.mu held.
func (m *Manager) isStalledHypothesisLocked(n *CausalNode, now time.Time) bool {
	if n.Status == CausalFalsified {
		for _, e := range m.causalEdges {
			if e.Source == n.ID && e.Label == Supports {
				return false
			}
		}
		return true
	}
	if n.Status == CausalPending || n.Status == CausalSupported {
		if now.Sub(n.CreatedAt) <= stalledWindow {
			return false
		}
		for _, e := range m.causalInEdges[n.ID] {
			if e.CreatedAt.After(n.CreatedAt) {
				return false
			}
		}
		for _, e := range m.causalEdges {
			if e.Source == n.ID {
				other := m.causalNodes[e.Target]
				if other != nil && other.CreatedAt.After(n.CreatedAt) {
					return false
				}
			}
		}
		return true
	}
	return false
}

// RelevantCausalContext bundles the per-subtask causal digest handed to
// prompt assembly and to the Reflector.
type RelevantCausalContext struct {
	TopHypotheses          []CausalNode
	KeyFacts               []CausalNode
	ConfirmedVulns         []CausalNode
	TopAttackPaths         []AttackPath
	Patterns               FailurePatterns
}

// GetRelevantCausalContext assembles the digest spec.md §4.5 lists: top-N
// hypotheses by confidence, key facts, confirmed vulnerabilities, top-N
// attack paths, and failure patterns.
func (m *Manager) GetRelevantCausalContext(subtaskID string, topNHypotheses, topNPaths int) RelevantCausalContext {
	var ctx RelevantCausalContext

	allNodes := m.AllCausalNodes()
	sort.Slice(allNodes, func(i, j int) bool { return allNodes[i].Confidence > allNodes[j].Confidence })

	for _, n := range allNodes {
		switch n.NodeType {
		case HypothesisNode:
			if len(ctx.TopHypotheses) < topNHypotheses {
				ctx.TopHypotheses = append(ctx.TopHypotheses, n)
			}
		case KeyFactNode:
			ctx.KeyFacts = append(ctx.KeyFacts, n)
		case ConfirmedVulnerabilityNode:
			ctx.ConfirmedVulns = append(ctx.ConfirmedVulns, n)
		}
	}
	ctx.TopAttackPaths = m.AnalyzeAttackPaths(topNPaths)
	ctx.Patterns = m.AnalyzeFailurePatterns()
	_ = subtaskID
	return ctx
}

// AddKeyFact is a convenience wrapper that inserts a KeyFact causal node
// with no source step, matching the original's add_key_fact helper.
func (m *Manager) AddKeyFact(description string) *CausalNode {
	return m.AddCausalNode(CausalNode{
		ID:          deriveCausalNodeID("", description, KeyFactNode),
		NodeType:    KeyFactNode,
		Description: description,
	})
}

// Guidance returns a short advisory string combining dependency status and
// relevant causal context for a subtask, consumed by Executor prompt
// assembly (supplemented from original_source's get_guidance_for_subtask).
func (m *Manager) Guidance(subtaskID string) string {
	st, ok := m.Subtask(subtaskID)
	if !ok {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "subtask %s: %s\n", st.ID, st.Description)
	if st.CompletionCriteria != "" {
		fmt.Fprintf(&b, "completion criteria: %s\n", st.CompletionCriteria)
	}
	ctx := m.GetRelevantCausalContext(subtaskID, 5, 3)
	if len(ctx.TopHypotheses) > 0 {
		b.WriteString("top hypotheses:\n")
		for _, h := range ctx.TopHypotheses {
			fmt.Fprintf(&b, "  - %s (%.2f): %s\n", h.ID, h.Confidence, h.Description)
		}
	}
	if len(ctx.Patterns.StalledHypotheses) > 0 {
		fmt.Fprintf(&b, "stalled hypotheses: %s\n", strings.Join(ctx.Patterns.StalledHypotheses, ", "))
	}
	return b.String()
}

// PromptContext is the consolidated structure build_prompt_context in
// original_source assembles for the Executor's prompt-assembly step.
type PromptContext struct {
	Description        string
	CompletionCriteria string
	KeyFacts           []string
	DependencySummaries []string
	CausalContext       RelevantCausalContext
	FailurePatterns     FailurePatterns
}

// PromptContext builds the consolidated per-subtask context the Executor's
// prompt assembly step needs (spec.md §4.6 step 3; supplemented from
// original_source's build_prompt_context).
func (m *Manager) PromptContext(subtaskID string) PromptContext {
	st, _ := m.Subtask(subtaskID)
	ctx := m.GetRelevantCausalContext(subtaskID, 5, 3)

	var keyFacts []string
	for _, n := range ctx.KeyFacts {
		keyFacts = append(keyFacts, n.Description)
	}

	var depSummaries []string
	m.mu.Lock()
	deps := append([]string{}, m.dependencyIn[subtaskID]...)
	m.mu.Unlock()
	for _, dep := range deps {
		if depTask, ok := m.Subtask(dep); ok {
			depSummaries = append(depSummaries, fmt.Sprintf("%s [%s]: %s", depTask.ID, depTask.Status, depTask.Summary))
		}
	}

	pc := PromptContext{
		KeyFacts:            keyFacts,
		DependencySummaries: depSummaries,
		CausalContext:       ctx,
		FailurePatterns:     ctx.Patterns,
	}
	if st != nil {
		pc.Description = st.Description
		pc.CompletionCriteria = st.CompletionCriteria
	}
	return pc
}

// Summary returns a leveled textual graph summary (supplemented from
// original_source's get_full_graph_summary(detail_level)).
func (m *Manager) Summary(detailLevel int) string {
	var b strings.Builder
	subtasks := m.AllSubtasks()
	fmt.Fprintf(&b, "root: %s\n", m.Root().Goal)
	for _, st := range subtasks {
		fmt.Fprintf(&b, "  %s [%s] prio=%d: %s\n", st.ID, st.Status, st.Priority, st.Description)
		if detailLevel >= 2 {
			for _, w := range st.Warnings {
				fmt.Fprintf(&b, "    ! %s\n", w)
			}
		}
	}
	if detailLevel >= 1 {
		b.WriteString(m.CausalGraphSummary())
	}
	return b.String()
}

// CausalGraphSummary renders the causal graph's nodes and edges.
func (m *Manager) CausalGraphSummary() string {
	var b strings.Builder
	nodes := m.AllCausalNodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	b.WriteString("causal graph:\n")
	for _, n := range nodes {
		fmt.Fprintf(&b, "  [%s] %s (%.2f, %s): %s\n", n.NodeType, n.ID, n.Confidence, n.Status, n.Description)
	}
	return b.String()
}

// AttackPathSummary renders the top-N attack paths as text, per
// original_source's get_attack_path_summary(top_n=3).
func (m *Manager) AttackPathSummary(topN int) string {
	paths := m.AnalyzeAttackPaths(topN)
	var b strings.Builder
	for i, p := range paths {
		fmt.Fprintf(&b, "%d. %s (score=%.3f)\n", i+1, strings.Join(p.NodeIDs, " -> "), p.Score)
	}
	return b.String()
}

// ExecutionLog returns every execution step recorded under subtaskID,
// walking the execution tree rooted at it, ordered by sequence number. Used
// by the Reflector to audit a finished subtask's full thought-act-observe
// trail.
func (m *Manager) ExecutionLog(subtaskID string) []ExecutionStep {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ExecutionStep
	var walk func(parent string)
	walk = func(parent string) {
		for _, childID := range m.executionEdges[parent] {
			if step, ok := m.steps[childID]; ok {
				out = append(out, *step)
			}
			walk(childID)
		}
	}
	walk(subtaskID)

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// IsGoalAchieved reports whether any subtask has been marked
// StatusGoalAchieved, the status the orchestrator writes onto a subtask
// when a reflection's audit_result carries status GOAL_ACHIEVED. Gates
// reflect_global, per original_source/core/graph_manager.go's
// is_goal_achieved.
func (m *Manager) IsGoalAchieved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.subtasks {
		if st.Status == StatusGoalAchieved {
			return true
		}
	}
	return false
}

// SimplifiedNode is one node of a SimplifiedGraph.
type SimplifiedNode struct {
	ID          string
	Type        string // "subtask" | "execution_step"
	Status      string
	Description string // populated for subtask nodes
	Thought     string // populated for execution_step nodes
	Tool        string // populated for execution_step nodes
}

// SimplifiedEdge is one edge of a SimplifiedGraph.
type SimplifiedEdge struct {
	Source string
	Target string
	Type   TaskEdgeType
}

// SimplifiedGraph is the successful-path subgraph handed to the global
// reflection prompt as a worked example.
type SimplifiedGraph struct {
	Nodes []SimplifiedNode
	Edges []SimplifiedEdge
}

// findSuccessTriggerNode locates the execution step that produced the
// mission's success signal: the source step of the first ConfirmedVulnerability
// causal node if traceable, else the first TargetArtifact's source step.
// Mirrors original_source/core/graph_manager.go's _find_success_trigger_node.
func (m *Manager) findSuccessTriggerNode() (string, bool) {
	ids := make([]string, 0, len(m.causalNodes))
	for id := range m.causalNodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := m.causalNodes[id]
		if n.NodeType != ConfirmedVulnerabilityNode || n.SourceStepID == "" {
			continue
		}
		if _, ok := m.steps[n.SourceStepID]; ok {
			return n.SourceStepID, true
		}
	}
	for _, id := range ids {
		n := m.causalNodes[id]
		if n.NodeType != TargetArtifactNode || n.SourceStepID == "" {
			continue
		}
		if _, ok := m.steps[n.SourceStepID]; ok {
			return n.SourceStepID, true
		}
	}
	return "", false
}

// ancestorsOf walks the reverse decomposition, execution, and dependency
// edges from id, returning every node reachable backward from it. Used to
// trace the successful path back through SimplifiedGraph.
func (m *Manager) ancestorsOf(id string) map[string]bool {
	reverseDecomp := map[string][]string{}
	for parent, children := range m.decompositionEdges {
		for _, child := range children {
			reverseDecomp[child] = append(reverseDecomp[child], parent)
		}
	}
	reverseExec := map[string][]string{}
	for parent, children := range m.executionEdges {
		for _, child := range children {
			reverseExec[child] = append(reverseExec[child], parent)
		}
	}

	seen := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parents := append(append([]string{}, reverseDecomp[cur]...), reverseExec[cur]...)
		parents = append(parents, m.dependencyIn[cur]...)
		for _, p := range parents {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen
}

// SimplifiedGraph returns the subgraph reachable backward from the mission's
// success-signaling step: its owning subtask chain and every execution step
// along the way. Empty if no confirmed vulnerability or target artifact has
// a traceable source step. Mirrors
// original_source/core/graph_manager.go's get_simplified_graph.
func (m *Manager) SimplifiedGraph() SimplifiedGraph {
	m.mu.Lock()
	defer m.mu.Unlock()

	trigger, ok := m.findSuccessTriggerNode()
	if !ok {
		return SimplifiedGraph{}
	}
	pathNodes := m.ancestorsOf(trigger)
	pathNodes[trigger] = true

	ids := make([]string, 0, len(pathNodes))
	for id := range pathNodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out SimplifiedGraph
	for _, id := range ids {
		if st, ok := m.subtasks[id]; ok {
			out.Nodes = append(out.Nodes, SimplifiedNode{
				ID:          id,
				Type:        string(SubtaskNode),
				Status:      string(st.Status),
				Description: st.Description,
			})
			continue
		}
		if step, ok := m.steps[id]; ok {
			out.Nodes = append(out.Nodes, SimplifiedNode{
				ID:      id,
				Type:    string(ExecutionStepNode),
				Status:  string(step.Status),
				Thought: step.Thought,
				Tool:    step.Action.Tool,
			})
		}
	}

	for parent, children := range m.decompositionEdges {
		for _, child := range children {
			if pathNodes[parent] && pathNodes[child] {
				out.Edges = append(out.Edges, SimplifiedEdge{Source: parent, Target: child, Type: Decomposition})
			}
		}
	}
	for parent, children := range m.executionEdges {
		for _, child := range children {
			if pathNodes[parent] && pathNodes[child] {
				out.Edges = append(out.Edges, SimplifiedEdge{Source: parent, Target: child, Type: Execution})
			}
		}
	}
	for child, parents := range m.dependencyIn {
		for _, parent := range parents {
			if pathNodes[parent] && pathNodes[child] {
				out.Edges = append(out.Edges, SimplifiedEdge{Source: parent, Target: child, Type: Dependency})
			}
		}
	}
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].Source != out.Edges[j].Source {
			return out.Edges[i].Source < out.Edges[j].Source
		}
		return out.Edges[i].Target < out.Edges[j].Target
	})

	return out
}
