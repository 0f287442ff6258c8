package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionLogOrdersStepsBySequence(t *testing.T) {
	m := New("s1", "goal")
	m.AddSubtask("t1", "recon", nil, 0, "", "", nil)

	_, err := m.AddExecutionStep("s1_a", "t1", "scan", ToolAction{Tool: "nmap"}, StepInProgress, nil)
	require.NoError(t, err)
	_, err = m.AddExecutionStep("s1_b", "t1", "enumerate", ToolAction{Tool: "gobuster"}, StepInProgress, nil)
	require.NoError(t, err)
	// a step nested under a prior step, still attributed to the owning subtask
	_, err = m.AddExecutionStep("s1_c", "s1_a", "follow up", ToolAction{Tool: "nmap"}, StepInProgress, nil)
	require.NoError(t, err)

	log := m.ExecutionLog("t1")
	require.Len(t, log, 3)
	assert.Equal(t, "s1_a", log[0].ID)
	assert.Equal(t, "s1_b", log[1].ID)
	assert.Equal(t, "s1_c", log[2].ID)
}

func TestExecutionLogEmptyForUntouchedSubtask(t *testing.T) {
	m := New("s1", "goal")
	m.AddSubtask("t1", "recon", nil, 0, "", "", nil)
	assert.Empty(t, m.ExecutionLog("t1"))
}

func TestIsGoalAchievedFalseUntilSubtaskMarked(t *testing.T) {
	m := New("s1", "goal")
	m.AddSubtask("t1", "recon", nil, 0, "", "", nil)
	assert.False(t, m.IsGoalAchieved())

	require.NoError(t, m.UpdateNode("t1", map[string]any{"status": string(StatusGoalAchieved)}))
	assert.True(t, m.IsGoalAchieved())
}

func TestSimplifiedGraphEmptyWithoutTraceableTrigger(t *testing.T) {
	m := New("s1", "goal")
	m.AddSubtask("t1", "recon", nil, 0, "", "", nil)
	sg := m.SimplifiedGraph()
	assert.Empty(t, sg.Nodes)
	assert.Empty(t, sg.Edges)
}

func TestSimplifiedGraphTracesBackFromConfirmedVulnerability(t *testing.T) {
	m := New("s1", "goal")
	m.AddSubtask("t1", "recon", nil, 0, "", "", nil)
	step, err := m.AddExecutionStep("s1_a", "t1", "probe the service", ToolAction{Tool: "nmap"}, StepCompleted, nil)
	require.NoError(t, err)

	err = m.ProcessCausalGraphCommands(CausalCommandBatch{
		Nodes: []CausalNode{
			{
				ID:           "cv1",
				NodeType:     ConfirmedVulnerabilityNode,
				Description:  "confirmed RCE",
				SourceStepID: step.ID,
				Confidence:   0.95,
				Status:       CausalConfirmed,
			},
		},
	})
	require.NoError(t, err)

	sg := m.SimplifiedGraph()
	require.NotEmpty(t, sg.Nodes)

	byID := map[string]SimplifiedNode{}
	for _, n := range sg.Nodes {
		byID[n.ID] = n
	}
	assert.Contains(t, byID, "t1")
	assert.Contains(t, byID, step.ID)
	assert.Equal(t, "nmap", byID[step.ID].Tool)

	foundExecEdge := false
	for _, e := range sg.Edges {
		if e.Source == "t1" && e.Target == step.ID && e.Type == Execution {
			foundExecEdge = true
		}
	}
	assert.True(t, foundExecEdge)
}
