package graph

// AppendMessage appends a role-tagged message to a subtask's conversation
// history, used by the Executor's prompt-assembly and tool-observation
// steps (spec.md §4.6 steps 3 and 8).
func (m *Manager) AppendMessage(subtaskID, role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[subtaskID]
	if !ok {
		return
	}
	st.ConversationHistory = append(st.ConversationHistory, ConversationMessage{
		Role: role, Content: content, Timestamp: m.clock(),
	})
	st.UpdatedAt = m.clock()
}

// CompressHistory replaces the conversation slice between the first message
// (the system prompt) and the last keepLastK messages with a single summary
// message, per spec.md §4.6 step 2's "summarize-middle-keep-ends" strategy.
// No-op if there's nothing to compress.
func (m *Manager) CompressHistory(subtaskID, summary string, keepLastK int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[subtaskID]
	if !ok {
		return
	}
	h := st.ConversationHistory
	if keepLastK < 0 {
		keepLastK = 0
	}
	if len(h) <= keepLastK+1 {
		return
	}
	head := h[0]
	tail := append([]ConversationMessage{}, h[len(h)-keepLastK:]...)
	summaryMsg := ConversationMessage{Role: "assistant", Content: summary, Timestamp: m.clock()}
	st.ConversationHistory = append([]ConversationMessage{head, summaryMsg}, tail...)
	st.UpdatedAt = m.clock()
}

// ConversationHistory returns a copy of a subtask's message history.
func (m *Manager) ConversationHistory(subtaskID string) []ConversationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[subtaskID]
	if !ok {
		return nil
	}
	return append([]ConversationMessage{}, st.ConversationHistory...)
}

// IncrementTurnCounter bumps a subtask's executed-turn counter and returns
// the new value, used by the compress-interval and max-steps heuristics.
func (m *Manager) IncrementTurnCounter(subtaskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[subtaskID]
	if !ok {
		return 0
	}
	st.TurnCounter++
	st.UpdatedAt = m.clock()
	return st.TurnCounter
}

// SetLastStepIDs records the step ids produced by the most recent turn.
func (m *Manager) SetLastStepIDs(subtaskID string, ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[subtaskID]
	if !ok {
		return
	}
	st.LastStepIDs = ids
	st.UpdatedAt = m.clock()
}
