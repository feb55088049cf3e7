package state

// AgentRuntime is the per-agent live status block exposed to the dashboard
// under agent_runtime[agent_id].
type AgentRuntime struct {
	Kind   string `json:"kind"`
	Role   string `json:"role"`
	Status string `json:"status"`
	Phase  string `json:"phase"`
}

// SetAgentRuntime records one agent's runtime status and recomputes the
// derived family-level statuses under the same lock.
func (s *Store) SetAgentRuntime(agentID, kind, role, status, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runtime, _ := s.state["agent_runtime"].(map[string]any)
	if runtime == nil {
		runtime = map[string]any{}
	}
	runtime[agentID] = map[string]any{
		"kind":   kind,
		"role":   role,
		"status": status,
		"phase":  phase,
	}
	s.state["agent_runtime"] = runtime

	// Family-level rollups are derived, never set independently.
	reviewerStatus, reviewerPhase := "Stopped", "idle"
	executorStatus, executorPhase := "Stopped", "idle"
	for _, v := range runtime {
		entry, _ := v.(map[string]any)
		if entry == nil {
			continue
		}
		st, _ := entry["status"].(string)
		ph, _ := entry["phase"].(string)
		if st != "running" {
			continue
		}
		switch entry["kind"] {
		case "codex":
			reviewerStatus, reviewerPhase = "Running", ph
		case "claude":
			executorStatus, executorPhase = "Running", ph
		}
	}
	s.state["codex_status"] = reviewerStatus
	s.state["codex_phase"] = reviewerPhase
	s.state["claude_status"] = executorStatus
	s.state["claude_phase"] = executorPhase

	return s.saveLocked()
}
