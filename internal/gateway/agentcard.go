package gateway

import (
	"fmt"
	"net/http"
)

// handleAgentCard serves the A2A agent advertisement: a public, cacheable
// summary of what this gateway's agents can do. spec.md §6 asks for a 5
// minute cache.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	agents, err := s.stores.Agents.ListAgents(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	skills := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		skills = append(skills, map[string]any{
			"id":    a.ID,
			"name":  a.Name,
			"model": a.Model,
		})
	}

	card := map[string]any{
		"name":               "goclaw-orchestrator",
		"description":        "Multi-agent orchestration gateway: councils, workflows, and AlgoChat-bridged agent sessions.",
		"protocolVersion":    "a2a/1.0",
		"capabilities":       map[string]any{"streaming": true, "pushNotifications": true},
		"skills":             skills,
		"defaultInputModes":  []string{"text"},
		"defaultOutputModes": []string{"text"},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", 5*60))
	writeJSON(w, http.StatusOK, card)
}
