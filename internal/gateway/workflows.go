package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// handleWorkflowTrigger answers POST /api/workflows/{id}/trigger, the one
// HTTP entry point into the Workflow Engine (spec.md §4.7's
// triggerWorkflow). Runs happen asynchronously; the response is just the
// frozen run snapshot's id, with progress following over workflow_run_update
// and workflow_node_update on the council topic.
func (s *Server) handleWorkflowTrigger(w http.ResponseWriter, r *http.Request) {
	if !requireToken(w, r, s.cfg.Token) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.workflows == nil {
		http.Error(w, "workflow engine not configured", http.StatusServiceUnavailable)
		return
	}

	workflowID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/workflows/"), "/trigger")
	if workflowID == "" {
		http.Error(w, "workflow id is required", http.StatusBadRequest)
		return
	}

	var req struct {
		Input map[string]any `json:"input"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means no input
	}

	run, err := s.workflows.TriggerWorkflow(r.Context(), workflowID, req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}
