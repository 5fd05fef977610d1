package procmgr

import (
	"encoding/json"

	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

// Event is one newline-delimited JSON line a child agent process writes to
// stdout. The manager recognises the type strings in pkg/protocol (arming
// the inactivity timer, intercepting approvals) and otherwise forwards the
// event to subscribers unchanged — it never interprets Message/ToolInput.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	Text  string `json:"text,omitempty"`  // content_block_delta
	Block string `json:"block,omitempty"` // content_block_start's block type

	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Status    string          `json:"status,omitempty"` // tool_status message

	CostUSD float64 `json:"cost_usd,omitempty"` // result
	IsError bool    `json:"is_error,omitempty"`
	Error   string  `json:"error,omitempty"`

	ApprovalShortID string `json:"approval_short_id,omitempty"` // approval_request
	ApprovalTool    string `json:"approval_tool,omitempty"`

	ExitCode int `json:"exit_code,omitempty"` // session_exited
}

// isActivity reports whether an event should re-arm the inactivity timer.
func (e Event) isActivity() bool {
	switch e.Type {
	case protocol.EventAssistant, protocol.EventContentBlockStart,
		protocol.EventContentBlockDelta, protocol.EventContentBlockStop,
		protocol.EventToolStatus, protocol.EventResult:
		return true
	}
	return false
}

// Callback receives events for one session (Subscribe) or for every session
// (SubscribeAll, where SessionID disambiguates).
type Callback func(Event)
