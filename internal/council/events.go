package council

import (
	"context"
	"fmt"
)

// Event kinds, matching spec §4.4's three public output events.
const (
	EventKindStageChange       = "stage_change"
	EventKindLog               = "log"
	EventKindDiscussionMessage = "discussion_message"
)

// Event is one Council Engine output. The gateway maps Kind onto the
// protocol.MsgCouncil* WS envelope types and publishes it on
// protocol.TopicCouncil.
type Event struct {
	Kind       string
	LaunchID   string
	Stage      string
	SessionIDs []string
	SessionID  string
	Level      string
	Message    string
	Detail     map[string]any
	AgentID    string
	AgentName  string
	Round      int
	Content    string
}

// EmitFunc receives every Engine output event, exactly once per true
// transition.
type EmitFunc func(Event)

// AgentNamer resolves an agent id to the display name used in aggregation
// headers and discussion_message events. The Council Engine has no agent
// store of its own; the caller wires this from wherever agents are kept.
type AgentNamer func(ctx context.Context, agentID string) string

// StageError reports a trigger invoked from a stage that does not permit it.
type StageError struct {
	Verb  string
	Stage string
}

func (e *StageError) Error() string { return fmt.Sprintf("Cannot %s from stage %s", e.Verb, e.Stage) }

// TriggerResult is the uniform return shape for the four trigger operations
// that can fail with a status code instead of a Go error (spec §4.4's
// "returned results").
type TriggerResult struct {
	OK         bool
	Status     int
	Error      string
	SessionIDs []string
	SessionID  string
}
