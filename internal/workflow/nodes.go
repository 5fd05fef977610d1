package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

const agentSessionWaitLimit = 30 * time.Minute

// nodeExecutor runs one WorkflowNodeRun to completion and returns its
// output, or an error that fails the NodeRun.
type nodeExecutor func(ctx context.Context, e *Engine, runID string, nr *store.WorkflowNodeRun, node store.WorkflowNode) (map[string]any, error)

func (e *Engine) executorFor(nodeType string) (nodeExecutor, bool) {
	switch nodeType {
	case "start":
		return execStart, true
	case "agent_session":
		return execAgentSession, true
	case "wait":
		return execWait, true
	case "branch", "join":
		return execPassthrough, true
	case "work_task":
		return execWorkTaskStub, true
	default:
		return nil, false
	}
}

// execStart passes the run's input straight through; start nodes exist only
// to give a graph a single, unambiguous entry point.
func execStart(ctx context.Context, e *Engine, runID string, nr *store.WorkflowNodeRun, node store.WorkflowNode) (map[string]any, error) {
	return nr.Input, nil
}

// execPassthrough backs branch and join nodes. Branching is encoded entirely
// in outgoing edge conditions; join nodes rely on idempotent NodeRun
// creation (store.WorkflowStore.CreateNodeRun) to collapse however many
// incoming edges fire into a single execution.
func execPassthrough(ctx context.Context, e *Engine, runID string, nr *store.WorkflowNodeRun, node store.WorkflowNode) (map[string]any, error) {
	return nr.Input, nil
}

// execWait sleeps for node.Config["durationMs"] (default 1s), honoring
// cancellation so a run can still be stopped mid-wait.
func execWait(ctx context.Context, e *Engine, runID string, nr *store.WorkflowNodeRun, node store.WorkflowNode) (map[string]any, error) {
	durationMs, _ := node.Config["durationMs"].(float64)
	d := time.Duration(durationMs) * time.Millisecond
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-time.After(d):
		return nr.Input, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execWorkTaskStub marks a work_task node complete without doing anything:
// the Work Task subsystem itself is out of scope for this engine (the same
// "declared but not executable" carve-out the Scheduler applies to its own
// unsupported action types).
func execWorkTaskStub(ctx context.Context, e *Engine, runID string, nr *store.WorkflowNodeRun, node store.WorkflowNode) (map[string]any, error) {
	return map[string]any{"note": "work_task nodes are declared but not executed by this engine"}, nil
}

// execAgentSession spawns a scheduler-mode-free agent session for the node
// and blocks until it exits, feeding the session's final assistant message
// back as the node's output so downstream edge conditions can inspect it.
func execAgentSession(ctx context.Context, e *Engine, runID string, nr *store.WorkflowNodeRun, node store.WorkflowNode) (map[string]any, error) {
	agentID, _ := node.Config["agentId"].(string)
	if agentID == "" {
		return nil, fmt.Errorf("agent_session node %q has no agentId configured", node.ID)
	}
	prompt, _ := node.Config["prompt"].(string)
	if prompt == "" {
		prompt = fmt.Sprintf("%v", nr.Input)
	}

	now := time.Now()
	sess := &store.Session{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Name:          "workflow-" + node.Label,
		Status:        protocol.SessionStatusCreated,
		Source:        protocol.SessionSourceAgent,
		InitialPrompt: prompt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.stores.Sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create node session: %w", err)
	}

	nr.SessionID = sess.ID
	if err := e.stores.Workflow.UpdateNodeRun(ctx, nr); err != nil {
		e.logger.Warn("workflow: persisting node session id failed", "node_run_id", nr.ID, "error", err)
	}

	if err := e.pm.StartProcess(ctx, sess, prompt, ""); err != nil {
		return nil, fmt.Errorf("start node session: %w", err)
	}

	done := make(chan procmgr.Event, 1)
	subID, ok := e.pm.Subscribe(sess.ID, func(ev procmgr.Event) {
		if ev.Type == protocol.EventSessionExited {
			select {
			case done <- ev:
			default:
			}
		}
	})
	if !ok {
		// The child exited (and was removed) before Subscribe ran; its exit
		// status is not available here.
		text, _, _ := e.stores.Sessions.LastAssistantMessage(ctx, sess.ID)
		return map[string]any{"sessionId": sess.ID, "text": text}, nil
	}
	defer e.pm.Unsubscribe(sess.ID, subID)

	waitCtx, cancel := context.WithTimeout(ctx, agentSessionWaitLimit)
	defer cancel()

	select {
	case ev := <-done:
		if ev.IsError {
			return nil, fmt.Errorf("session %s failed: %s", sess.ID, ev.Error)
		}
		text, _, _ := e.stores.Sessions.LastAssistantMessage(ctx, sess.ID)
		return map[string]any{"sessionId": sess.ID, "text": text}, nil
	case <-waitCtx.Done():
		e.pm.StopProcess(sess.ID)
		return nil, fmt.Errorf("agent_session node %q timed out waiting for session %s", node.ID, sess.ID)
	}
}
