// Package workflow implements the Workflow Engine (spec.md §4.7): a
// concurrent DAG executor over typed nodes, gated edge-to-edge by CEL
// conditions evaluated against the firing node's output.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

const (
	pollInterval          = 200 * time.Millisecond
	defaultMaxConcurrency = 4
)

// EmitFunc publishes the workflow_update / workflow_run_update /
// workflow_node_update WebSocket events spec.md §4.7 names. kind is one of
// the protocol.MsgWorkflow* constants.
type EmitFunc func(kind string, detail map[string]any)

// Engine drives Workflow graphs to completion.
type Engine struct {
	stores *store.Stores
	pm     *procmgr.Manager
	cond   *conditionEvaluator
	emit   EmitFunc
	logger *slog.Logger

	locks sync.Map // runID -> *sync.Mutex, serializes CurrentNodeIDs mutation
}

func New(stores *store.Stores, pm *procmgr.Manager, emit EmitFunc, logger *slog.Logger) (*Engine, error) {
	cond, err := newConditionEvaluator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	return &Engine{stores: stores, pm: pm, cond: cond, emit: emit, logger: logger}, nil
}

func (e *Engine) runMutex(runID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(runID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// TriggerWorkflow implements spec.md §4.7's trigger step: it freezes the
// workflow's current node/edge graph into the run (later edits to the
// Workflow never affect runs already in flight) and starts execution from
// every node of type "start".
func (e *Engine) TriggerWorkflow(ctx context.Context, workflowID string, input map[string]any) (*store.WorkflowRun, error) {
	wf, err := e.stores.Workflow.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	var startIDs []string
	for _, n := range wf.Nodes {
		if n.Type == "start" {
			startIDs = append(startIDs, n.ID)
		}
	}
	if len(startIDs) == 0 {
		return nil, fmt.Errorf("workflow %s has no start node", wf.ID)
	}

	run := &store.WorkflowRun{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		Status:         protocol.WorkflowRunStatusRunning,
		Input:          input,
		SnapshotNodes:  wf.Nodes,
		SnapshotEdges:  wf.Edges,
		CurrentNodeIDs: startIDs,
		StartedAt:      time.Now(),
	}
	if err := e.stores.Workflow.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}
	e.emitRun(run)

	maxConcurrency := wf.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	go e.runLoop(context.Background(), run.ID, maxConcurrency)

	return run, nil
}

func (e *Engine) runLoop(ctx context.Context, runID string, maxConcurrency int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		done, err := e.step(ctx, runID, maxConcurrency)
		if err != nil {
			e.logger.Error("workflow: run step failed", "run_id", runID, "error", err)
			return
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// step realizes the three repeating phases of spec.md §4.7's execution
// loop: (1) idempotently materialize a NodeRun for every node id currently
// queued, (2) start as many pending NodeRuns as maxConcurrency allows, and
// (3) decide whether the run has reached a terminal state.
func (e *Engine) step(ctx context.Context, runID string, maxConcurrency int) (bool, error) {
	mu := e.runMutex(runID)

	mu.Lock()
	run, err := e.stores.Workflow.GetRun(ctx, runID)
	if err != nil {
		mu.Unlock()
		return false, err
	}
	if run.Status != protocol.WorkflowRunStatusRunning {
		mu.Unlock()
		return true, nil
	}
	nodesByID := indexNodes(run.SnapshotNodes)
	for _, id := range run.CurrentNodeIDs {
		node, ok := nodesByID[id]
		if !ok {
			e.logger.Warn("workflow: current node id not found in snapshot", "run_id", runID, "node_id", id)
			continue
		}
		nr := &store.WorkflowNodeRun{
			ID:       uuid.NewString(),
			RunID:    runID,
			NodeID:   id,
			NodeType: node.Type,
			Status:   protocol.NodeRunStatusPending,
			Input:    run.Input,
		}
		created, cerr := e.stores.Workflow.CreateNodeRun(ctx, nr)
		if cerr != nil {
			mu.Unlock()
			return false, fmt.Errorf("create node run for %s: %w", id, cerr)
		}
		if created {
			e.emitNode(nr)
		}
	}
	mu.Unlock()

	allNodeRuns, err := e.stores.Workflow.NodeRunsByRun(ctx, runID)
	if err != nil {
		return false, err
	}

	running := 0
	var pending []*store.WorkflowNodeRun
	active := false
	anyFailed := false
	firstErr := ""
	for _, nr := range allNodeRuns {
		switch nr.Status {
		case protocol.NodeRunStatusRunning, protocol.NodeRunStatusWaiting:
			running++
			active = true
		case protocol.NodeRunStatusPending:
			pending = append(pending, nr)
			active = true
		case protocol.NodeRunStatusFailed:
			anyFailed = true
			if firstErr == "" {
				firstErr = nr.Error
			}
		}
	}

	mu.Lock()
	run, err = e.stores.Workflow.GetRun(ctx, runID)
	if err != nil {
		mu.Unlock()
		return false, err
	}
	if len(run.CurrentNodeIDs) == 0 && !active {
		run.Status = protocol.WorkflowRunStatusCompleted
		if anyFailed {
			run.Status = protocol.WorkflowRunStatusFailed
			run.Error = firstErr
		}
		now := time.Now()
		run.CompletedAt = &now
		uerr := e.stores.Workflow.UpdateRun(ctx, run)
		mu.Unlock()
		if uerr != nil {
			return false, uerr
		}
		e.emitRun(run)
		return true, nil
	}
	mu.Unlock()

	for _, nr := range pending {
		if running >= maxConcurrency {
			break
		}
		running++
		nr.Status = protocol.NodeRunStatusRunning
		now := time.Now()
		nr.StartedAt = &now
		if err := e.stores.Workflow.UpdateNodeRun(ctx, nr); err != nil {
			return false, fmt.Errorf("mark node run running: %w", err)
		}
		e.emitNode(nr)
		node := nodesByID[nr.NodeID]
		go e.executeNode(ctx, runID, nr, node)
	}

	return false, nil
}

// executeNode runs one NodeRun's executor, persists its outcome, and fires
// whichever outgoing edges evaluate true against its output.
func (e *Engine) executeNode(ctx context.Context, runID string, nr *store.WorkflowNodeRun, node store.WorkflowNode) {
	exec, ok := e.executorFor(node.Type)
	var output map[string]any
	var err error
	if !ok {
		err = fmt.Errorf("node type %q has no executor", node.Type)
	} else {
		output, err = exec(ctx, e, runID, nr, node)
	}

	mu := e.runMutex(runID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	nr.CompletedAt = &now
	nr.Output = output
	if err != nil {
		nr.Status = protocol.NodeRunStatusFailed
		nr.Error = err.Error()
	} else {
		nr.Status = protocol.NodeRunStatusCompleted
	}
	if uerr := e.stores.Workflow.UpdateNodeRun(ctx, nr); uerr != nil {
		e.logger.Error("workflow: persist node run outcome failed", "node_run_id", nr.ID, "error", uerr)
	}
	e.emitNode(nr)

	run, rerr := e.stores.Workflow.GetRun(ctx, runID)
	if rerr != nil {
		e.logger.Error("workflow: reload run after node completion failed", "run_id", runID, "error", rerr)
		return
	}

	run.CurrentNodeIDs = removeID(run.CurrentNodeIDs, node.ID)
	if err == nil {
		for _, edge := range run.SnapshotEdges {
			if edge.Source != node.ID {
				continue
			}
			fire, ferr := e.cond.evaluate(edge.Condition, output)
			if ferr != nil {
				e.logger.Warn("workflow: edge condition error, treating as not fired", "edge_id", edge.ID, "error", ferr)
				continue
			}
			if fire {
				run.CurrentNodeIDs = appendIfMissing(run.CurrentNodeIDs, edge.Target)
			}
		}
	}
	if uerr := e.stores.Workflow.UpdateRun(ctx, run); uerr != nil {
		e.logger.Error("workflow: persist run after node completion failed", "run_id", runID, "error", uerr)
	}
}

func (e *Engine) emitRun(run *store.WorkflowRun) {
	e.emit(protocol.MsgWorkflowRunUpdate, map[string]any{
		"runId":      run.ID,
		"workflowId": run.WorkflowID,
		"status":     run.Status,
	})
}

func (e *Engine) emitNode(nr *store.WorkflowNodeRun) {
	e.emit(protocol.MsgWorkflowNodeUpdate, map[string]any{
		"runId":     nr.RunID,
		"nodeId":    nr.NodeID,
		"nodeRunId": nr.ID,
		"status":    nr.Status,
	})
}

func indexNodes(nodes []store.WorkflowNode) map[string]store.WorkflowNode {
	out := make(map[string]store.WorkflowNode, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func appendIfMissing(ids []string, target string) []string {
	for _, id := range ids {
		if id == target {
			return ids
		}
	}
	return append(ids, target)
}
