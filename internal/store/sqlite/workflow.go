package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type WorkflowStore struct {
	db *sql.DB
}

func NewWorkflowStore(db *sql.DB) *WorkflowStore { return &WorkflowStore{db: db} }

func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	var w store.Workflow
	var defaultProjectID sql.NullString
	var nodesJSON, edgesJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, name, status, default_project_id, max_concurrency, nodes, edges
		FROM workflows WHERE id = ?`, id,
	).Scan(&w.ID, &w.AgentID, &w.Name, &w.Status, &defaultProjectID, &w.MaxConcurrency, &nodesJSON, &edgesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	w.DefaultProjectID = defaultProjectID.String
	unmarshalJSON(nodesJSON, &w.Nodes)
	unmarshalJSON(edgesJSON, &w.Edges)
	return &w, nil
}

func (s *WorkflowStore) CreateRun(ctx context.Context, r *store.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, status, input, output, snapshot_nodes, snapshot_edges,
			current_node_ids, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.Status, marshalJSON(r.Input), marshalJSON(r.Output),
		marshalJSON(r.SnapshotNodes), marshalJSON(r.SnapshotEdges), marshalJSON(r.CurrentNodeIDs),
		nullStr(r.Error), r.StartedAt, nullTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *WorkflowStore) GetRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	var r store.WorkflowRun
	var input, output, snapNodes, snapEdges, currentIDs string
	var errStr sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, input, output, snapshot_nodes, snapshot_edges,
			current_node_ids, error, started_at, completed_at
		FROM workflow_runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.WorkflowID, &r.Status, &input, &output, &snapNodes, &snapEdges,
		&currentIDs, &errStr, &r.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	unmarshalJSON(input, &r.Input)
	unmarshalJSON(output, &r.Output)
	unmarshalJSON(snapNodes, &r.SnapshotNodes)
	unmarshalJSON(snapEdges, &r.SnapshotEdges)
	unmarshalJSON(currentIDs, &r.CurrentNodeIDs)
	r.Error = errStr.String
	r.CompletedAt = timePtr(completedAt)
	return &r, nil
}

func (s *WorkflowStore) UpdateRun(ctx context.Context, r *store.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status=?, output=?, current_node_ids=?, error=?, completed_at=?
		WHERE id=?`,
		r.Status, marshalJSON(r.Output), marshalJSON(r.CurrentNodeIDs), nullStr(r.Error), nullTime(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// CreateNodeRun inserts a NodeRun iff one doesn't already exist for
// (run_id, node_id) — the idempotence invariant of spec.md §3/§4.7, enforced
// by the schema's unique index rather than just in-memory bookkeeping.
func (s *WorkflowStore) CreateNodeRun(ctx context.Context, nr *store.WorkflowNodeRun) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_node_runs (id, run_id, node_id, node_type, status, input, output,
			session_id, work_task_id, error, started_at, completed_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM workflow_node_runs WHERE run_id = ? AND node_id = ?)`,
		nr.ID, nr.RunID, nr.NodeID, nr.NodeType, nr.Status, marshalJSON(nr.Input), marshalJSON(nr.Output),
		nullStr(nr.SessionID), nullStr(nr.WorkTaskID), nullStr(nr.Error), nullTime(nr.StartedAt), nullTime(nr.CompletedAt),
		nr.RunID, nr.NodeID)
	if err != nil {
		return false, fmt.Errorf("insert node run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *WorkflowStore) GetNodeRun(ctx context.Context, runID, nodeID string) (*store.WorkflowNodeRun, error) {
	return scanNodeRun(s.db.QueryRowContext(ctx, `
		SELECT id, run_id, node_id, node_type, status, input, output, session_id, work_task_id, error, started_at, completed_at
		FROM workflow_node_runs WHERE run_id = ? AND node_id = ?`, runID, nodeID))
}

func scanNodeRun(row *sql.Row) (*store.WorkflowNodeRun, error) {
	var nr store.WorkflowNodeRun
	var input, output string
	var sessionID, workTaskID, errStr sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.NodeType, &nr.Status, &input, &output,
		&sessionID, &workTaskID, &errStr, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan node run: %w", err)
	}
	unmarshalJSON(input, &nr.Input)
	unmarshalJSON(output, &nr.Output)
	nr.SessionID, nr.WorkTaskID, nr.Error = sessionID.String, workTaskID.String, errStr.String
	nr.StartedAt, nr.CompletedAt = timePtr(startedAt), timePtr(completedAt)
	return &nr, nil
}

func (s *WorkflowStore) UpdateNodeRun(ctx context.Context, nr *store.WorkflowNodeRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_node_runs SET status=?, output=?, session_id=?, work_task_id=?, error=?, started_at=?, completed_at=?
		WHERE id=?`,
		nr.Status, marshalJSON(nr.Output), nullStr(nr.SessionID), nullStr(nr.WorkTaskID),
		nullStr(nr.Error), nullTime(nr.StartedAt), nullTime(nr.CompletedAt), nr.ID)
	if err != nil {
		return fmt.Errorf("update node run: %w", err)
	}
	return nil
}

func (s *WorkflowStore) NodeRunsByRun(ctx context.Context, runID string) ([]*store.WorkflowNodeRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, node_type, status, input, output, session_id, work_task_id, error, started_at, completed_at
		FROM workflow_node_runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query node runs: %w", err)
	}
	defer rows.Close()

	var out []*store.WorkflowNodeRun
	for rows.Next() {
		var nr store.WorkflowNodeRun
		var input, output string
		var sessionID, workTaskID, errStr sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.NodeType, &nr.Status, &input, &output,
			&sessionID, &workTaskID, &errStr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan node run: %w", err)
		}
		unmarshalJSON(input, &nr.Input)
		unmarshalJSON(output, &nr.Output)
		nr.SessionID, nr.WorkTaskID, nr.Error = sessionID.String, workTaskID.String, errStr.String
		nr.StartedAt, nr.CompletedAt = timePtr(startedAt), timePtr(completedAt)
		out = append(out, &nr)
	}
	return out, rows.Err()
}
