package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type HealthStore struct {
	db *sql.DB
}

func NewHealthStore(db *sql.DB) *HealthStore { return &HealthStore{db: db} }

func (s *HealthStore) SaveSnapshot(ctx context.Context, h *store.HealthSnapshot) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_snapshots (id, agent_id, project_id, tsc_errors, test_failures, todos,
			fixmes, hacks, large_files, outdated_deps, tsc_passed, tests_passed, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.AgentID, h.ProjectID, h.TscErrors, h.TestFailures, h.Todos, h.Fixmes, h.Hacks,
		h.LargeFiles, h.OutdatedDeps, boolToInt(h.TscPassed), boolToInt(h.TestsPassed), h.CollectedAt)
	if err != nil {
		return fmt.Errorf("save health snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns the `limit` most recent snapshots, newest-first
// (spec.md §4.8).
func (s *HealthStore) RecentSnapshots(ctx context.Context, agentID, projectID string, limit int) ([]*store.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, project_id, tsc_errors, test_failures, todos, fixmes, hacks,
			large_files, outdated_deps, tsc_passed, tests_passed, collected_at
		FROM health_snapshots WHERE agent_id = ? AND project_id = ?
		ORDER BY collected_at DESC LIMIT ?`, agentID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*store.HealthSnapshot
	for rows.Next() {
		var h store.HealthSnapshot
		var tscPassed, testsPassed int
		if err := rows.Scan(&h.ID, &h.AgentID, &h.ProjectID, &h.TscErrors, &h.TestFailures, &h.Todos,
			&h.Fixmes, &h.Hacks, &h.LargeFiles, &h.OutdatedDeps, &tscPassed, &testsPassed, &h.CollectedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		h.TscPassed, h.TestsPassed = tscPassed != 0, testsPassed != 0
		out = append(out, &h)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
