package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type ScheduleStore struct {
	db *sql.DB
}

func NewScheduleStore(db *sql.DB) *ScheduleStore { return &ScheduleStore{db: db} }

func (s *ScheduleStore) DueSchedules(ctx context.Context, now int64) ([]*store.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, name, description, status, cron_expression, interval_ms, actions,
			approval_policy, next_run_at, execution_count
		FROM schedules WHERE status = 'active' AND next_run_at <= ?`, time.UnixMilli(now).UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []*store.Schedule
	for rows.Next() {
		var sc store.Schedule
		var cron sql.NullString
		var interval sql.NullInt64
		var actionsJSON string
		if err := rows.Scan(&sc.ID, &sc.AgentID, &sc.Name, &sc.Description, &sc.Status, &cron, &interval,
			&actionsJSON, &sc.ApprovalPolicy, &sc.NextRunAt, &sc.ExecutionCount); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.CronExpression = cron.String
		sc.IntervalMs = interval.Int64
		unmarshalJSON(actionsJSON, &sc.Actions)
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// ClaimSchedule atomically advances nextRunAt so duplicate ticks cannot
// double-fire the same schedule (spec.md §4.6).
func (s *ScheduleStore) ClaimSchedule(ctx context.Context, id string, nextRunAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_run_at = ?, execution_count = execution_count + 1 WHERE id = ?`,
		time.UnixMilli(nextRunAt).UTC(), id)
	if err != nil {
		return fmt.Errorf("claim schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) RecordExecution(ctx context.Context, e *store.ScheduleExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (id, schedule_id, session_id, outcome, created_at)
		VALUES (?, ?, ?, ?, ?)`, e.ID, e.ScheduleID, nullStr(e.SessionID), e.Outcome, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}
