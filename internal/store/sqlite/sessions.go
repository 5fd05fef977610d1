package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// SessionStore is the sqlite-backed store.SessionStore.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore { return &SessionStore{db: db} }

func (s *SessionStore) Create(ctx context.Context, sess *store.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, agent_id, name, status, source, initial_prompt,
			pid, total_cost_usd, total_algo_spent, total_turns, credits_consumed,
			council_launch_id, council_role, work_dir, scheduler_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullStr(sess.ProjectID), sess.AgentID, sess.Name, sess.Status, sess.Source, sess.InitialPrompt,
		sess.PID, sess.TotalCostUsd, sess.TotalAlgoSpent, sess.TotalTurns, sess.CreditsConsumed,
		nullStr(sess.CouncilLaunchID), nullStr(sess.CouncilRole), sess.WorkDir, sess.SchedulerMode, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, agent_id, name, status, source, initial_prompt, pid,
			total_cost_usd, total_algo_spent, total_turns, credits_consumed,
			council_launch_id, council_role, work_dir, scheduler_mode, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*store.Session, error) {
	var sess store.Session
	var projectID, councilLaunchID, councilRole sql.NullString
	if err := row.Scan(&sess.ID, &projectID, &sess.AgentID, &sess.Name, &sess.Status, &sess.Source,
		&sess.InitialPrompt, &sess.PID, &sess.TotalCostUsd, &sess.TotalAlgoSpent, &sess.TotalTurns,
		&sess.CreditsConsumed, &councilLaunchID, &councilRole, &sess.WorkDir, &sess.SchedulerMode, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ProjectID = projectID.String
	sess.CouncilLaunchID = councilLaunchID.String
	sess.CouncilRole = councilRole.String
	return &sess, nil
}

func (s *SessionStore) Update(ctx context.Context, sess *store.Session) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET project_id=?, agent_id=?, name=?, status=?, source=?, initial_prompt=?,
			pid=?, total_cost_usd=?, total_algo_spent=?, total_turns=?, credits_consumed=?,
			council_launch_id=?, council_role=?, work_dir=?, scheduler_mode=?, updated_at=?
		WHERE id=?`,
		nullStr(sess.ProjectID), sess.AgentID, sess.Name, sess.Status, sess.Source, sess.InitialPrompt,
		sess.PID, sess.TotalCostUsd, sess.TotalAlgoSpent, sess.TotalTurns, sess.CreditsConsumed,
		nullStr(sess.CouncilLaunchID), nullStr(sess.CouncilRole), sess.WorkDir, sess.SchedulerMode, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE algochat_conversations SET session_id = NULL WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("clear conversation ref: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SessionStore) ListActive(ctx context.Context) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, agent_id, name, status, source, initial_prompt, pid,
			total_cost_usd, total_algo_spent, total_turns, credits_consumed,
			council_launch_id, council_role, work_dir, scheduler_mode, created_at, updated_at
		FROM sessions WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		var sess store.Session
		var projectID, councilLaunchID, councilRole sql.NullString
		if err := rows.Scan(&sess.ID, &projectID, &sess.AgentID, &sess.Name, &sess.Status, &sess.Source,
			&sess.InitialPrompt, &sess.PID, &sess.TotalCostUsd, &sess.TotalAlgoSpent, &sess.TotalTurns,
			&sess.CreditsConsumed, &councilLaunchID, &councilRole, &sess.WorkDir, &sess.SchedulerMode, &sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.ProjectID = projectID.String
		sess.CouncilLaunchID = councilLaunchID.String
		sess.CouncilRole = councilRole.String
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) ListByLaunch(ctx context.Context, launchID string) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, agent_id, name, status, source, initial_prompt, pid,
			total_cost_usd, total_algo_spent, total_turns, credits_consumed,
			council_launch_id, council_role, work_dir, scheduler_mode, created_at, updated_at
		FROM sessions WHERE council_launch_id = ? ORDER BY created_at ASC`, launchID)
	if err != nil {
		return nil, fmt.Errorf("query sessions by launch: %w", err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		var sess store.Session
		var projectID, councilLaunchID, councilRole sql.NullString
		if err := rows.Scan(&sess.ID, &projectID, &sess.AgentID, &sess.Name, &sess.Status, &sess.Source,
			&sess.InitialPrompt, &sess.PID, &sess.TotalCostUsd, &sess.TotalAlgoSpent, &sess.TotalTurns,
			&sess.CreditsConsumed, &councilLaunchID, &councilRole, &sess.WorkDir, &sess.SchedulerMode, &sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.ProjectID = projectID.String
		sess.CouncilLaunchID = councilLaunchID.String
		sess.CouncilRole = councilRole.String
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) AppendMessage(ctx context.Context, m *store.SessionMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, role, content, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?)`, m.SessionID, m.Role, m.Content, m.CostUsd, m.Timestamp)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SessionStore) LastAssistantMessage(ctx context.Context, sessionID string) (string, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM session_messages
		WHERE session_id = ? AND role = 'assistant'
		ORDER BY row_id DESC LIMIT 1`, sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("last assistant message: %w", err)
	}
	return content, true, nil
}

func (s *SessionStore) Messages(ctx context.Context, sessionID string) ([]*store.SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, session_id, role, content, cost_usd, created_at
		FROM session_messages WHERE session_id = ? ORDER BY row_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*store.SessionMessage
	for rows.Next() {
		var m store.SessionMessage
		if err := rows.Scan(&m.RowID, &m.SessionID, &m.Role, &m.Content, &m.CostUsd, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
