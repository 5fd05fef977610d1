package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type CouncilStore struct {
	db *sql.DB
}

func NewCouncilStore(db *sql.DB) *CouncilStore { return &CouncilStore{db: db} }

func (s *CouncilStore) GetCouncil(ctx context.Context, id string) (*store.Council, error) {
	return s.scanCouncil(s.db.QueryRowContext(ctx, `
		SELECT id, name, description, member_agent_ids, chairman_agent_id, discussion_rounds
		FROM councils WHERE id = ?`, id))
}

func (s *CouncilStore) FindCouncilByName(ctx context.Context, name string) (*store.Council, error) {
	return s.scanCouncil(s.db.QueryRowContext(ctx, `
		SELECT id, name, description, member_agent_ids, chairman_agent_id, discussion_rounds
		FROM councils WHERE name = ?`, name))
}

func (s *CouncilStore) scanCouncil(row *sql.Row) (*store.Council, error) {
	var c store.Council
	var members string
	var chairman sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &members, &chairman, &c.DiscussionRounds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan council: %w", err)
	}
	unmarshalJSON(members, &c.MemberAgentIDs)
	c.ChairmanAgentID = chairman.String
	return &c, nil
}

func (s *CouncilStore) CreateCouncil(ctx context.Context, c *store.Council) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO councils (id, name, description, member_agent_ids, chairman_agent_id, discussion_rounds)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, marshalJSON(c.MemberAgentIDs), nullStr(c.ChairmanAgentID), c.DiscussionRounds)
	if err != nil {
		return fmt.Errorf("insert council: %w", err)
	}
	return nil
}

func (s *CouncilStore) CreateLaunch(ctx context.Context, l *store.CouncilLaunch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO council_launches (id, council_id, project_id, prompt, stage, synthesis, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CouncilID, nullStr(l.ProjectID), l.Prompt, l.Stage, nullStr(l.Synthesis), nullStr(l.Error), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert launch: %w", err)
	}
	return nil
}

func (s *CouncilStore) GetLaunch(ctx context.Context, id string) (*store.CouncilLaunch, error) {
	var l store.CouncilLaunch
	var projectID, synthesis, errStr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, council_id, project_id, prompt, stage, synthesis, error, created_at, updated_at
		FROM council_launches WHERE id = ?`, id,
	).Scan(&l.ID, &l.CouncilID, &projectID, &l.Prompt, &l.Stage, &synthesis, &errStr, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get launch: %w", err)
	}
	l.ProjectID, l.Synthesis, l.Error = projectID.String, synthesis.String, errStr.String
	return &l, nil
}

func (s *CouncilStore) UpdateLaunch(ctx context.Context, l *store.CouncilLaunch) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE council_launches SET stage=?, synthesis=?, error=?, updated_at=? WHERE id=?`,
		l.Stage, nullStr(l.Synthesis), nullStr(l.Error), l.UpdatedAt, l.ID)
	if err != nil {
		return fmt.Errorf("update launch: %w", err)
	}
	return nil
}

func (s *CouncilStore) AppendDiscussionMessage(ctx context.Context, m *store.DiscussionMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO council_discussion_messages (launch_id, agent_id, agent_name, round, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, m.LaunchID, m.AgentID, m.AgentName, m.Round, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append discussion message: %w", err)
	}
	return nil
}

func (s *CouncilStore) DiscussionMessages(ctx context.Context, launchID string) ([]*store.DiscussionMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT launch_id, agent_id, agent_name, round, content, created_at
		FROM council_discussion_messages WHERE launch_id = ? ORDER BY round ASC, row_id ASC`, launchID)
	if err != nil {
		return nil, fmt.Errorf("query discussion messages: %w", err)
	}
	defer rows.Close()

	var out []*store.DiscussionMessage
	for rows.Next() {
		var m store.DiscussionMessage
		if err := rows.Scan(&m.LaunchID, &m.AgentID, &m.AgentName, &m.Round, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan discussion message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
