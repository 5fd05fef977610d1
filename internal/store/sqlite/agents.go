package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// AgentStore is the sqlite-backed store.AgentStore.
type AgentStore struct {
	db *sql.DB
}

func NewAgentStore(db *sql.DB) *AgentStore { return &AgentStore{db: db} }

func scanAgent(row interface {
	Scan(dest ...any) error
}) (*store.Agent, error) {
	var a store.Agent
	var defaultProjectID, walletAddress sql.NullString
	var algoChatEnabled, algoChatAuto int
	var toolPermissions string
	if err := row.Scan(&a.ID, &a.Name, &a.Model, &defaultProjectID, &walletAddress,
		&algoChatEnabled, &algoChatAuto, &toolPermissions, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.DefaultProjectID = defaultProjectID.String
	a.WalletAddress = walletAddress.String
	a.AlgoChatEnabled = algoChatEnabled != 0
	a.AlgoChatAuto = algoChatAuto != 0
	unmarshalJSON(toolPermissions, &a.ToolPermissions)
	return &a, nil
}

func (s *AgentStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, model, default_project_id, wallet_address,
			algochat_enabled, algochat_auto, tool_permissions, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *AgentStore) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, model, default_project_id, wallet_address,
			algochat_enabled, algochat_auto, tool_permissions, created_at, updated_at
		FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []*store.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AgentStore) UpdateAgent(ctx context.Context, a *store.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, model = ?, default_project_id = ?, wallet_address = ?,
			algochat_enabled = ?, algochat_auto = ?, tool_permissions = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Model, nullStr(a.DefaultProjectID), nullStr(a.WalletAddress),
		a.AlgoChatEnabled, a.AlgoChatAuto, marshalJSON(a.ToolPermissions), a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}
