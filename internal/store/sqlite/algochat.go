package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type AlgoChatStore struct {
	db *sql.DB
}

func NewAlgoChatStore(db *sql.DB) *AlgoChatStore { return &AlgoChatStore{db: db} }

func (s *AlgoChatStore) GetConversation(ctx context.Context, participantAddr string) (*store.AlgoChatConversation, error) {
	var c store.AlgoChatConversation
	var agentID, sessionID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, participant_addr, agent_id, session_id, last_round
		FROM algochat_conversations WHERE participant_addr = ?`, participantAddr,
	).Scan(&c.ID, &c.ParticipantAddr, &agentID, &sessionID, &c.LastRound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.AgentID, c.SessionID = agentID.String, sessionID.String
	return &c, nil
}

func (s *AlgoChatStore) UpsertConversation(ctx context.Context, c *store.AlgoChatConversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO algochat_conversations (id, participant_addr, agent_id, session_id, last_round)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(participant_addr) DO UPDATE SET
			agent_id = excluded.agent_id,
			session_id = excluded.session_id,
			last_round = MAX(algochat_conversations.last_round, excluded.last_round)`,
		c.ID, c.ParticipantAddr, nullStr(c.AgentID), nullStr(c.SessionID), c.LastRound)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}
