package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type NotifyStore struct {
	db *sql.DB
}

func NewNotifyStore(db *sql.DB) *NotifyStore { return &NotifyStore{db: db} }

func (s *NotifyStore) SaveNotification(ctx context.Context, n *store.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, agent_id, session_id, title, message, level, channels, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AgentID, nullStr(n.SessionID), nullStr(n.Title), n.Message, n.Level, marshalJSON(n.Channels), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	for _, ch := range n.Channels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_channels (notification_id, channel, delivered) VALUES (?, ?, 1)`,
			n.ID, ch); err != nil {
			return fmt.Errorf("insert notification channel: %w", err)
		}
	}
	return tx.Commit()
}
