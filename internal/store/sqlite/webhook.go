package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type WebhookStore struct {
	db *sql.DB
}

func NewWebhookStore(db *sql.DB) *WebhookStore { return &WebhookStore{db: db} }

func (s *WebhookStore) CreateWebhook(ctx context.Context, w *store.WebhookRegistration) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_registrations (id, url, secret, events, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.URL, nullStr(w.Secret), marshalJSON(w.Events), boolToInt(w.Enabled), w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (s *WebhookStore) GetWebhook(ctx context.Context, id string) (*store.WebhookRegistration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, secret, events, enabled, created_at FROM webhook_registrations WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return w, err
}

func (s *WebhookStore) ListWebhooks(ctx context.Context) ([]*store.WebhookRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, secret, events, enabled, created_at FROM webhook_registrations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []*store.WebhookRegistration
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *WebhookStore) UpdateWebhook(ctx context.Context, w *store.WebhookRegistration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_registrations SET url = ?, secret = ?, events = ?, enabled = ? WHERE id = ?`,
		w.URL, nullStr(w.Secret), marshalJSON(w.Events), boolToInt(w.Enabled), w.ID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *WebhookStore) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_registrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *WebhookStore) RecordDelivery(ctx context.Context, d *store.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event, status_code, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.Event, d.StatusCode, nullStr(d.Error), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *WebhookStore) DeliveriesByWebhook(ctx context.Context, webhookID string, limit int) ([]*store.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event, status_code, error, created_at FROM webhook_deliveries
		WHERE webhook_id = ? ORDER BY created_at DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (s *WebhookStore) RecentDeliveries(ctx context.Context, limit int) ([]*store.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event, status_code, error, created_at FROM webhook_deliveries
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*store.WebhookRegistration, error) {
	var w store.WebhookRegistration
	var secret sql.NullString
	var events string
	var enabled int
	if err := row.Scan(&w.ID, &w.URL, &secret, &events, &enabled, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Secret = secret.String
	w.Enabled = enabled != 0
	unmarshalJSON(events, &w.Events)
	return &w, nil
}

func scanDeliveries(rows *sql.Rows) ([]*store.WebhookDelivery, error) {
	var out []*store.WebhookDelivery
	for rows.Next() {
		var d store.WebhookDelivery
		var statusCode sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.Event, &statusCode, &errMsg, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.StatusCode = int(statusCode.Int64)
		d.Error = errMsg.String
		out = append(out, &d)
	}
	return out, rows.Err()
}
