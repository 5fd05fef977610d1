package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type DedupPersistence struct {
	db *sql.DB
}

func NewDedupPersistence(db *sql.DB) *DedupPersistence { return &DedupPersistence{db: db} }

func (s *DedupPersistence) LoadNamespace(ctx context.Context, ns string, now int64) ([]store.DedupStateRow, error) {
	nowT := time.UnixMilli(now).UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, expires_at FROM dedup_state WHERE namespace=$1 AND expires_at > $2`, ns, nowT)
	if err != nil {
		return nil, fmt.Errorf("load dedup namespace: %w", err)
	}
	defer rows.Close()

	var out []store.DedupStateRow
	for rows.Next() {
		var r store.DedupStateRow
		if err := rows.Scan(&r.Namespace, &r.Key, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan dedup row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup_state WHERE namespace=$1 AND expires_at <= $2`, ns, nowT); err != nil {
		return nil, fmt.Errorf("prune expired dedup rows: %w", err)
	}
	return out, nil
}

func (s *DedupPersistence) FlushNamespace(ctx context.Context, ns string, rows []store.DedupStateRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dedup_state WHERE namespace=$1`, ns); err != nil {
		return fmt.Errorf("clear dedup namespace: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dedup_state (namespace, key, expires_at) VALUES ($1,$2,$3)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Namespace, r.Key, r.ExpiresAt); err != nil {
			return fmt.Errorf("insert dedup row: %w", err)
		}
	}
	return tx.Commit()
}
