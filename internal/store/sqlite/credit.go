package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type CreditStore struct {
	db *sql.DB
}

func NewCreditStore(db *sql.DB) *CreditStore { return &CreditStore{db: db} }

func (s *CreditStore) Balance(ctx context.Context, address string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE address = ?`, address).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// ApplyDelta mutates an address's balance and appends an immutable ledger
// row in the same transaction, mirroring the append-only message-log style
// of the teacher's team messaging store.
func (s *CreditStore) ApplyDelta(ctx context.Context, address string, delta int64, reason string) (*store.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE address = ?`, address).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		balance = 0
		if _, err := tx.ExecContext(ctx, `INSERT INTO credit_balances (address, balance) VALUES (?, 0)`, address); err != nil {
			return nil, fmt.Errorf("init balance: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}

	balance += delta
	if _, err := tx.ExecContext(ctx, `UPDATE credit_balances SET balance = ? WHERE address = ?`, balance, address); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	txn := &store.CreditTransaction{
		ID:           uuid.NewString(),
		Address:      address,
		Delta:        delta,
		Reason:       reason,
		BalanceAfter: balance,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, address, delta, reason, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, txn.ID, txn.Address, txn.Delta, txn.Reason, txn.BalanceAfter, txn.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return txn, nil
}

func (s *CreditStore) History(ctx context.Context, address string, limit int) ([]*store.CreditTransaction, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, delta, reason, balance_after, created_at
		FROM credit_transactions WHERE address = ? ORDER BY created_at DESC LIMIT ?`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*store.CreditTransaction
	for rows.Next() {
		var t store.CreditTransaction
		if err := rows.Scan(&t.ID, &t.Address, &t.Delta, &t.Reason, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *CreditStore) HasReceivedWelcomeGrant(ctx context.Context, address string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_transactions WHERE address = ? AND reason = 'welcome_grant'`, address).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check welcome grant: %w", err)
	}
	return count > 0, nil
}
