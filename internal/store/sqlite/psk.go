package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type PSKStore struct {
	db *sql.DB
}

func NewPSKStore(db *sql.DB) *PSKStore { return &PSKStore{db: db} }

func (s *PSKStore) GetContact(ctx context.Context, id string) (*store.PSKContact, error) {
	return scanPSKContact(s.db.QueryRowContext(ctx, `
		SELECT id, nickname, network, initial_psk, mobile_address, active
		FROM psk_contacts WHERE id = ?`, id))
}

func (s *PSKStore) ContactByMobileAddress(ctx context.Context, addr string) (*store.PSKContact, error) {
	return scanPSKContact(s.db.QueryRowContext(ctx, `
		SELECT id, nickname, network, initial_psk, mobile_address, active
		FROM psk_contacts WHERE mobile_address = ? AND active = 1`, addr))
}

func scanPSKContact(row *sql.Row) (*store.PSKContact, error) {
	var c store.PSKContact
	var mobile sql.NullString
	var active int
	if err := row.Scan(&c.ID, &c.Nickname, &c.Network, &c.InitialPSK, &mobile, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan psk contact: %w", err)
	}
	c.MobileAddress = mobile.String
	c.Active = active != 0
	return &c, nil
}

func (s *PSKStore) UnmatchedContacts(ctx context.Context) ([]*store.PSKContact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nickname, network, initial_psk, mobile_address, active
		FROM psk_contacts WHERE mobile_address IS NULL AND active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query unmatched contacts: %w", err)
	}
	defer rows.Close()

	var out []*store.PSKContact
	for rows.Next() {
		var c store.PSKContact
		var mobile sql.NullString
		var active int
		if err := rows.Scan(&c.ID, &c.Nickname, &c.Network, &c.InitialPSK, &mobile, &active); err != nil {
			return nil, fmt.Errorf("scan psk contact: %w", err)
		}
		c.MobileAddress = mobile.String
		c.Active = active != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SetMobileAddress records a contact's discovered address. Per spec.md §3's
// PSK Contact invariant, a prior claimant of the same address is stopped
// (deactivated, its address cleared for the unique index) first so exactly
// one contact claims it.
func (s *PSKStore) SetMobileAddress(ctx context.Context, contactID, addr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE psk_contacts SET active = 0, mobile_address = NULL WHERE mobile_address = ? AND id != ?`, addr, contactID); err != nil {
		return fmt.Errorf("deactivate prior claimant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE psk_contacts SET mobile_address = ? WHERE id = ?`, addr, contactID); err != nil {
		return fmt.Errorf("set mobile address: %w", err)
	}
	return tx.Commit()
}

func (s *PSKStore) DeactivateContact(ctx context.Context, contactID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE psk_contacts SET active = 0 WHERE id = ?`, contactID)
	if err != nil {
		return fmt.Errorf("deactivate contact: %w", err)
	}
	return nil
}
