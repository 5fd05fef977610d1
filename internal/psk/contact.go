package psk

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// discoveryWindow bounds how many ratchet counters a trial-decryption scan
// probes for each unmatched contact: counters 0 through discoveryWindow-1.
const discoveryWindow = 16

// Manager holds one in-memory Ratchet per active PSK contact, keyed by the
// contact's current claim address (the placeholder contact id before
// discovery, the real mobile address after).
type Manager struct {
	store store.PSKStore

	mu       sync.Mutex
	ratchets map[string]*Ratchet
}

func NewManager(pskStore store.PSKStore) *Manager {
	return &Manager{store: pskStore, ratchets: make(map[string]*Ratchet)}
}

func (m *Manager) ratchetFor(key string, seed []byte) *Ratchet {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ratchets[key]
	if !ok {
		r = NewRatchet(seed)
		m.ratchets[key] = r
	}
	return r
}

// TryDecryptUnmatched trial-decrypts envelope against every unmatched
// contact's key, scanning a small counter window per contact, and returns
// the first contact it successfully opens under.
func (m *Manager) TryDecryptUnmatched(ctx context.Context, envelope []byte) (contact *store.PSKContact, plaintext []byte, counter int64, ok bool) {
	contacts, err := m.store.UnmatchedContacts(ctx)
	if err != nil {
		return nil, nil, 0, false
	}
	for _, c := range contacts {
		r := m.ratchetFor(c.ID, c.InitialPSK)
		for i := int64(0); i < discoveryWindow; i++ {
			if pt, opened := r.TryOpen(i, envelope); opened {
				return c, pt, i, true
			}
		}
	}
	return nil, nil, 0, false
}

// BindAddress migrates a contact's ratchet state from its placeholder
// contact-id key to its discovered mobile address, stops any legacy claim on
// that address, and persists the match.
func (m *Manager) BindAddress(ctx context.Context, contactID, mobileAddress string) error {
	if err := m.store.SetMobileAddress(ctx, contactID, mobileAddress); err != nil {
		return fmt.Errorf("psk: bind address: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.ratchets[contactID]; ok {
		m.ratchets[mobileAddress] = r
	}
	return nil
}

// RatchetForAddress returns the ratchet bound to an already-matched
// contact's mobile address, constructing it from the contact's initial PSK
// on first use.
func (m *Manager) RatchetForAddress(c *store.PSKContact) *Ratchet {
	key := c.MobileAddress
	if key == "" {
		key = c.ID
	}
	return m.ratchetFor(key, c.InitialPSK)
}
