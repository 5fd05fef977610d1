// Package psk implements the pre-shared-key symmetric channel: a per-counter
// key derivation per contact, and trial-decryption against the set of
// contacts not yet matched to an on-chain address (spec.md §4.5.3).
package psk

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/chain"
)

// Ratchet derives successive per-message keys from a contact's initial PSK
// by HKDF-expanding the chain key with the message counter as salt. The
// chain key is fixed at construction and never advanced, so the key for
// every counter stays derivable from it: the keys are per-counter, and the
// scheme does not give forward secrecy.
type Ratchet struct {
	chainKey [32]byte
	counter  int64
}

// NewRatchet seeds a ratchet from a contact's initial pre-shared key.
func NewRatchet(initialPSK []byte) *Ratchet {
	var r Ratchet
	copy(r.chainKey[:], deriveChainKey(initialPSK))
	return &r
}

func deriveChainKey(psk []byte) []byte {
	h := hkdf.New(sha256.New, psk, nil, []byte("goclaw-orchestrator/psk/chain-key/v1"))
	out := make([]byte, 32)
	_, _ = io.ReadFull(h, out)
	return out
}

// KeyAt derives the message key for a specific ratchet counter without
// mutating the receiver, so trial-decryption can probe several counters
// (e.g. during discovery) without committing to any of them.
func (r *Ratchet) KeyAt(counter int64) [32]byte {
	salt := fmt.Appendf(nil, "%d", counter)
	h := hkdf.New(sha256.New, r.chainKey[:], salt, []byte("goclaw-orchestrator/psk/message-key/v1"))
	var key [32]byte
	_, _ = io.ReadFull(h, key[:])
	return key
}

// Counter returns the ratchet's current message counter.
func (r *Ratchet) Counter() int64 { return r.counter }

// Advance moves the ratchet to the next counter, matching a successfully
// consumed message so the same key is never reused.
func (r *Ratchet) Advance() { r.counter++ }

// Seal encrypts plaintext under the current counter's key and advances.
func (r *Ratchet) Seal(plaintext []byte) ([]byte, int64, error) {
	key := r.KeyAt(r.counter)
	ct, err := chain.Seal(key, plaintext)
	if err != nil {
		return nil, 0, err
	}
	counter := r.counter
	r.Advance()
	return ct, counter, nil
}

// TryOpen attempts to decrypt envelope at a specific counter, without
// advancing the ratchet — used for both steady-state receive (counter is
// known in advance) and discovery trial-decryption (counter is scanned over
// a small window).
func (r *Ratchet) TryOpen(counter int64, envelope []byte) ([]byte, bool) {
	return chain.Open(r.KeyAt(counter), envelope)
}
