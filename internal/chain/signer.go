package chain

import (
	"crypto/ed25519"
	"fmt"
)

// Signer signs outbound transaction bytes for one on-chain account. The
// concrete transaction/transport format is external (spec.md §4.5 treats the
// chain as "a transport with these properties"); the bridge only needs a
// signature and the signer's own address back.
type Signer interface {
	Address() string
	Sign(txBytes []byte) ([]byte, error)
}

// Ed25519Signer signs with a raw ed25519 key pair, matching the signature
// scheme used by account-based chains whose addresses are derived from an
// ed25519 public key.
type Ed25519Signer struct {
	address string
	priv    ed25519.PrivateKey
}

// NewEd25519Signer derives a signer from a 32-byte seed (e.g. from a wallet
// mnemonic) and the account's resolved address string.
func NewEd25519Signer(address string, seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("chain: ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{address: address, priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) Address() string { return s.address }

func (s *Ed25519Signer) Sign(txBytes []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, txBytes), nil
}
