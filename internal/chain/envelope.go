// Package chain implements the on-chain envelope format and transaction
// signing primitives the AlgoChat Bridge depends on: symmetric PSK
// encryption of plaintext payloads, the `[GRP:i/N]` group-chunk prefix, and
// an abstract transaction Signer.
package chain

import (
	"fmt"
	"regexp"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// MaxPayload is the transport's per-message byte cap (spec.md §4.5: "per-
	// message byte cap ≈ 1 KB").
	MaxPayload = 1024
	// TagSize is the authentication tag overhead of the envelope cipher
	// (nacl/secretbox: Poly1305, 16 bytes), matching spec.md §6's
	// "TAG_SIZE (16)".
	TagSize = secretbox.Overhead
	// GroupPrefixOverhead is the byte cost of a "[GRP:i/N]" prefix reserved
	// out of a group chunk's plaintext budget.
	GroupPrefixOverhead = 13

	// SinglePlaintextMax is the largest plaintext a single envelope can carry.
	SinglePlaintextMax = MaxPayload - TagSize
	// GroupChunkPlaintextMax is the largest plaintext one group chunk can
	// carry once its "[GRP:i/N]" prefix is accounted for.
	GroupChunkPlaintextMax = SinglePlaintextMax - GroupPrefixOverhead
)

// groupPrefixRe matches spec.md §6's exact prefix regex.
var groupPrefixRe = regexp.MustCompile(`^\[GRP:(\d+)/(\d+)\]`)

// GroupPrefix returns the "[GRP:i/N]" prefix for chunk i of n (1-indexed).
func GroupPrefix(i, n int) string { return fmt.Sprintf("[GRP:%d/%d]", i, n) }

// ParseGroupPrefix reports whether content carries a group-chunk prefix,
// returning the chunk index/count and the remainder of the content.
func ParseGroupPrefix(content string) (index, total int, rest string, ok bool) {
	m := groupPrefixRe.FindStringSubmatchIndex(content)
	if m == nil {
		return 0, 0, content, false
	}
	idx := content[m[2]:m[3]]
	tot := content[m[4]:m[5]]
	var i, n int
	if _, err := fmt.Sscanf(idx, "%d", &i); err != nil {
		return 0, 0, content, false
	}
	if _, err := fmt.Sscanf(tot, "%d", &n); err != nil {
		return 0, 0, content, false
	}
	return i, n, content[m[1]:], true
}

// zeroNonce is safe here because every key this package ever seals under is
// single-use: internal/psk's ratchet derives a fresh 32-byte key per message
// counter and is never reused, so a fixed nonce never repeats under the same
// key. This keeps the envelope's wire overhead at exactly the authentication
// tag (matching spec.md §6's MAX_PAYLOAD − TAG_SIZE(16) − 13 budget) instead
// of also carrying a 24-byte nonce per message.
var zeroNonce [24]byte

// Seal symmetrically encrypts plaintext under a 32-byte single-use key.
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	return secretbox.Seal(nil, plaintext, &zeroNonce, &key), nil
}

// Open decrypts a Seal-produced envelope. ok is false on any authentication
// failure (wrong key, corrupted ciphertext, or truncated input) rather than
// returning an error, since trial-decryption against multiple candidate keys
// (see internal/psk) is an expected, non-exceptional outcome.
func Open(key [32]byte, envelope []byte) (plaintext []byte, ok bool) {
	out, okOpen := secretbox.Open(nil, envelope, &zeroNonce, &key)
	if !okOpen {
		return nil, false
	}
	return out, true
}
