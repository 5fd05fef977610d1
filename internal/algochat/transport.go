// Package algochat implements the AlgoChat Bridge: the adapter between the
// agent session system and an external append-only, recipient-addressed,
// per-message-paid transport (spec.md §4.5).
package algochat

import (
	"context"
	"time"
)

// IncomingBatchMessage is one transport-delivered, already-decrypted message
// as handed to the bridge by the sync manager's batch callback. The
// transport owns note decryption for established conversations; the bridge
// only trial-decrypts raw notes itself during discovery (see DiscoveryNote).
type IncomingBatchMessage struct {
	TxID            string
	Sender          string
	Direction       string // "sent" | "received"
	Content         string
	Round           int64
	AmountMicroUnit int64
}

// DiscoveryNote is one not-yet-attributable incoming payment note, queried
// directly from the indexer rather than delivered through the sync manager,
// since the sender isn't yet bound to any known conversation or contact.
type DiscoveryNote struct {
	TxID    string
	Sender  string
	Round   int64
	RawNote []byte
}

// SyncCallback receives one batch of incoming messages from the sync
// manager, on whatever cadence its current syncInterval is set to.
type SyncCallback func(ctx context.Context, batch []IncomingBatchMessage)

// Transport abstracts the external chain/indexer/sync-manager stack
// (spec.md §4.5 deliberately describes it only as "a transport with these
// properties": recipient-addressed, append-only, best-effort round-ordered,
// ~1KB per-message cap, per-message payment, atomic multi-chunk groups). The
// bridge never talks to a concrete chain SDK directly.
type Transport interface {
	// RegisterSyncCallback installs the batch handler the sync manager
	// drives on its own schedule; the bridge never polls on its own.
	RegisterSyncCallback(cb SyncCallback)
	// SetSyncInterval adjusts the sync manager's polling cadence, used by
	// the bridge's fast-poll timer while approvals are outstanding.
	SetSyncInterval(d time.Duration)

	// ResolvePublicKey resolves an address's on-chain note-encryption key.
	// The bridge caches this for an hour per spec.md §4.5.2 step 4.
	ResolvePublicKey(ctx context.Context, address string) ([32]byte, error)

	// SendSingle submits one payment-carrying transaction.
	SendSingle(ctx context.Context, fromWallet, toAddress string, amountMicroUnit int64, recipientPub [32]byte, plaintext string) (feeMicroUnit int64, err error)
	// SendGroup submits an atomic batch of payment transactions sharing one
	// round, one per already-chunked (and "[GRP:i/N]"-prefixed) plaintext.
	SendGroup(ctx context.Context, fromWallet, toAddress string, amountsMicroUnit []int64, recipientPub [32]byte, chunks []string) (feeMicroUnit int64, err error)

	// CurrentRound reports the transport's current round, for the discovery
	// poll's initial `currentRound - 750` cursor.
	CurrentRound(ctx context.Context) (int64, error)
	// QueryIncomingNotesSince returns raw (undecrypted) payment notes to the
	// main account from senders since sinceRound, for discovery polling.
	QueryIncomingNotesSince(ctx context.Context, sinceRound int64) ([]DiscoveryNote, error)
}

// PSKChannel is the side channel used for participants already bound to a
// PSKContact: envelopes travel the same transport, but addressed and priced
// differently (no payment required once a contact relationship exists).
type PSKChannel interface {
	Send(ctx context.Context, mobileAddress string, envelope []byte) error
}
