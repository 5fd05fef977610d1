package algochat

import (
	"context"
	"sync"
	"time"
)

// Discoverer runs the discovery poll (spec.md §4.5.3): it looks for incoming
// notes from senders not yet bound to any PSK contact, trial-decrypts them,
// and on a match binds the sender's address to that contact.
type Discoverer struct {
	bridge *Bridge

	mu      sync.Mutex
	cursor  int64
	started bool
}

func newDiscoverer(b *Bridge) *Discoverer {
	return &Discoverer{bridge: b}
}

// Poll runs one discovery cycle. Callers drive this on syncInterval whenever
// unmatched PSK contacts exist; it is a no-op otherwise.
func (d *Discoverer) Poll(ctx context.Context) {
	contacts, err := d.bridge.stores.PSK.UnmatchedContacts(ctx)
	if err != nil || len(contacts) == 0 {
		return
	}

	d.mu.Lock()
	if !d.started {
		round, err := d.bridge.transport.CurrentRound(ctx)
		if err != nil {
			d.mu.Unlock()
			return
		}
		d.cursor = round - 750
		d.started = true
	}
	since := d.cursor
	d.mu.Unlock()

	notes, err := d.bridge.transport.QueryIncomingNotesSince(ctx, since)
	if err != nil {
		d.bridge.logger.Error("algochat: discovery query failed", "error", err)
		return
	}

	// Keep only the most recent note per unknown sender: spec.md §4.5.3
	// delivers only the latest decrypted message per newly-bound sender,
	// to avoid replaying historical traffic through handleIncomingMessage.
	latestBySender := make(map[string][]byte)
	latestRound := make(map[string]int64)
	var maxRound int64
	for _, n := range notes {
		if n.Round > maxRound {
			maxRound = n.Round
		}
		if n.Round >= latestRound[n.Sender] {
			latestBySender[n.Sender] = n.RawNote
			latestRound[n.Sender] = n.Round
		}
	}

	for sender, note := range latestBySender {
		contact, plaintext, _, ok := d.bridge.pskMgr.TryDecryptUnmatched(ctx, note)
		if !ok {
			continue
		}
		if err := d.bridge.pskMgr.BindAddress(ctx, contact.ID, sender); err != nil {
			d.bridge.logger.Error("algochat: bind discovered address failed", "error", err)
			continue
		}
		d.bridge.logger.Info("algochat: discovered psk contact address", "contact", contact.Nickname, "address", sender)
		d.bridge.handleIncomingMessage(ctx, sender, string(plaintext), latestRound[sender], 0)
	}

	if maxRound > 0 {
		d.mu.Lock()
		d.cursor = maxRound + 1
		d.mu.Unlock()
	}
}

// RunDiscoveryLoop polls on interval until ctx is cancelled. Intended to be
// started once at bridge wiring time, alongside the sync manager's own
// cadence.
func (b *Bridge) RunDiscoveryLoop(ctx context.Context, interval time.Duration) {
	if b.discoverer == nil {
		b.discoverer = newDiscoverer(b)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.discoverer.Poll(ctx)
		}
	}
}
