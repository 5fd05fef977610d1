package algochat

import (
	"context"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/chain"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

const (
	pskChunkMaxBytes      = 800
	pskChunkDelay         = 4500 * time.Millisecond
	singleSendTruncateMax = 850
)

// SendNotification delivers an out-of-band message (notification/ask-owner
// fan-out, §4.8) to a wallet address through the same egress path used for
// agent replies, so notify.Bus can treat the bridge as one more
// notify.Channel destination.
func (b *Bridge) SendNotification(ctx context.Context, address, text string) error {
	b.sendResponse(ctx, address, text, 0)
	return nil
}

// sendResponse implements spec.md §4.5.2's egress path. paymentAmount is the
// requested payment (microunits) to carry on the lead transaction of a group
// send (step 5); zero means the caller has no payment to request and the
// transport minimum is used instead.
func (b *Bridge) sendResponse(ctx context.Context, participant, text string, paymentAmount int64) {
	if text == "" {
		return
	}

	today := time.Now().UTC().Format("2006-01-02")
	b.mu.Lock()
	if b.dailyFeeDay != today {
		b.dailyFeeDay = today
		b.dailyFeeSpent = 0
	}
	overBudget := b.cfg.DailyFeeBudget > 0 && b.dailyFeeSpent >= b.cfg.DailyFeeBudget
	b.mu.Unlock()
	if overBudget {
		b.logger.Warn("algochat: daily fee budget exceeded, dead-lettering message", "participant", participant, "len", len(text))
		b.emit(Event{Kind: "dead_letter", Address: participant, Message: text})
		return
	}

	contact, err := b.lookupPSKContact(ctx, participant)
	if err == nil && contact != nil {
		b.sendViaPSK(contact, text)
		return
	}

	wallet := b.cfg.MainWalletAddress
	if conv, err := b.stores.AlgoChat.GetConversation(ctx, participant); err == nil && conv != nil && conv.AgentID != "" {
		if agent, err := b.stores.Agents.GetAgent(ctx, conv.AgentID); err == nil && agent.WalletAddress != "" {
			wallet = agent.WalletAddress
		}
	}

	pub, err := b.resolveRecipientPub(ctx, participant)
	if err != nil {
		b.logger.Error("algochat: resolve recipient pubkey failed", "participant", participant, "error", err)
		return
	}

	fee, err := b.groupSend(ctx, wallet, participant, pub, text, paymentAmount)
	if err != nil {
		b.logger.Warn("algochat: group send failed, falling back to truncated single send", "error", err)
		fee, err = b.truncatedSingleSend(ctx, wallet, participant, pub, text)
		if err != nil {
			b.logger.Error("algochat: fallback single send failed", "participant", participant, "error", err)
			return
		}
	}

	b.recordEgressFee(ctx, participant, fee)
	b.emit(Event{Kind: "outbound", Address: participant, Message: text})
}

// sendViaPSK implements spec.md §4.5.2 step 2: ≤800-byte chunks at newline
// boundaries, each sealed under the contact's ratchet and sent with a
// ≥4.5s delay so chunks settle in distinct rounds while preserving order.
func (b *Bridge) sendViaPSK(contact *store.PSKContact, text string) {
	chunks := chunkAtNewlines(text, pskChunkMaxBytes)
	ratchet := b.pskMgr.RatchetForAddress(contact)
	ctx := context.Background()
	for i, chunk := range chunks {
		envelope, _, err := ratchet.Seal([]byte(chunk))
		if err != nil {
			b.logger.Error("algochat: psk seal failed", "error", err)
			return
		}
		if err := b.pskChan.Send(ctx, contact.MobileAddress, envelope); err != nil {
			b.logger.Error("algochat: psk send failed", "error", err)
			return
		}
		if i < len(chunks)-1 {
			time.Sleep(pskChunkDelay)
		}
	}
}

// groupSend implements spec.md §4.5.2 step 5: the lead transaction carries
// the requested payment amount, later ones carry only the transport minimum.
func (b *Bridge) groupSend(ctx context.Context, wallet, participant string, recipientPub [32]byte, text string, paymentAmount int64) (int64, error) {
	leadAmount := paymentAmount
	if leadAmount <= 0 {
		leadAmount = b.cfg.MinTransportFee
	}

	rawChunks := chunkFixedSize(text, chain.GroupChunkPlaintextMax)
	if len(rawChunks) == 1 {
		return b.transport.SendSingle(ctx, wallet, participant, leadAmount, recipientPub, rawChunks[0])
	}
	prefixed := make([]string, len(rawChunks))
	amounts := make([]int64, len(rawChunks))
	for i, c := range rawChunks {
		prefixed[i] = chain.GroupPrefix(i+1, len(rawChunks)) + c
		amounts[i] = b.cfg.MinTransportFee
	}
	amounts[0] = leadAmount
	return b.transport.SendGroup(ctx, wallet, participant, amounts, recipientPub, prefixed)
}

// truncatedSingleSend implements spec.md §4.5.2 step 6.
func (b *Bridge) truncatedSingleSend(ctx context.Context, wallet, participant string, recipientPub [32]byte, text string) (int64, error) {
	truncated := text
	if len(truncated) > singleSendTruncateMax {
		truncated = truncated[:singleSendTruncateMax] + "..."
	}
	return b.transport.SendSingle(ctx, wallet, participant, b.cfg.MinTransportFee, recipientPub, truncated)
}

// chunkFixedSize splits text into byte-bounded pieces without regard to
// natural boundaries, for the group-send envelope budget.
func chunkFixedSize(text string, maxBytes int) []string {
	if len(text) <= maxBytes {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		n := maxBytes
		if n > len(text) {
			n = len(text)
		}
		chunks = append(chunks, text[:n])
		text = text[n:]
	}
	return chunks
}

func (b *Bridge) resolveRecipientPub(ctx context.Context, address string) ([32]byte, error) {
	b.mu.Lock()
	if e, ok := b.pubkeyCache[address]; ok && time.Now().Before(e.expiresAt) {
		b.mu.Unlock()
		return e.key, nil
	}
	b.mu.Unlock()

	key, err := b.transport.ResolvePublicKey(ctx, address)
	if err != nil {
		return [32]byte{}, err
	}
	b.mu.Lock()
	b.pubkeyCache[address] = pubkeyCacheEntry{key: key, expiresAt: time.Now().Add(pubkeyCacheTTL)}
	b.mu.Unlock()
	return key, nil
}

func chunkAtNewlines(text string, maxBytes int) []string {
	var chunks []string
	remaining := text
	for len(remaining) > maxBytes {
		cut := strings.LastIndexByte(remaining[:maxBytes], '\n')
		if cut <= 0 {
			cut = maxBytes
		}
		chunks = append(chunks, remaining[:cut])
		remaining = strings.TrimPrefix(remaining[cut:], "\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func (b *Bridge) recordEgressFee(ctx context.Context, participant string, fee int64) {
	b.mu.Lock()
	b.dailyFeeSpent += fee
	b.mu.Unlock()

	conv, err := b.stores.AlgoChat.GetConversation(ctx, participant)
	if err != nil || conv == nil || conv.SessionID == "" {
		return
	}
	sess, err := b.stores.Sessions.Get(ctx, conv.SessionID)
	if err != nil {
		return
	}
	sess.TotalAlgoSpent += fee
	_ = b.stores.Sessions.Update(ctx, sess)
}
