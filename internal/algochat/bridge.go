package algochat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/chain"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/council"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/dedup"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/psk"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/subscription"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

const (
	walletCacheTTL      = 60 * time.Second
	pubkeyCacheTTL      = time.Hour
	groupBucketTTL      = 5 * time.Minute
	txDedupNamespace    = "algochat:txid"
	txDedupMaxSize      = 500
	txDedupTTL          = 10 * time.Minute
	normalSyncInterval  = 8 * time.Second
	fastPollInterval    = 5 * time.Second
	synthesisTruncate   = 3000
)

// Event is one thing worth surfacing to the owner-facing feed (the gateway
// WS topic, a log line, or both) that doesn't belong to any one session.
type Event struct {
	Kind      string
	Address   string
	SessionID string
	Message   string
	Detail    map[string]any
}

// EmitFunc publishes an Event; nil is a valid no-op emitter.
type EmitFunc func(Event)

// Config is the bridge's static policy, normally sourced from the agent
// config tree at startup.
type Config struct {
	OwnerAddresses    []string
	DefaultAgentID    string
	CreditsPerAlgo    float64
	MinTransportFee   int64 // microunits; payments at or below this carry no credit
	WelcomeGrant      int64 // one-time credit grant for a brand-new sender
	DailyFeeBudget    int64 // microunits; egress dead-letters once exceeded for the day
	MainWalletAddress string
}

type pubkeyCacheEntry struct {
	key       [32]byte
	expiresAt time.Time
}

type groupBucket struct {
	total     int
	amount    int64
	chunks    map[int]string
	createdAt time.Time
}

// Bridge is the AlgoChat Bridge (spec.md §4.5): it adapts the external
// payment-and-note transport into session-system traffic.
type Bridge struct {
	stores    *store.Stores
	pm        *procmgr.Manager
	subs      *subscription.Manager
	engine    *council.Engine
	pskMgr    *psk.Manager
	dedupSvc  DedupChecker
	transport Transport
	pskChan   PSKChannel
	emit      EmitFunc
	logger    *slog.Logger
	cfg       Config

	mu               sync.Mutex
	agentWallets     map[string]bool
	agentWalletsAt   time.Time
	remoteAgentAddrs map[string]bool
	pubkeyCache      map[string]pubkeyCacheEntry
	groupBuf         map[string]*groupBucket
	dailyFeeDay      string
	dailyFeeSpent    int64
	defaultAgentID   string
	councilLaunches  map[string]string // council launch id -> originating participant
	discoverer       *Discoverer

	fastPollMu    sync.Mutex
	fastPollOn    bool
}

// DedupChecker is the subset of internal/dedup.Service the bridge needs,
// narrowed so tests can substitute an in-memory fake.
type DedupChecker interface {
	IsDuplicate(ns, key string) bool
}

// RegisterDedupNamespace declares the bridge's tx-id dedup namespace against
// a concrete *dedup.Service, matching spec.md §4.5's "bounded set (size ≤
// 500; oldest-first eviction)". Call once at wiring time before traffic
// starts flowing.
func RegisterDedupNamespace(svc *dedup.Service) {
	svc.Register(txDedupNamespace, dedup.NamespaceConfig{MaxSize: txDedupMaxSize, TTL: txDedupTTL})
}

// New constructs a Bridge and registers its sync callback with transport.
func New(stores *store.Stores, pm *procmgr.Manager, subs *subscription.Manager, engine *council.Engine, pskMgr *psk.Manager, dedupSvc DedupChecker, transport Transport, pskChan PSKChannel, emit EmitFunc, logger *slog.Logger, cfg Config) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(Event) {}
	}
	b := &Bridge{
		stores:           stores,
		pm:               pm,
		subs:             subs,
		engine:           engine,
		pskMgr:           pskMgr,
		dedupSvc:         dedupSvc,
		transport:        transport,
		pskChan:          pskChan,
		emit:             emit,
		logger:           logger,
		cfg:              cfg,
		agentWallets:     make(map[string]bool),
		remoteAgentAddrs: make(map[string]bool),
		pubkeyCache:      make(map[string]pubkeyCacheEntry),
		groupBuf:         make(map[string]*groupBucket),
		defaultAgentID:   cfg.DefaultAgentID,
	}
	transport.RegisterSyncCallback(b.handleBatch)
	pm.SubscribeAll(func(ev procmgr.Event) {
		if ev.Type == protocol.EventApprovalRequest {
			b.NotePendingApproval()
		}
	})
	return b
}

// SetRemoteAgentAddresses declares the agent-to-agent channel's own set of
// participant addresses, so the bridge can defer those to that channel
// instead of treating them as ordinary chat participants.
func (b *Bridge) SetRemoteAgentAddresses(addrs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remoteAgentAddrs = make(map[string]bool, len(addrs))
	for _, a := range addrs {
		b.remoteAgentAddrs[a] = true
	}
}

// pruneGroupBuf drops expired group-chunk buckets; called opportunistically from
// the ingress path rather than on its own ticker since ingress volume is the
// only thing that grows the map.
func (b *Bridge) pruneGroupBuf(now time.Time) {
	for key, bucket := range b.groupBuf {
		if now.Sub(bucket.createdAt) > groupBucketTTL {
			delete(b.groupBuf, key)
		}
	}
}

func (b *Bridge) refreshAgentWallets(ctx context.Context) map[string]bool {
	b.mu.Lock()
	if time.Since(b.agentWalletsAt) < walletCacheTTL && len(b.agentWallets) > 0 {
		wallets := b.agentWallets
		b.mu.Unlock()
		return wallets
	}
	b.mu.Unlock()

	agents, err := b.stores.Agents.ListAgents(ctx)
	if err != nil {
		b.logger.Error("algochat: refresh agent wallets failed", "error", err)
		b.mu.Lock()
		wallets := b.agentWallets
		b.mu.Unlock()
		return wallets
	}
	wallets := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a.WalletAddress != "" {
			wallets[a.WalletAddress] = true
		}
	}
	b.mu.Lock()
	b.agentWallets = wallets
	b.agentWalletsAt = time.Now()
	b.mu.Unlock()
	return wallets
}

func (b *Bridge) isLocalAgentWallet(ctx context.Context, address string) bool {
	return b.refreshAgentWallets(ctx)[address]
}

func (b *Bridge) isRemoteAgent(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteAgentAddrs[address]
}

func (b *Bridge) isOwner(address string) bool {
	for _, a := range b.cfg.OwnerAddresses {
		if a == address {
			return true
		}
	}
	return false
}

// handleBatch is the transport sync callback: the ingress pipeline's first
// four stages (spec.md §4.5 steps 1-4), delivering exactly one
// handleIncomingMessage per non-dropped, fully-reassembled message.
func (b *Bridge) handleBatch(ctx context.Context, batch []IncomingBatchMessage) {
	for _, msg := range batch {
		if msg.Direction == "sent" {
			continue
		}
		if b.isLocalAgentWallet(ctx, msg.Sender) {
			continue
		}
		if b.dedupSvc != nil && b.dedupSvc.IsDuplicate(txDedupNamespace, msg.TxID) {
			continue
		}

		idx, total, rest, isGroup := chain.ParseGroupPrefix(msg.Content)
		if !isGroup {
			b.handleIncomingMessage(ctx, msg.Sender, msg.Content, msg.Round, msg.AmountMicroUnit)
			continue
		}

		b.mu.Lock()
		now := time.Now()
		b.pruneGroupBuf(now)
		key := fmt.Sprintf("%s|%d", msg.Sender, msg.Round)
		bucket, ok := b.groupBuf[key]
		if !ok {
			bucket = &groupBucket{total: total, chunks: make(map[int]string), createdAt: now}
			b.groupBuf[key] = bucket
		}
		if idx >= 1 && idx <= bucket.total {
			bucket.chunks[idx] = rest
		}
		if idx == 1 {
			bucket.amount = msg.AmountMicroUnit
		}
		complete := len(bucket.chunks) == bucket.total
		var full string
		var amount int64
		if complete {
			var sb strings.Builder
			for i := 1; i <= bucket.total; i++ {
				sb.WriteString(bucket.chunks[i])
			}
			full = sb.String()
			amount = bucket.amount
			delete(b.groupBuf, key)
		}
		b.mu.Unlock()

		if complete {
			b.handleIncomingMessage(ctx, msg.Sender, full, msg.Round, amount)
		}
	}
}

type multiDeviceEnvelope struct {
	M string `json:"m"`
	D string `json:"d,omitempty"`
}

var approvalResponseTokens = map[string]procmgr.Decision{
	"approve": procmgr.DecisionApprove,
	"y":       procmgr.DecisionApprove,
	"yes":     procmgr.DecisionApprove,
	"deny":    procmgr.DecisionDeny,
	"n":       procmgr.DecisionDeny,
	"no":      procmgr.DecisionDeny,
}

// handleIncomingMessage implements spec.md §4.5's documented step order.
func (b *Bridge) handleIncomingMessage(ctx context.Context, participant, content string, round, amountMicroUnit int64) {
	if _, _, _, ok := chain.ParseGroupPrefix(content); ok {
		b.logger.Warn("algochat: raw group-chunk prefix survived reassembly, dropping", "participant", participant)
		return
	}

	devicePrefix := ""
	var env multiDeviceEnvelope
	if json.Unmarshal([]byte(content), &env) == nil && env.M != "" {
		content = env.M
		if env.D != "" {
			devicePrefix = fmt.Sprintf("[From: %s] ", env.D)
		}
	}

	if shortID, decision, ok := parseApprovalResponse(content); ok {
		if origin, found := b.resolveApprovalOrigin(shortID); found && origin == participant {
			if b.pm.ResolveByShortID(shortID, decision, participant) {
				b.stopFastPollIfIdle()
				return
			}
		}
	}

	if b.isRemoteAgent(participant) {
		return
	}

	owner := b.isOwner(participant)
	var contact *store.PSKContact
	if !owner {
		c, err := b.lookupPSKContact(ctx, participant)
		if err != nil {
			b.logger.Error("algochat: psk contact lookup failed", "error", err)
		}
		contact = c
		if contact == nil {
			b.logger.Info("algochat: rejecting unauthorised participant", "participant", participant)
			return
		}
	}

	if amountMicroUnit > b.cfg.MinTransportFee {
		b.creditParticipant(ctx, participant, amountMicroUnit)
	}
	if !owner {
		allowed, err := b.pm.CanStartSession(ctx, participant)
		if err != nil {
			b.logger.Error("algochat: credit pre-check failed", "error", err)
			return
		}
		if !allowed {
			b.sendResponse(ctx, participant, "Insufficient credits to start a session. Send a payment to top up.", 0)
			return
		}
	}

	content = devicePrefix + content

	if strings.HasPrefix(strings.TrimSpace(content), "/") {
		b.dispatchCommand(ctx, participant, strings.TrimSpace(content), owner)
		return
	}

	b.routeToAgent(ctx, participant, content, round)
}

func parseApprovalResponse(content string) (shortID string, decision procmgr.Decision, ok bool) {
	parts := strings.Fields(strings.TrimSpace(content))
	if len(parts) != 2 {
		return "", 0, false
	}
	d, known := approvalResponseTokens[strings.ToLower(parts[1])]
	if !known || len(parts[0]) < 6 {
		return "", 0, false
	}
	return parts[0], d, true
}

func (b *Bridge) resolveApprovalOrigin(shortID string) (string, bool) {
	for _, a := range b.pm.PendingApprovals() {
		if a.ShortID == shortID {
			return b.pm.SessionOriginAddress(a.SessionID)
		}
	}
	return "", false
}

func (b *Bridge) lookupPSKContact(ctx context.Context, address string) (*store.PSKContact, error) {
	c, err := b.stores.PSK.ContactByMobileAddress(ctx, address)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if !c.Active {
		return nil, nil
	}
	return c, nil
}

func (b *Bridge) creditParticipant(ctx context.Context, address string, amountMicroUnit int64) {
	excess := amountMicroUnit - b.cfg.MinTransportFee
	if excess <= 0 {
		return
	}
	delta := int64(float64(excess) * b.cfg.CreditsPerAlgo / 1_000_000)
	if delta <= 0 {
		return
	}
	if b.cfg.WelcomeGrant > 0 {
		granted, err := b.stores.Credit.HasReceivedWelcomeGrant(ctx, address)
		if err == nil && !granted {
			delta += b.cfg.WelcomeGrant
		}
	}
	if _, err := b.stores.Credit.ApplyDelta(ctx, address, delta, "algochat_payment"); err != nil {
		b.logger.Error("algochat: credit participant failed", "address", address, "error", err)
	}
}

// routeToAgent resolves or creates the conversation, picks a target agent,
// and creates-or-reuses a session (spec.md §4.5's final ingress step).
func (b *Bridge) routeToAgent(ctx context.Context, participant, content string, round int64) {
	conv, err := b.stores.AlgoChat.GetConversation(ctx, participant)
	if err != nil && err != store.ErrNotFound {
		b.logger.Error("algochat: get conversation failed", "error", err)
		return
	}
	if conv == nil {
		conv = &store.AlgoChatConversation{ID: uuid.NewString(), ParticipantAddr: participant}
	}

	agentID := conv.AgentID
	if agentID == "" {
		agentID = b.pickTargetAgent(ctx)
	}
	if agentID == "" {
		b.sendResponse(ctx, participant, "No agent is configured to handle AlgoChat messages yet.", 0)
		return
	}

	sess, created, err := b.createOrReuseSession(ctx, conv, agentID, content)
	if err != nil {
		b.logger.Error("algochat: session create/reuse failed", "error", err)
		return
	}

	conv.AgentID = agentID
	conv.SessionID = sess.ID
	if round > conv.LastRound {
		conv.LastRound = round
	}
	if err := b.stores.AlgoChat.UpsertConversation(ctx, conv); err != nil {
		b.logger.Error("algochat: upsert conversation failed", "error", err)
	}

	b.subs.EnsureConsumerA(sess.ID, participant,
		func(status string) { b.sendResponse(ctx, participant, status, 0) },
		func(text string) { b.sendResponse(ctx, participant, text, 0) },
	)

	if created {
		if err := b.pm.StartProcess(ctx, sess, content, participant); err != nil {
			b.logger.Error("algochat: start process failed", "error", err)
		}
	} else {
		if !b.pm.SendMessage(sess.ID, content) {
			_ = b.pm.ResumeProcess(ctx, sess, content, participant)
		}
	}
}

func (b *Bridge) pickTargetAgent(ctx context.Context) string {
	if b.defaultAgentID != "" {
		return b.defaultAgentID
	}
	agents, err := b.stores.Agents.ListAgents(ctx)
	if err != nil {
		return ""
	}
	var firstEnabled string
	for _, a := range agents {
		if !a.AlgoChatEnabled {
			continue
		}
		if firstEnabled == "" {
			firstEnabled = a.ID
		}
		if a.AlgoChatAuto {
			return a.ID
		}
	}
	return firstEnabled
}

func (b *Bridge) createOrReuseSession(ctx context.Context, conv *store.AlgoChatConversation, agentID, content string) (*store.Session, bool, error) {
	if conv.SessionID != "" {
		sess, err := b.stores.Sessions.Get(ctx, conv.SessionID)
		if err == nil && sess.Status != protocol.SessionStatusStopped && sess.Status != protocol.SessionStatusError {
			return sess, false, nil
		}
	}
	now := time.Now()
	sess := &store.Session{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Name:          "algochat-" + conv.ParticipantAddr[:min(8, len(conv.ParticipantAddr))],
		Status:        protocol.SessionStatusCreated,
		Source:        protocol.SessionSourceAlgoChat,
		InitialPrompt: content,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.stores.Sessions.Create(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (b *Bridge) stopFastPollIfIdle() {
	if b.pm.PendingApprovalCount() > 0 {
		return
	}
	b.fastPollMu.Lock()
	defer b.fastPollMu.Unlock()
	if b.fastPollOn {
		b.fastPollOn = false
		b.transport.SetSyncInterval(normalSyncInterval)
	}
}

// NotePendingApproval is called by anything that just learned an approval
// request was emitted, to arm the fast-poll timer (spec.md §4.5.3).
func (b *Bridge) NotePendingApproval() {
	b.fastPollMu.Lock()
	defer b.fastPollMu.Unlock()
	if !b.fastPollOn {
		b.fastPollOn = true
		b.transport.SetSyncInterval(fastPollInterval)
	}
}
