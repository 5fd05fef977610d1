package algochat

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/psk"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// --- fakes -----------------------------------------------------------------

type memAgentStore struct {
	mu   sync.Mutex
	rows map[string]*store.Agent
}

func newMemAgentStore() *memAgentStore { return &memAgentStore{rows: make(map[string]*store.Agent)} }

func (m *memAgentStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}
func (m *memAgentStore) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Agent
	for _, a := range m.rows {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
func (m *memAgentStore) UpdateAgent(ctx context.Context, a *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]*store.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{rows: make(map[string]*store.Session)}
}
func (m *memSessionStore) Create(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}
func (m *memSessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}
func (m *memSessionStore) Update(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}
func (m *memSessionStore) Delete(ctx context.Context, id string) error { return nil }
func (m *memSessionStore) ListActive(ctx context.Context) ([]*store.Session, error) {
	return nil, nil
}
func (m *memSessionStore) ListByLaunch(ctx context.Context, launchID string) ([]*store.Session, error) {
	return nil, nil
}
func (m *memSessionStore) AppendMessage(ctx context.Context, msg *store.SessionMessage) error {
	return nil
}
func (m *memSessionStore) LastAssistantMessage(ctx context.Context, sessionID string) (string, bool, error) {
	return "", false, nil
}
func (m *memSessionStore) Messages(ctx context.Context, sessionID string) ([]*store.SessionMessage, error) {
	return nil, nil
}

type memAlgoChatStore struct {
	mu   sync.Mutex
	rows map[string]*store.AlgoChatConversation
}

func newMemAlgoChatStore() *memAlgoChatStore {
	return &memAlgoChatStore{rows: make(map[string]*store.AlgoChatConversation)}
}
func (m *memAlgoChatStore) GetConversation(ctx context.Context, participantAddr string) (*store.AlgoChatConversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[participantAddr]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}
func (m *memAlgoChatStore) UpsertConversation(ctx context.Context, c *store.AlgoChatConversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.rows[c.ParticipantAddr] = &cp
	return nil
}

type memPSKStore struct {
	mu   sync.Mutex
	rows map[string]*store.PSKContact
}

func newMemPSKStore() *memPSKStore { return &memPSKStore{rows: make(map[string]*store.PSKContact)} }

func (m *memPSKStore) GetContact(ctx context.Context, id string) (*store.PSKContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}
func (m *memPSKStore) ContactByMobileAddress(ctx context.Context, addr string) (*store.PSKContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.MobileAddress == addr {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}
func (m *memPSKStore) UnmatchedContacts(ctx context.Context) ([]*store.PSKContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.PSKContact
	for _, c := range m.rows {
		if c.MobileAddress == "" {
			out = append(out, c)
		}
	}
	return out, nil
}
func (m *memPSKStore) SetMobileAddress(ctx context.Context, contactID, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[contactID]
	if !ok {
		return store.ErrNotFound
	}
	c.MobileAddress = addr
	return nil
}
func (m *memPSKStore) DeactivateContact(ctx context.Context, contactID string) error { return nil }

type memCreditStore struct {
	mu       sync.Mutex
	balances map[string]int64
	history  map[string][]*store.CreditTransaction
	welcomed map[string]bool
}

func newMemCreditStore() *memCreditStore {
	return &memCreditStore{balances: make(map[string]int64), history: make(map[string][]*store.CreditTransaction), welcomed: make(map[string]bool)}
}
func (m *memCreditStore) Balance(ctx context.Context, address string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}
func (m *memCreditStore) ApplyDelta(ctx context.Context, address string, delta int64, reason string) (*store.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] += delta
	m.welcomed[address] = true
	txn := &store.CreditTransaction{Address: address, Delta: delta, Reason: reason, BalanceAfter: m.balances[address]}
	m.history[address] = append(m.history[address], txn)
	return txn, nil
}
func (m *memCreditStore) History(ctx context.Context, address string, limit int) ([]*store.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[address], nil
}
func (m *memCreditStore) HasReceivedWelcomeGrant(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.welcomed[address], nil
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: make(map[string]bool)} }

func (f *fakeDedup) IsDuplicate(ns, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := ns + "|" + key
	if f.seen[k] {
		return true
	}
	f.seen[k] = true
	return false
}

type fakeTransport struct {
	mu         sync.Mutex
	cb         SyncCallback
	interval   time.Duration
	pubkeys    map[string][32]byte
	sentSingle []string
	sentGroup  [][]string
	failGroup  bool
}

func newFakeTransport() *fakeTransport { return &fakeTransport{pubkeys: make(map[string][32]byte)} }

func (f *fakeTransport) RegisterSyncCallback(cb SyncCallback) { f.cb = cb }
func (f *fakeTransport) SetSyncInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = d
}
func (f *fakeTransport) ResolvePublicKey(ctx context.Context, address string) ([32]byte, error) {
	return f.pubkeys[address], nil
}
func (f *fakeTransport) SendSingle(ctx context.Context, fromWallet, toAddress string, amount int64, recipientPub [32]byte, plaintext string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentSingle = append(f.sentSingle, plaintext)
	return 1000, nil
}
func (f *fakeTransport) SendGroup(ctx context.Context, fromWallet, toAddress string, amounts []int64, recipientPub [32]byte, chunks []string) (int64, error) {
	if f.failGroup {
		return 0, context.DeadlineExceeded
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentGroup = append(f.sentGroup, chunks)
	return 2000, nil
}
func (f *fakeTransport) CurrentRound(ctx context.Context) (int64, error) { return 1000, nil }
func (f *fakeTransport) QueryIncomingNotesSince(ctx context.Context, sinceRound int64) ([]DiscoveryNote, error) {
	return nil, nil
}

type fakePSKChannel struct {
	mu  sync.Mutex
	out []string
}

func (f *fakePSKChannel) Send(ctx context.Context, mobileAddress string, envelope []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, mobileAddress)
	return nil
}

type spawnerFunc func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error)

func (s spawnerFunc) Spawn(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
	return s(ctx, sess, prompt)
}

func sleepSpawner() procmgr.Spawner {
	return spawnerFunc(func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 5")
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, err
		}
		stdoutR, _ := io.Pipe()
		_, stdinW := io.Pipe()
		return cmd, stdinW, stdoutR, nil
	})
}

type testHarness struct {
	bridge    *Bridge
	agents    *memAgentStore
	sessions  *memSessionStore
	algochat  *memAlgoChatStore
	pskStore  *memPSKStore
	credit    *memCreditStore
	dedup     *fakeDedup
	transport *fakeTransport
	pskChan   *fakePSKChannel
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	agents := newMemAgentStore()
	sessions := newMemSessionStore()
	algochatStore := newMemAlgoChatStore()
	pskStore := newMemPSKStore()
	credit := newMemCreditStore()
	stores := &store.Stores{
		Agents:   agents,
		Sessions: sessions,
		AlgoChat: algochatStore,
		PSK:      pskStore,
		Credit:   credit,
	}
	pm := procmgr.New(sleepSpawner(), stores, nil)
	transport := newFakeTransport()
	pskChan := &fakePSKChannel{}
	dd := newFakeDedup()
	pskMgr := psk.NewManager(pskStore)

	b := New(stores, pm, nil, nil, pskMgr, dd, transport, pskChan, nil, nil, cfg)
	return &testHarness{
		bridge: b, agents: agents, sessions: sessions, algochat: algochatStore,
		pskStore: pskStore, credit: credit, dedup: dd, transport: transport, pskChan: pskChan,
	}
}

// --- tests -------------------------------------------------------------

func TestChunkAtNewlines_SplitsAtNewlineBoundary(t *testing.T) {
	text := "one\ntwo\nthree"
	chunks := chunkAtNewlines(text, 7)
	require.Equal(t, []string{"one", "two", "three"}, chunks)
}

func TestChunkFixedSize_SplitsWithoutRegardToBoundaries(t *testing.T) {
	chunks := chunkFixedSize("abcdefgh", 3)
	require.Equal(t, []string{"abc", "def", "gh"}, chunks)
}

func TestParseApprovalResponse_RecognisesShortIDAndToken(t *testing.T) {
	shortID, decision, ok := parseApprovalResponse("a1b2c3d4 approve")
	require.True(t, ok)
	require.Equal(t, "a1b2c3d4", shortID)
	require.Equal(t, procmgr.DecisionApprove, decision)

	_, _, ok = parseApprovalResponse("hello there")
	require.False(t, ok)
}

func TestHandleBatch_DropsSentAndDuplicateAndLocalAgentWallet(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.agents.rows["a1"] = &store.Agent{ID: "a1", Name: "Agent One", WalletAddress: "AGENTWALLET", AlgoChatEnabled: true, AlgoChatAuto: true}
	h.pskStore.rows["c1"] = &store.PSKContact{ID: "c1", MobileAddress: "OWNER1", Active: true}

	h.bridge.handleBatch(ctx, []IncomingBatchMessage{
		{TxID: "tx1", Sender: "AGENTWALLET", Direction: "received", Content: "hi", Round: 1},
		{TxID: "tx2", Sender: "SOMEONE", Direction: "sent", Content: "hi", Round: 1},
	})
	_, err := h.algochat.GetConversation(ctx, "AGENTWALLET")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.algochat.GetConversation(ctx, "SOMEONE")
	require.ErrorIs(t, err, store.ErrNotFound)

	h.bridge.handleBatch(ctx, []IncomingBatchMessage{
		{TxID: "tx3", Sender: "OWNER1", Direction: "received", Content: "hello", Round: 1},
	})
	conv, err := h.algochat.GetConversation(ctx, "OWNER1")
	require.NoError(t, err)
	require.Equal(t, "a1", conv.AgentID)

	// Re-delivering the same tx id must be dropped as a duplicate, not routed
	// to a second session.
	h.bridge.handleBatch(ctx, []IncomingBatchMessage{
		{TxID: "tx3", Sender: "OWNER1", Direction: "received", Content: "hello again", Round: 1},
	})
	require.True(t, h.dedup.IsDuplicate("algochat:txid", "tx3"))
}

func TestHandleBatch_ReassemblesGroupChunks(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.agents.rows["a1"] = &store.Agent{ID: "a1", AlgoChatEnabled: true, AlgoChatAuto: true}
	h.pskStore.rows["c1"] = &store.PSKContact{ID: "c1", MobileAddress: "OWNER1", Active: true}

	h.bridge.handleBatch(ctx, []IncomingBatchMessage{
		{TxID: "g1", Sender: "OWNER1", Direction: "received", Content: "[GRP:2/2]world", Round: 5},
		{TxID: "g2", Sender: "OWNER1", Direction: "received", Content: "[GRP:1/2]hello ", Round: 5},
	})

	conv, err := h.algochat.GetConversation(ctx, "OWNER1")
	require.NoError(t, err)
	require.NotEmpty(t, conv.SessionID)
}

func TestHandleIncomingMessage_RejectsUnauthorisedParticipant(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.bridge.handleIncomingMessage(ctx, "STRANGER", "hello", 1, 0)
	_, err := h.algochat.GetConversation(ctx, "STRANGER")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatchCommand_StatusIsNotOwnerOnlyButStopIs(t *testing.T) {
	h := newHarness(t, Config{OwnerAddresses: []string{"OWNER"}})
	ctx := context.Background()

	h.bridge.dispatchCommand(ctx, "OWNER1", "/status", false)
	require.Len(t, h.transport.sentSingle, 1)

	h.bridge.dispatchCommand(ctx, "OWNER1", "/stop s1", false)
	require.Len(t, h.transport.sentSingle, 2)
	require.Contains(t, h.transport.sentSingle[1], "requires owner status")
}

func TestCreditParticipant_CreditsExcessOverTransportMinimum(t *testing.T) {
	h := newHarness(t, Config{MinTransportFee: 1000, CreditsPerAlgo: 1})
	ctx := context.Background()
	h.bridge.creditParticipant(ctx, "PAYER", 2_000_000)
	balance, err := h.credit.Balance(ctx, "PAYER")
	require.NoError(t, err)
	require.Greater(t, balance, int64(0))
}

func TestGroupSend_FallsBackToTruncatedSingleSendOnFailure(t *testing.T) {
	h := newHarness(t, Config{MinTransportFee: 1000, MainWalletAddress: "MAIN"})
	h.transport.failGroup = true
	ctx := context.Background()

	h.bridge.sendResponse(ctx, "RECIPIENT", strings.Repeat("a", 2000), 0)
	require.Len(t, h.transport.sentSingle, 1)
	require.Len(t, h.transport.sentSingle[0], singleSendTruncateMax+len("..."))
	require.Empty(t, h.transport.sentGroup)
}
