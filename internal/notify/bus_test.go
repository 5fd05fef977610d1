package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]*store.Session
}

func (m *memSessionStore) Create(ctx context.Context, s *store.Session) error { return nil }
func (m *memSessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}
func (m *memSessionStore) Update(ctx context.Context, s *store.Session) error { return nil }
func (m *memSessionStore) Delete(ctx context.Context, id string) error       { return nil }
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

type memNotifyStore struct {
	mu    sync.Mutex
	saved []*store.Notification
}

func (m *memNotifyStore) SaveNotification(ctx context.Context, n *store.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, n)
	return nil
}

type memHealthStore struct {
	rows []*store.HealthSnapshot
}

func (m *memHealthStore) SaveSnapshot(ctx context.Context, h *store.HealthSnapshot) error {
	m.rows = append(m.rows, h)
	return nil
}
func (m *memHealthStore) RecentSnapshots(ctx context.Context, agentID, projectID string, limit int) ([]*store.HealthSnapshot, error) {
	// newest-first, matching the sqlite implementation's ORDER BY ... DESC
	out := make([]*store.HealthSnapshot, len(m.rows))
	for i, h := range m.rows {
		out[len(m.rows)-1-i] = h
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeChannel struct {
	name      string
	fail      bool
	mu        sync.Mutex
	sentTo    []string
	sentTexts []string
}

func (c *fakeChannel) Name() string { return c.name }
func (c *fakeChannel) Send(ctx context.Context, agentID, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentTo = append(c.sentTo, agentID)
	c.sentTexts = append(c.sentTexts, message)
	if c.fail {
		return errFakeChannel
	}
	return nil
}

var errFakeChannel = fakeErr("channel send failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newTestBus(channels ...Channel) (*Bus, *memNotifyStore, *memSessionStore) {
	notifyStore := &memNotifyStore{}
	sessions := &memSessionStore{rows: make(map[string]*store.Session)}
	stores := &store.Stores{Notify: notifyStore, Sessions: sessions, Health: &memHealthStore{}}
	return New(stores, channels, nil, nil), notifyStore, sessions
}

func TestNotify_FansOutToEveryChannelAndPersists(t *testing.T) {
	okCh := &fakeChannel{name: "discord"}
	failCh := &fakeChannel{name: "telegram", fail: true}
	bus, notifyStore, _ := newTestBus(okCh, failCh)

	res, err := bus.Notify(context.Background(), NotifyRequest{
		AgentID: "a1", Title: "Build", Message: "failed", Level: "error",
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"discord", "telegram"}, res.ChannelsAttempted)
	require.Len(t, notifyStore.saved, 1)
	require.Equal(t, "error", notifyStore.saved[0].Level)
	require.Equal(t, []string{"a1"}, okCh.sentTo)
	require.Equal(t, []string{"a1"}, failCh.sentTo) // attempted even though it failed
}

func TestNotify_RequiresMessage(t *testing.T) {
	bus, _, _ := newTestBus()
	_, err := bus.Notify(context.Background(), NotifyRequest{AgentID: "a1"})
	require.Error(t, err)
}

func TestAskOwner_ResolvesOnMatchingShortID(t *testing.T) {
	bus, _, sessions := newTestBus()
	sessions.rows["s1"] = &store.Session{ID: "s1", AgentID: "a1"}

	var shortID string
	go func() {
		for i := 0; i < 50; i++ {
			time.Sleep(10 * time.Millisecond)
			bus.questions.mu.Lock()
			if len(bus.questions.queue) > 0 {
				shortID = bus.questions.queue[0]
			}
			bus.questions.mu.Unlock()
			if shortID != "" {
				bus.Resolve(shortID, "yes", "owner-1")
				return
			}
		}
	}()

	resp, err := bus.AskOwner(context.Background(), AskRequest{
		SessionID: "s1", Question: "Deploy to prod?", Timeout: minAskTimeout,
	})
	require.NoError(t, err)
	require.True(t, resp.Answered)
	require.Equal(t, "yes", resp.Answer)
	require.Equal(t, "owner-1", resp.ResponderID)
}

func TestAskOwner_TimesOutToNoResponseSentinel(t *testing.T) {
	bus, _, _ := newTestBus()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp, err := bus.AskOwner(ctx, AskRequest{Question: "Proceed?", Timeout: time.Hour})
	require.Error(t, err)
	require.False(t, resp.Answered)
}

func TestAskOwnerApproval_ParsesAffirmativeAnswer(t *testing.T) {
	bus, _, _ := newTestBus()
	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.questions.mu.Lock()
		id := bus.questions.queue[0]
		bus.questions.mu.Unlock()
		bus.Resolve(id, "approve", "owner-1")
	}()
	approved, err := bus.AskOwnerApproval(context.Background(), "Run nightly job?", minAskTimeout)
	require.NoError(t, err)
	require.True(t, approved)
}

func snapshot(tscErrors int, at time.Time) *store.HealthSnapshot {
	return &store.HealthSnapshot{TscErrors: tscErrors, CollectedAt: at}
}

func TestComputeTrends_FewerThanTwoSnapshotsIsEmpty(t *testing.T) {
	require.Empty(t, computeTrends(nil))
	require.Empty(t, computeTrends([]*store.HealthSnapshot{snapshot(1, time.Now())}))
}

func TestComputeTrends_DetectsImprovingRegressingStable(t *testing.T) {
	now := time.Now()
	// newest-first input, as RecentSnapshots returns.
	newestFirst := []*store.HealthSnapshot{
		snapshot(2, now),
		snapshot(4, now.Add(-time.Hour)),
		snapshot(20, now.Add(-2*time.Hour)),
		snapshot(20, now.Add(-3*time.Hour)),
	}
	trends := computeTrends(newestFirst)
	require.NotEmpty(t, trends)

	var tscErrors MetricTrend
	for _, tr := range trends {
		if tr.Name == "tscErrors" {
			tscErrors = tr
		}
	}
	// chronological: [20, 20, 4, 2] -> older mean 20, newer mean 3 -> improving
	require.Equal(t, []int{20, 20, 4, 2}, tscErrors.Values)
	require.Equal(t, "improving", tscErrors.Trend)
}

func TestFormatTrendsForPrompt_EmptyYieldsFixedSentinel(t *testing.T) {
	require.Equal(t, "No trend data available yet (need at least 2 improvement cycles).", formatTrendsForPrompt(nil))
}

func TestFormatTrendsForPrompt_RendersOneLinePerMetricUppercased(t *testing.T) {
	out := formatTrendsForPrompt([]MetricTrend{{Name: "todos", Values: []int{5, 3, 1}, Trend: "improving"}})
	require.Equal(t, "todos: 5 -> 3 -> 1 [IMPROVING]", out)
}
