package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type memAgentStore struct {
	rows map[string]*store.Agent
}

func (m *memAgentStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	a, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}
func (m *memAgentStore) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	out := make([]*store.Agent, 0, len(m.rows))
	for _, a := range m.rows {
		out = append(out, a)
	}
	return out, nil
}
func (m *memAgentStore) UpdateAgent(ctx context.Context, a *store.Agent) error { return nil }

type memWebhookStore struct {
	mu         sync.Mutex
	hooks      map[string]*store.WebhookRegistration
	deliveries []*store.WebhookDelivery
}

func newMemWebhookStore() *memWebhookStore {
	return &memWebhookStore{hooks: make(map[string]*store.WebhookRegistration)}
}
func (m *memWebhookStore) CreateWebhook(ctx context.Context, w *store.WebhookRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[w.ID] = w
	return nil
}
func (m *memWebhookStore) GetWebhook(ctx context.Context, id string) (*store.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}
func (m *memWebhookStore) ListWebhooks(ctx context.Context) ([]*store.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.WebhookRegistration, 0, len(m.hooks))
	for _, w := range m.hooks {
		out = append(out, w)
	}
	return out, nil
}
func (m *memWebhookStore) UpdateWebhook(ctx context.Context, w *store.WebhookRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[w.ID]; !ok {
		return store.ErrNotFound
	}
	m.hooks[w.ID] = w
	return nil
}
func (m *memWebhookStore) DeleteWebhook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.hooks, id)
	return nil
}
func (m *memWebhookStore) RecordDelivery(ctx context.Context, d *store.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return nil
}
func (m *memWebhookStore) DeliveriesByWebhook(ctx context.Context, webhookID string, limit int) ([]*store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.WebhookDelivery
	for _, d := range m.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d)
		}
	}
	return out, nil
}
func (m *memWebhookStore) RecentDeliveries(ctx context.Context, limit int) ([]*store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.WebhookDelivery(nil), m.deliveries...), nil
}

func newTestServer() (*Server, *memWebhookStore) {
	agents := &memAgentStore{rows: map[string]*store.Agent{
		"a1": {ID: "a1", Name: "builder", Model: "claude-opus-4"},
	}}
	webhooks := newMemWebhookStore()
	stores := &store.Stores{Agents: agents, Webhooks: webhooks}
	cfg := &Config{Host: "127.0.0.1", Port: 0, Token: "secret-token", AdminAPIKey: "admin-key"}
	s := NewServer(cfg, Deps{Stores: stores}, nil)
	return s, webhooks
}

func TestHandleHealth_AlwaysOkWithoutAuth(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleMetrics_RequiresAdminToken(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handleMetrics(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	req2 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req2.Header.Set("Authorization", "Bearer admin-key")
	rec2 := httptest.NewRecorder()
	s.handleMetrics(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.Contains(t, rec2.Body.String(), "goclaw_ws_clients_connected")
}

func TestHandleAgentCard_ListsConfiguredAgents(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/agent-card.json", nil)
	rec := httptest.NewRecorder()
	s.handleAgentCard(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Cache-Control"), "max-age=300")

	var card map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	skills := card["skills"].([]any)
	require.Len(t, skills, 1)
}

func TestWebhooksCRUD_RoundTrips(t *testing.T) {
	s, _ := newTestServer()

	createBody, _ := json.Marshal(map[string]any{"url": "https://example.com/hook", "events": []string{"workflow_run_update"}})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	s.handleWebhooksCollection(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.WebhookRegistration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.True(t, created.Enabled)

	getReq := httptest.NewRequest(http.MethodGet, "/api/webhooks/"+created.ID, nil)
	getReq.Header.Set("Authorization", "Bearer secret-token")
	getRec := httptest.NewRecorder()
	s.handleWebhookItem(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	deleteReq := httptest.NewRequest(http.MethodDelete, "/api/webhooks/"+created.ID, nil)
	deleteReq.Header.Set("Authorization", "Bearer secret-token")
	deleteRec := httptest.NewRecorder()
	s.handleWebhookItem(deleteRec, deleteReq)
	require.Equal(t, http.StatusNoContent, deleteRec.Code)
}

func TestWebhooksCollection_RejectsWithoutToken(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/webhooks", nil)
	rec := httptest.NewRecorder()
	s.handleWebhooksCollection(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGithubWebhook_503WhenSecretUnset(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	s.handleGithubWebhook(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleGithubWebhook_RejectsBadSignature(t *testing.T) {
	s, _ := newTestServer()
	s.cfg.GithubWebhookSecret = "ghsecret"
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader([]byte(`{"zen":"hi"}`)))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	s.handleGithubWebhook(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGithubWebhook_AcceptsValidSignature(t *testing.T) {
	s, _ := newTestServer()
	s.cfg.GithubWebhookSecret = "ghsecret"
	body := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", hmacHex("ghsecret", body))
	req.Header.Set("X-GitHub-Event", "issues")
	rec := httptest.NewRecorder()
	s.handleGithubWebhook(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleSlackEvents_503WhenSecretUnset(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/slack/events", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	s.handleSlackEvents(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHub_PublishReachesOnlySubscribers(t *testing.T) {
	h := newHub()
	a := &Client{id: "a", send: make(chan []byte, 4), topics: map[string]bool{}}
	b := &Client{id: "b", send: make(chan []byte, 4), topics: map[string]bool{}}
	h.subscribe("council", a)

	h.publish("council", "council_log", map[string]any{"message": "hi"})

	select {
	case msg := <-a.send:
		require.Contains(t, string(msg), "council_log")
	default:
		t.Fatal("expected subscriber to receive message")
	}
	select {
	case <-b.send:
		t.Fatal("non-subscriber should not receive message")
	default:
	}
}

func TestHandleWebSocket_RequiresToken(t *testing.T) {
	s, _ := newTestServer()
	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestHandleWebSocket_SubscribeReceivesBroadcast(t *testing.T) {
	s, _ := newTestServer()
	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws?token=secret-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Topic: "council"}))
	time.Sleep(50 * time.Millisecond)
	s.hub.publish("council", "council_log", map[string]any{"message": "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(payload), "hello")
}
