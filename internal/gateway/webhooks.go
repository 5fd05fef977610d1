package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// deliverWebhooks fans event out to every enabled registration subscribed to
// it (Events containing event or "*"), POSTing a signed JSON body and
// recording the outcome. Failures are logged via the recorded delivery row
// and the webhook_delivery WS broadcast, never returned to the caller —
// webhook delivery is best-effort, matching spec.md §7's TransportFailure
// classification for outbound callbacks.
func (s *Server) deliverWebhooks(ctx context.Context, event string, payload map[string]any) {
	if s.stores.Webhooks == nil {
		return
	}
	hooks, err := s.stores.Webhooks.ListWebhooks(ctx)
	if err != nil {
		s.logger.Warn("gateway: list webhooks for delivery failed", "error", err)
		return
	}

	body, _ := json.Marshal(map[string]any{"event": event, "payload": payload})
	for _, h := range hooks {
		if !h.Enabled || !subscribesTo(h.Events, event) {
			continue
		}
		go s.deliverOne(ctx, h, event, body)
	}
}

func subscribesTo(events []string, event string) bool {
	for _, e := range events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

func (s *Server) deliverOne(ctx context.Context, h *store.WebhookRegistration, event string, body []byte) {
	deliveryCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(deliveryCtx, http.MethodPost, h.URL, bytes.NewReader(body))
	delivery := &store.WebhookDelivery{ID: uuid.NewString(), WebhookID: h.ID, Event: event, CreatedAt: time.Now()}
	if err != nil {
		delivery.Error = err.Error()
		s.recordDelivery(ctx, delivery)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Secret != "" {
		req.Header.Set("X-Goclaw-Signature", hmacHex(h.Secret, body))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		delivery.Error = err.Error()
		s.recordDelivery(ctx, delivery)
		return
	}
	defer resp.Body.Close()
	delivery.StatusCode = resp.StatusCode
	if resp.StatusCode >= 300 {
		delivery.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	s.recordDelivery(ctx, delivery)
}

func (s *Server) recordDelivery(ctx context.Context, d *store.WebhookDelivery) {
	if err := s.stores.Webhooks.RecordDelivery(ctx, d); err != nil {
		s.logger.Warn("gateway: record webhook delivery failed", "error", err)
	}
	s.webhookDeliveryEmit(map[string]any{
		"id": d.ID, "webhookId": d.WebhookID, "event": d.Event,
		"statusCode": d.StatusCode, "error": d.Error,
	})
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// --- /api/webhooks CRUD ---

func (s *Server) handleWebhooksCollection(w http.ResponseWriter, r *http.Request) {
	if !requireToken(w, r, s.cfg.Token) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		hooks, err := s.stores.Webhooks.ListWebhooks(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, hooks)
	case http.MethodPost:
		var req struct {
			URL    string   `json:"url"`
			Secret string   `json:"secret"`
			Events []string `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		hook := &store.WebhookRegistration{
			ID: uuid.NewString(), URL: req.URL, Secret: req.Secret,
			Events: req.Events, Enabled: true, CreatedAt: time.Now(),
		}
		if err := s.stores.Webhooks.CreateWebhook(r.Context(), hook); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, hook)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWebhookItem handles /api/webhooks/{id} and /api/webhooks/{id}/deliveries,
// and /api/webhooks/deliveries (id == "deliveries" means "all deliveries").
func (s *Server) handleWebhookItem(w http.ResponseWriter, r *http.Request) {
	if !requireToken(w, r, s.cfg.Token) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/webhooks/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if id == "deliveries" {
		deliveries, err := s.stores.Webhooks.RecentDeliveries(r.Context(), 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, deliveries)
		return
	}

	if len(parts) == 2 && parts[1] == "deliveries" {
		deliveries, err := s.stores.Webhooks.DeliveriesByWebhook(r.Context(), id, 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, deliveries)
		return
	}

	switch r.Method {
	case http.MethodGet:
		hook, err := s.stores.Webhooks.GetWebhook(r.Context(), id)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, hook)
	case http.MethodPut:
		hook, err := s.stores.Webhooks.GetWebhook(r.Context(), id)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req struct {
			URL     string   `json:"url"`
			Secret  *string  `json:"secret"`
			Events  []string `json:"events"`
			Enabled *bool    `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.URL != "" {
			hook.URL = req.URL
		}
		if req.Secret != nil {
			hook.Secret = *req.Secret
		}
		if req.Events != nil {
			hook.Events = req.Events
		}
		if req.Enabled != nil {
			hook.Enabled = *req.Enabled
		}
		if err := s.stores.Webhooks.UpdateWebhook(r.Context(), hook); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, hook)
	case http.MethodDelete:
		if err := s.stores.Webhooks.DeleteWebhook(r.Context(), id); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGithubWebhook is the inbound GitHub ingress: a repo event (e.g.
// issue_comment, star) normalised and routed like any other ingress channel.
// Answers 503 when no secret is configured, per spec.md §6.
func (s *Server) handleGithubWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.GithubWebhookSecret == "" {
		http.Error(w, "github webhook ingress disabled", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("X-Hub-Signature-256")
	if !hmac.Equal([]byte(sig), []byte(hmacHex(s.cfg.GithubWebhookSecret, body))) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID != "" && s.dedup != nil && s.dedup.IsDuplicate("webhook-delivery", deliveryID) {
		w.WriteHeader(http.StatusOK)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)
	s.deliverWebhooks(r.Context(), "github."+event, payload)
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
