// Package gateway implements the HTTP/WebSocket surface (spec.md §6): the
// single long-lived process boundary every ingress channel and operator
// tool talks to. It owns WebSocket topic fan-out, the outbound webhook
// registry, and the handful of public HTTP routes (health, metrics, the A2A
// agent card, provider listing, and inbound GitHub/Slack webhooks).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/dedup"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/notify"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/subscription"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/workflow"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

// Server is the gateway: HTTP mux, WebSocket hub, and every subsystem it
// fans events in from or dispatches requests out to.
type Server struct {
	cfg    *Config
	logger *slog.Logger

	stores    *store.Stores
	pm        *procmgr.Manager
	subs      *subscription.Manager
	notify    *notify.Bus
	dedup     *dedup.Service
	workflows *workflow.Engine

	slackIngress SlackIngress

	hub         *hub
	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	metrics     *metrics

	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps bundles every subsystem the gateway wires into its WS/HTTP surface.
// Notify and Dedup are optional (nil disables the owner-question resolve
// action and GitHub delivery dedup respectively).
type Deps struct {
	Stores    *store.Stores
	PM        *procmgr.Manager
	Subs      *subscription.Manager
	Notify    *notify.Bus
	Dedup     *dedup.Service
	Workflows *workflow.Engine
}

func NewServer(cfg *Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		stores: deps.Stores,
		pm:     deps.PM,
		subs:   deps.Subs,
		notify:    deps.Notify,
		dedup:     deps.Dedup,
		workflows: deps.Workflows,
		hub:       newHub(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.RateLimitRPM)
	s.metrics = newMetrics(func() float64 {
		if s.pm == nil {
			return 0
		}
		return float64(len(s.pm.GetActiveSessionIds()))
	})
	return s
}

// SetSlackIngress wires the Slack ingress adapter (internal/channels'
// NewSlackIngress); while none is set, POST /api/slack/events verifies and
// discards.
func (s *Server) SetSlackIngress(ing SlackIngress) { s.slackIngress = ing }

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients: CLI, SDKs, channel adapters
	}
	if !s.cfg.allowedOrigin(origin) {
		s.logger.Warn("gateway: rejected websocket origin", "origin", origin)
		return false
	}
	return true
}

// BuildMux constructs (and caches) the HTTP handler for every route this
// package owns.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/.well-known/agent-card.json", s.handleAgentCard)
	mux.HandleFunc("/api/providers", s.handleProviders)
	mux.HandleFunc("/api/providers/", s.handleProviderModels)

	mux.HandleFunc("/api/webhooks", s.handleWebhooksCollection)
	mux.HandleFunc("/api/webhooks/", s.handleWebhookItem)
	mux.HandleFunc("/webhooks/github", s.handleGithubWebhook)
	mux.HandleFunc("/api/slack/events", s.handleSlackEvents)
	mux.HandleFunc("/api/workflows/", s.handleWorkflowTrigger)

	s.mux = mux
	return s.mux
}

// Start serves the built mux until ctx is cancelled, then drains in-flight
// requests with a 5 second grace period.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "protocol": protocolVersion})
}

const protocolVersion = 1

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !requireToken(w, r, s.cfg.Token) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("gateway: websocket upgrade failed", "error", err)
		return
	}
	client := newClient(conn, s)
	defer func() {
		s.hub.removeClient(client)
		client.close()
	}()
	s.metrics.wsClients.Inc()
	defer s.metrics.wsClients.Dec()

	// A connection to /ws?session=<id> auto-subscribes to that session's
	// per-session topic and bridges it through the Process Manager's event
	// stream via ConsumerB, matching spec.md §6's session:{id} topic.
	if sessionID := r.URL.Query().Get("session"); sessionID != "" && s.subs != nil {
		s.subs.EnsureConsumerB(sessionID, func(msgType string, payload map[string]any) {
			s.hub.publish(protocol.SessionTopic(sessionID), msgType, payload)
		})
		client.topics[protocol.SessionTopic(sessionID)] = true
		s.hub.subscribe(protocol.SessionTopic(sessionID), client)
	}

	client.run(r.Context())
}
