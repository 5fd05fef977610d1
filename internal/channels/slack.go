package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
)

// SlackChannel delivers notify.Bus messages via chat.postMessage, using the
// same slack-go/slack client the ingress side already depends on.
type SlackChannel struct {
	api         *slack.Client
	channelByID map[string]string // agentID -> Slack channel/user id
}

func NewSlackChannel(botToken string, channelByID map[string]string) *SlackChannel {
	return &SlackChannel{api: slack.New(botToken), channelByID: channelByID}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, agentID, message string) error {
	dest, ok := c.channelByID[agentID]
	if !ok || dest == "" {
		return nil
	}
	_, _, err := c.api.PostMessageContext(ctx, dest, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("channels: slack post: %w", err)
	}
	return nil
}

// SlackIngress is the spec.md §1 "Slack/mobile bridge" ingress adapter: it
// implements gateway.SlackIngress structurally (same HandleEvent(channel,
// user, text string) method set) without importing internal/gateway, since
// the gateway wires this in the other direction via SetSlackIngress.
//
// Binding a Slack channel to a live session is explicit (BindSession) —
// there is no implicit "first message creates a session" behaviour here,
// matching the owner-driven session lifecycle the rest of the system uses
// (sessions are started by the Process Manager, never by an ingress adapter
// on its own initiative).
type SlackIngress struct {
	pm          *procmgr.Manager
	limiter     *WebhookRateLimiter
	logger      *slog.Logger
	mu          sync.RWMutex
	sessionByCh map[string]string // Slack channel id -> bound session id
}

func NewSlackIngress(pm *procmgr.Manager, logger *slog.Logger) *SlackIngress {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackIngress{
		pm:          pm,
		limiter:     NewWebhookRateLimiter(),
		logger:      logger,
		sessionByCh: make(map[string]string),
	}
}

// BindSession routes future messages on a Slack channel to sessionID.
func (s *SlackIngress) BindSession(slackChannel, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionByCh[slackChannel] = sessionID
}

// UnbindSession removes a Slack channel's routing (e.g. on session_exited).
func (s *SlackIngress) UnbindSession(slackChannel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessionByCh, slackChannel)
}

// HandleEvent forwards one inbound Slack message to its bound session, per
// spec.md §4.3's ingress pipeline: unbound channels and over-limit senders
// are dropped silently rather than surfaced as an error, since a Slack
// retry or an unrelated channel post isn't a caller-facing failure.
func (s *SlackIngress) HandleEvent(channel, user, text string) {
	if !s.limiter.Allow(user) {
		s.logger.Warn("slack ingress: rate limited", "user", user, "channel", channel)
		return
	}
	s.mu.RLock()
	sessionID, bound := s.sessionByCh[channel]
	s.mu.RUnlock()
	if !bound {
		s.logger.Debug("slack ingress: no session bound to channel", "channel", channel)
		return
	}
	if !s.pm.SendMessage(sessionID, text) {
		s.logger.Warn("slack ingress: session not running", "session", sessionID, "channel", channel)
	}
}
