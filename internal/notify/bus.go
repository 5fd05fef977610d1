// Package notify implements the Notification / Ask-Owner Bus (spec.md
// §4.8): fan-out notifications, owner questions correlated by short id, and
// the read-only health-trend analytic.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

const (
	minAskTimeout = 1 * time.Minute
	maxAskTimeout = 10 * time.Minute
)

// Channel is one outbound notification adapter — discord, telegram, github,
// algochat, slack, or any future target. Each implementation owns resolving
// "this agent" to its own notion of destination (a webhook URL, a chat id,
// a wallet address); the Bus itself never parses per-channel config.
type Channel interface {
	Name() string
	Send(ctx context.Context, agentID, message string) error
}

// EmitFunc publishes agent_notification / agent_question events on the
// local WS `owner` topic (protocol.TopicOwner).
type EmitFunc func(kind string, detail map[string]any)

// Bus is the Notification / Ask-Owner Bus.
type Bus struct {
	stores    *store.Stores
	channels  []Channel
	emit      EmitFunc
	logger    *slog.Logger
	questions *questionRegistry
}

func New(stores *store.Stores, channels []Channel, emit EmitFunc, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	return &Bus{stores: stores, channels: channels, emit: emit, logger: logger, questions: newQuestionRegistry()}
}

// NotifyRequest is notify()'s input.
type NotifyRequest struct {
	AgentID   string
	SessionID string
	Title     string
	Message   string
	Level     string // protocol.NotifyLevel*
}

// NotifyResult reports the notification id and which channels were
// attempted, per spec.md §4.8.
type NotifyResult struct {
	ID                string
	ChannelsAttempted []string
}

// Notify persists one notification row, fans it out to every configured
// channel, and broadcasts it on the local WS owner topic. A channel send
// failure is logged and does not fail the call — spec.md §7 classifies
// channel delivery as TransportFailure, never fatal to the caller.
func (b *Bus) Notify(ctx context.Context, req NotifyRequest) (*NotifyResult, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("notify: message is required")
	}
	if req.Level == "" {
		req.Level = protocol.NotifyLevelInfo
	}

	text := req.Message
	if req.Title != "" {
		text = req.Title + ": " + req.Message
	}

	attempted := make([]string, 0, len(b.channels))
	for _, ch := range b.channels {
		attempted = append(attempted, ch.Name())
		if err := ch.Send(ctx, req.AgentID, text); err != nil {
			b.logger.Warn("notify: channel send failed", "channel", ch.Name(), "agent_id", req.AgentID, "error", err)
		}
	}

	n := &store.Notification{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Title:     req.Title,
		Message:   req.Message,
		Level:     req.Level,
		Channels:  attempted,
		CreatedAt: time.Now(),
	}
	if err := b.stores.Notify.SaveNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("save notification: %w", err)
	}

	b.emit(protocol.MsgAgentNotification, map[string]any{
		"id": n.ID, "agentId": n.AgentID, "sessionId": n.SessionID,
		"title": n.Title, "message": n.Message, "level": n.Level, "channels": attempted,
	})

	return &NotifyResult{ID: n.ID, ChannelsAttempted: attempted}, nil
}

// AskRequest is askOwner()'s input.
type AskRequest struct {
	SessionID string
	Question  string
	Options   []string
	Context   string
	Timeout   time.Duration
}

// AskOwner creates a pending question, dispatches it to every configured
// channel plus the local WS owner topic, and blocks until Resolve is called
// with this question's short id or the timeout elapses.
func (b *Bus) AskOwner(ctx context.Context, req AskRequest) (Response, error) {
	if req.Question == "" {
		return Response{}, fmt.Errorf("askOwner: question is required")
	}
	timeout := req.Timeout
	if timeout < minAskTimeout {
		timeout = minAskTimeout
	}
	if timeout > maxAskTimeout {
		timeout = maxAskTimeout
	}

	var agentID string
	if req.SessionID != "" {
		if sess, err := b.stores.Sessions.Get(ctx, req.SessionID); err == nil {
			agentID = sess.AgentID
		}
	}

	respCh := make(chan Response, 1)
	pq := b.questions.register(req.SessionID, req.Question, req.Options, timeout, func(r Response) {
		select {
		case respCh <- r:
		default:
		}
	})

	b.emit(protocol.MsgAgentQuestion, map[string]any{
		"shortId": pq.shortID, "sessionId": req.SessionID,
		"question": req.Question, "options": req.Options, "context": req.Context,
	})

	dispatchText := req.Question
	if req.Context != "" {
		dispatchText = req.Context + "\n\n" + req.Question
	}
	dispatchText += fmt.Sprintf(" [reply with id %s]", pq.shortID)
	for _, ch := range b.channels {
		if err := ch.Send(ctx, agentID, dispatchText); err != nil {
			b.logger.Warn("askOwner: channel dispatch failed", "channel", ch.Name(), "short_id", pq.shortID, "error", err)
		}
	}

	select {
	case r := <-respCh:
		return r, nil
	case <-ctx.Done():
		b.questions.resolveByShortID(pq.shortID, Response{Answered: false})
		return Response{Answered: false}, ctx.Err()
	}
}

// Resolve answers a pending question by its short id. Ingress adapters
// (local WS, AlgoChat commands, Slack) call this after running their own
// owner-authorization check — the Bus itself only correlates by id, the
// same division of responsibility internal/procmgr's approval registry
// uses for tool approvals. Returns false if no such question is pending.
func (b *Bus) Resolve(shortID, answer, responderID string) bool {
	return b.questions.resolveByShortID(shortID, Response{Answered: true, Answer: answer, ResponderID: responderID})
}

// AskOwnerApproval reduces AskOwner to a yes/no decision; cmd/ adapts it to
// internal/scheduler.OwnerAsker so Scheduler's owner_approve policy can gate
// on this Bus.
func (b *Bus) AskOwnerApproval(ctx context.Context, question string, timeout time.Duration) (bool, error) {
	resp, err := b.AskOwner(ctx, AskRequest{Question: question, Timeout: timeout})
	if err != nil {
		return false, err
	}
	if !resp.Answered {
		return false, nil
	}
	return isAffirmative(resp.Answer), nil
}

func isAffirmative(answer string) bool {
	switch answer {
	case "yes", "y", "approve", "approved", "ok", "true":
		return true
	default:
		return false
	}
}

// SaveHealthSnapshot and the read-only trend queries below round out
// spec.md §4.8's health-trends analytic.

func (b *Bus) SaveHealthSnapshot(ctx context.Context, snapshot *store.HealthSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.CollectedAt.IsZero() {
		snapshot.CollectedAt = time.Now()
	}
	return b.stores.Health.SaveSnapshot(ctx, snapshot)
}

func (b *Bus) GetRecentSnapshots(ctx context.Context, agentID, projectID string, limit int) ([]*store.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	return b.stores.Health.RecentSnapshots(ctx, agentID, projectID, limit)
}

// GetTrends fetches the most recent snapshots and computes their trend
// direction per metric (spec.md §4.8).
func (b *Bus) GetTrends(ctx context.Context, agentID, projectID string, limit int) ([]MetricTrend, error) {
	snapshots, err := b.GetRecentSnapshots(ctx, agentID, projectID, limit)
	if err != nil {
		return nil, err
	}
	return computeTrends(snapshots), nil
}

// FormatTrendsForPrompt renders trends for inclusion in an agent prompt.
func (b *Bus) FormatTrendsForPrompt(trends []MetricTrend) string {
	return formatTrendsForPrompt(trends)
}
