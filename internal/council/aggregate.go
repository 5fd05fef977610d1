package council

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

// contribution pairs a session with the last assistant message it produced.
type contribution struct {
	session *store.Session
	content string
}

func filterByRole(sessions []*store.Session, role string) []*store.Session {
	var out []*store.Session
	for _, s := range sessions {
		if s.CouncilRole == role {
			out = append(out, s)
		}
	}
	return out
}

// latestResponses returns, in session order, every session among sessions
// that has produced at least one non-empty assistant message.
func (e *Engine) latestResponses(ctx context.Context, sessions []*store.Session) []contribution {
	var out []contribution
	for _, sess := range sessions {
		content, ok, err := e.stores.Sessions.LastAssistantMessage(ctx, sess.ID)
		if err != nil || !ok || content == "" {
			continue
		}
		out = append(out, contribution{session: sess, content: content})
	}
	return out
}

// aggregateResponses implements the response-aggregation rule: reviewer
// sessions are preferred over member sessions whenever at least one reviewer
// has produced output, otherwise member sessions contribute. Each
// contributing session's last assistant message is wrapped with a
// "### {agentName}" header; empty sessions contribute nothing.
func (e *Engine) aggregateResponses(ctx context.Context, sessions []*store.Session) string {
	reviewers := e.latestResponses(ctx, filterByRole(sessions, protocol.CouncilRoleReviewer))
	pool := reviewers
	if len(pool) == 0 {
		pool = e.latestResponses(ctx, filterByRole(sessions, protocol.CouncilRoleMember))
	}

	var blocks []string
	for _, c := range pool {
		blocks = append(blocks, fmt.Sprintf("### %s\n%s", e.namer(ctx, c.session.AgentID), c.content))
	}
	return strings.Join(blocks, "\n\n")
}

func (e *Engine) formatDiscussionTranscript(ctx context.Context, launchID string) string {
	msgs, err := e.stores.Council.DiscussionMessages(ctx, launchID)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "Round %d — %s:\n%s\n\n", m.Round, m.AgentName, m.Content)
	}
	return strings.TrimSpace(sb.String())
}
