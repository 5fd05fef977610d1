package council

import (
	"context"
	"sync/atomic"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

// watchAutoAdvance arms a countdown across sessionIDs; once every one has
// emitted session_exited it fires the role-appropriate auto-advance. A stage
// that spawned zero sessions auto-advances immediately (spec.md's
// zero-session stage rule).
func (e *Engine) watchAutoAdvance(launchID string, sessionIDs []string, role string) {
	if len(sessionIDs) == 0 {
		go e.autoAdvance(launchID, role) // the caller still holds the launch lock
		return
	}

	remaining := int64(len(sessionIDs))
	for _, sessionID := range sessionIDs {
		sessionID := sessionID
		var subID uint64
		var ok bool
		subID, ok = e.pm.Subscribe(sessionID, func(ev procmgr.Event) {
			if ev.Type != protocol.EventSessionExited {
				return
			}
			e.pm.Unsubscribe(sessionID, subID)
			if atomic.AddInt64(&remaining, -1) == 0 {
				e.autoAdvance(launchID, role)
			}
		})
		if !ok {
			// Session already gone before the watch could attach — count it done.
			if atomic.AddInt64(&remaining, -1) == 0 {
				go e.autoAdvance(launchID, role)
			}
		}
	}
}

// autoAdvance implements spec.md's two auto-advance transitions: a completed
// member-set moves to the next discussion round (if any remain) or to
// review; a completed reviewer-set moves to synthesis (if a chairman is
// configured) or to the aggregated finish.
func (e *Engine) autoAdvance(launchID, role string) {
	ctx := context.Background()

	switch role {
	case protocol.CouncilRoleMember:
		launch, err := e.stores.Council.GetLaunch(ctx, launchID)
		if err != nil {
			return
		}
		council, err := e.stores.Council.GetCouncil(ctx, launch.CouncilID)
		if err != nil {
			e.log(launchID, "", "error", "auto-advance: council lookup failed", map[string]any{"error": err.Error()})
			return
		}
		round, err := e.currentRound(ctx, launchID)
		if err == nil && round < council.DiscussionRounds {
			if _, err := e.TriggerDiscussion(ctx, launchID); err != nil {
				e.log(launchID, "", "error", "auto-advance: trigger discussion failed", map[string]any{"error": err.Error()})
			}
			return
		}
		if _, err := e.TriggerReview(ctx, launchID); err != nil {
			e.log(launchID, "", "error", "auto-advance: trigger review failed", map[string]any{"error": err.Error()})
		}

	case protocol.CouncilRoleReviewer:
		launch, err := e.stores.Council.GetLaunch(ctx, launchID)
		if err != nil {
			return
		}
		council, err := e.stores.Council.GetCouncil(ctx, launch.CouncilID)
		if err == nil && council.ChairmanAgentID != "" {
			if _, err := e.TriggerSynthesis(ctx, launchID, true, ""); err != nil {
				e.log(launchID, "", "error", "auto-advance: trigger synthesis failed", map[string]any{"error": err.Error()})
			}
			return
		}
		if _, err := e.FinishWithAggregatedSynthesis(ctx, launchID); err != nil {
			e.log(launchID, "", "error", "auto-advance: finish failed", map[string]any{"error": err.Error()})
		}
	}
}

// watchChairman implements the "chairman's session_exited" transition:
// adopt the chairman session's last assistant text (or a fallback
// placeholder) as the synthesis, and complete the launch.
func (e *Engine) watchChairman(launchID, sessionID string) {
	var subID uint64
	var ok bool
	subID, ok = e.pm.Subscribe(sessionID, func(ev procmgr.Event) {
		if ev.Type != protocol.EventSessionExited {
			return
		}
		e.pm.Unsubscribe(sessionID, subID)

		defer e.lockLaunch(launchID)()
		ctx := context.Background()
		launch, err := e.stores.Council.GetLaunch(ctx, launchID)
		if err != nil || launch.Stage != protocol.CouncilStageSynthesizing {
			return
		}
		content, found, _ := e.stores.Sessions.LastAssistantMessage(ctx, sessionID)
		if !found || content == "" {
			content = "(no synthesis produced)"
		}
		launch.Synthesis = content
		e.setStage(ctx, launch, protocol.CouncilStageComplete, []string{sessionID})
	})
	if !ok {
		e.log(launchID, sessionID, "warn", "chairman session already exited before watch could attach", nil)
	}
}
