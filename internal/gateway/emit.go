package gateway

import (
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/algochat"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/council"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

// CouncilEmit adapts council.EmitFunc to the hub, mapping each Kind onto its
// protocol.Msg* envelope type on protocol.TopicCouncil (spec.md §4.4). Wire
// it as the EmitFunc passed to council.New.
func (s *Server) CouncilEmit(ev council.Event) {
	detail := map[string]any{
		"launchId":   ev.LaunchID,
		"stage":      ev.Stage,
		"sessionIds": ev.SessionIDs,
		"sessionId":  ev.SessionID,
		"level":      ev.Level,
		"message":    ev.Message,
		"agentId":    ev.AgentID,
		"agentName":  ev.AgentName,
		"round":      ev.Round,
		"content":    ev.Content,
	}
	for k, v := range ev.Detail {
		detail[k] = v
	}

	var msgType string
	switch ev.Kind {
	case council.EventKindStageChange:
		msgType = protocol.MsgCouncilStageChange
	case council.EventKindLog:
		msgType = protocol.MsgCouncilLog
	case council.EventKindDiscussionMessage:
		msgType = protocol.MsgCouncilDiscussionMsg
	default:
		msgType = protocol.MsgCouncilLog
	}
	s.hub.publish(protocol.TopicCouncil, msgType, detail)
}

// AlgoChatEmit adapts algochat.EmitFunc to the hub, publishing every bridge
// event onto protocol.TopicAlgoChat. Wire it as the EmitFunc passed to
// algochat.New.
func (s *Server) AlgoChatEmit(ev algochat.Event) {
	detail := map[string]any{
		"kind":      ev.Kind,
		"address":   ev.Address,
		"sessionId": ev.SessionID,
		"message":   ev.Message,
	}
	for k, v := range ev.Detail {
		detail[k] = v
	}
	s.hub.publish(protocol.TopicAlgoChat, protocol.MsgAlgoChatMessage, detail)
}

// WorkflowEmit adapts workflow.EmitFunc: kind is already one of
// protocol.MsgWorkflow*, and the update is published on protocol.TopicCouncil,
// so every subscriber of "council" also receives workflow updates (and the
// webhook delivery updates from webhookDeliveryEmit). There is no separate
// workflow topic in the fixed topic set (council, algochat, owner, ollama,
// session:*).
func (s *Server) WorkflowEmit(kind string, detail map[string]any) {
	s.hub.publish(protocol.TopicCouncil, kind, detail)
}

// NotifyEmit adapts notify.EmitFunc onto protocol.TopicOwner. Wire it as the
// EmitFunc passed to notify.New.
func (s *Server) NotifyEmit(kind string, detail map[string]any) {
	s.hub.publish(protocol.TopicOwner, kind, detail)
}

// webhookDeliveryEmit notifies subscribers a webhook delivery was attempted.
func (s *Server) webhookDeliveryEmit(detail map[string]any) {
	s.hub.publish(protocol.TopicCouncil, protocol.MsgWebhookDelivery, detail)
}
