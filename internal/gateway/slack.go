package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// SlackIngress is the seam between the gateway's HTTP endpoint and whatever
// routes a Slack message to a session (internal/channels' Slack adapter).
// Kept narrow and optional: with none set, verified events are acknowledged
// and dropped (the 503 answer depends only on the signing secret).
type SlackIngress interface {
	HandleEvent(channel, user, text string)
}

// handleSlackEvents verifies Slack's request signature, answers the one-time
// URL verification challenge, and forwards message events to SlackIngress.
// Answers 503 when no signing secret is configured, per spec.md §6.
func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SlackSigningSecret == "" {
		http.Error(w, "slack ingress disabled", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, s.cfg.SlackSigningSecret)
	if err != nil {
		http.Error(w, "bad signature headers", http.StatusBadRequest)
		return
	}
	if _, err := verifier.Write(body); err != nil {
		http.Error(w, "verify", http.StatusBadRequest)
		return
	}
	if err := verifier.Ensure(); err != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "parse event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "parse challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	case slackevents.CallbackEvent:
		switch inner := event.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			if s.slackIngress != nil && inner.BotID == "" {
				s.slackIngress.HandleEvent(inner.Channel, inner.User, inner.Text)
			}
		case *slackevents.AppMentionEvent:
			if s.slackIngress != nil {
				s.slackIngress.HandleEvent(inner.Channel, inner.User, inner.Text)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}
