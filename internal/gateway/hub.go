package gateway

import (
	"encoding/json"
	"sync"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
)

func approvalDecision(answer string) procmgr.Decision {
	if isAffirmativeAnswer(answer) {
		return procmgr.DecisionApprove
	}
	return procmgr.DecisionDeny
}

func isAffirmativeAnswer(answer string) bool {
	switch answer {
	case "yes", "y", "approve", "approved", "ok", "true":
		return true
	default:
		return false
	}
}

// hub fans envelopes out to every client subscribed to a topic. Per-session
// topics (protocol.SessionTopic) are created lazily on first subscribe and
// pruned once their last subscriber disconnects.
type hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]bool
}

func newHub() *hub {
	return &hub{topics: make(map[string]map[*Client]bool)}
}

func (h *hub) subscribe(topic string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][c] = true
}

func (h *hub) unsubscribe(topic string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.topics[topic]
	if clients == nil {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.topics, topic)
	}
}

// removeClient drops c from every topic it was subscribed to, on disconnect.
func (h *hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, clients := range h.topics {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
}

// publish marshals {"type": msgType, ...detail} and enqueues it on every
// subscriber of topic (pkg/protocol's envelope shape).
func (h *hub) publish(topic, msgType string, detail map[string]any) {
	envelope := make(map[string]any, len(detail)+1)
	for k, v := range detail {
		envelope[k] = v
	}
	envelope["type"] = msgType
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[topic] {
		c.enqueue(payload)
	}
}
