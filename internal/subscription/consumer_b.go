package subscription

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

// WSSend is the mutable outbound function Consumer B streams through; a
// gateway swaps it via Replace when the underlying WebSocket connection is
// replaced (reconnect) without disturbing the subscription.
type WSSend func(msgType string, payload map[string]any)

// ConsumerB is the "local WS streamer": it relays live chunks, tool usage
// and turn completions for one session id to a (possibly reconnecting)
// WebSocket client.
type ConsumerB struct {
	pm        *procmgr.Manager
	sessionID string

	mu          sync.Mutex
	send        WSSend
	subID       uint64
	subscribed  bool
	thinking    bool
	turnText    strings.Builder
	inactivityTimer *time.Timer
	inactivityReset time.Duration
}

func NewConsumerB(pm *procmgr.Manager, sessionID string, send WSSend) *ConsumerB {
	c := &ConsumerB{pm: pm, sessionID: sessionID, send: send, inactivityReset: 10 * time.Minute}
	c.subscribe()
	return c
}

// Replace swaps the outbound send-function without re-subscribing.
func (c *ConsumerB) Replace(send WSSend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = send
}

func (c *ConsumerB) subscribe() {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return
	}
	c.subscribed = true
	c.mu.Unlock()

	id, ok := c.pm.Subscribe(c.sessionID, c.handle)
	if !ok {
		return
	}
	c.mu.Lock()
	c.subID = id
	c.inactivityTimer = time.AfterFunc(c.inactivityReset, c.forceFlushAndUnsubscribe)
	c.mu.Unlock()
}

func (c *ConsumerB) rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inactivityTimer != nil {
		c.inactivityTimer.Reset(c.inactivityReset)
	}
}

func (c *ConsumerB) emit(msgType string, payload map[string]any) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send != nil {
		send(msgType, payload)
	}
}

func (c *ConsumerB) handle(ev procmgr.Event) {
	c.rearm()

	switch ev.Type {
	case protocol.EventAssistant:
		c.mu.Lock()
		wasThinking := c.thinking
		c.thinking = true
		c.mu.Unlock()
		if !wasThinking {
			c.emit("thinking", map[string]any{"on": true})
		}
	case protocol.EventContentBlockDelta:
		c.mu.Lock()
		c.turnText.WriteString(ev.Text)
		c.mu.Unlock()
		c.emit("stream", map[string]any{"chunk": ev.Text, "done": false})
	case protocol.EventToolUse:
		c.emit("tool_use", map[string]any{"name": ev.ToolName, "input": string(ev.ToolInput)})
	case protocol.EventResult:
		c.mu.Lock()
		text := c.turnText.String()
		c.turnText.Reset()
		c.thinking = false
		c.mu.Unlock()
		c.emit("stream", map[string]any{"chunk": "", "done": true})
		c.emit("turn_complete", map[string]any{"text": text})
	case protocol.EventSessionExited:
		c.finish()
	}
}

func (c *ConsumerB) finish() {
	c.mu.Lock()
	remaining := c.turnText.String()
	c.turnText.Reset()
	subID := c.subID
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
	}
	c.mu.Unlock()

	if remaining != "" {
		c.emit("stream", map[string]any{"chunk": remaining, "done": true})
	}
	c.emit("session_exited", nil)
	c.pm.Unsubscribe(c.sessionID, subID)
}

func (c *ConsumerB) forceFlushAndUnsubscribe() {
	c.finish()
}
