package subscription

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

const (
	ackDelay             = 10 * time.Second
	progressInterval     = 2 * time.Minute
	statusPreviewMaxLen  = 300
	actionHistoryMaxSize = 100
)

// FeedFunc posts a status preview or progress summary to the owner-facing
// feed (chain reply, Slack thread, whichever channel drove the session).
type FeedFunc func(status string)

// FinalResponseFunc delivers the single terminal on-chain response for a
// (sessionId, participant) pair.
type FinalResponseFunc func(text string)

// ConsumerA is the "on-chain response builder": it turns the Process
// Manager's fine-grained event stream into acknowledgement/progress/final
// feed posts for one (sessionId, participant) pair, grounded on the
// teacher's fanOut-subscriber pattern but consuming one session's stream
// instead of proxying to a persistent chat channel.
type ConsumerA struct {
	pm          *procmgr.Manager
	sessionID   string
	participant string
	feed        FeedFunc
	final       FinalResponseFunc

	mu               sync.Mutex
	subID            uint64
	subscribed       bool
	currentTextBlock strings.Builder
	lastTextBlock    string
	lastTurnResponse string
	fullText         strings.Builder

	inText bool

	ackTimer      *time.Timer
	ackFired      bool
	progressTimer *time.Ticker
	progressStop  chan struct{}

	startedAt     time.Time
	toolsUsed     []string
	agentsQueried int
	actions       []string

	inactivityTimer *time.Timer // subscription-side 10 min timer
	inactivityReset time.Duration
	finished        bool // true once finish() has already sent the terminal response
}

// NewConsumerA subscribes a fresh Consumer A to pm for sessionID. feed and
// final are call-by-reference via Replace so a later EnsureConsumerA call
// can swap them without re-subscribing (idempotency, spec.md §4.3).
func NewConsumerA(pm *procmgr.Manager, sessionID, participant string, feed FeedFunc, final FinalResponseFunc) *ConsumerA {
	c := &ConsumerA{
		pm:              pm,
		sessionID:       sessionID,
		participant:     participant,
		feed:            feed,
		final:           final,
		inactivityReset: 10 * time.Minute,
	}
	c.subscribe()
	return c
}

// Replace swaps the feed/final send-functions without re-subscribing.
func (c *ConsumerA) Replace(feed FeedFunc, final FinalResponseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed = feed
	c.final = final
}

func (c *ConsumerA) subscribe() {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return
	}
	c.startedAt = time.Now()
	c.subscribed = true
	c.mu.Unlock()

	id, ok := c.pm.Subscribe(c.sessionID, c.handle)
	if !ok {
		return
	}
	c.mu.Lock()
	c.subID = id
	c.armInactivity()
	c.mu.Unlock()
}

// armInactivity must be called with c.mu held.
func (c *ConsumerA) armInactivity() {
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
	}
	c.inactivityTimer = time.AfterFunc(c.inactivityReset, c.forceFlushAndUnsubscribe)
}

func (c *ConsumerA) rearmInactivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inactivityTimer != nil {
		c.inactivityTimer.Reset(c.inactivityReset)
	}
}

func (c *ConsumerA) handle(ev procmgr.Event) {
	c.rearmInactivity()

	switch ev.Type {
	case protocol.EventContentBlockStart:
		if ev.Block == protocol.BlockTypeText {
			c.mu.Lock()
			c.inText = true
			c.currentTextBlock.Reset()
			c.mu.Unlock()
		}
	case protocol.EventContentBlockDelta:
		c.mu.Lock()
		if c.inText {
			c.currentTextBlock.WriteString(ev.Text)
		}
		c.mu.Unlock()
	case protocol.EventContentBlockStop:
		c.mu.Lock()
		if c.inText {
			flushed := c.currentTextBlock.String()
			c.lastTextBlock = flushed
			c.fullText.WriteString(flushed)
			c.inText = false
			c.recordAction("text")
			c.mu.Unlock()
			c.postStatusPreview(flushed)
		} else {
			c.mu.Unlock()
		}
	case protocol.EventToolStatus:
		c.mu.Lock()
		c.recordAction("tool:" + ev.Status)
		c.toolsUsed = append(c.toolsUsed, ev.Status)
		c.mu.Unlock()
		c.cancelAck()
		c.postFeed(ev.Status)
	case protocol.EventAssistant:
		c.scheduleAck()
	case protocol.EventResult:
		c.mu.Lock()
		if c.lastTextBlock != "" {
			c.lastTurnResponse = c.lastTextBlock
		}
		c.currentTextBlock.Reset()
		c.inText = false
		c.mu.Unlock()
		c.cancelAck()
		c.stopProgress()
	case protocol.EventSessionExited:
		c.finish()
	}
}

func (c *ConsumerA) postStatusPreview(text string) {
	preview := text
	if len(preview) > statusPreviewMaxLen {
		preview = preview[:statusPreviewMaxLen]
	}
	c.postFeed(preview)
}

func (c *ConsumerA) postFeed(status string) {
	c.mu.Lock()
	feed := c.feed
	c.mu.Unlock()
	if feed != nil && status != "" {
		feed(status)
	}
}

func (c *ConsumerA) scheduleAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackFired || c.ackTimer != nil {
		return
	}
	c.ackTimer = time.AfterFunc(ackDelay, c.fireAck)
}

func (c *ConsumerA) fireAck() {
	c.mu.Lock()
	c.ackFired = true
	c.ackTimer = nil
	feed := c.feed
	c.mu.Unlock()

	if feed != nil {
		feed("working on it")
	}
	c.startProgress()
}

func (c *ConsumerA) cancelAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
}

func (c *ConsumerA) startProgress() {
	c.mu.Lock()
	if c.progressTimer != nil {
		c.mu.Unlock()
		return
	}
	c.progressTimer = time.NewTicker(progressInterval)
	c.progressStop = make(chan struct{})
	ticker := c.progressTimer
	stop := c.progressStop
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				c.postFeed(c.progressSummary())
			case <-stop:
				return
			}
		}
	}()
}

func (c *ConsumerA) stopProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progressTimer != nil {
		c.progressTimer.Stop()
		close(c.progressStop)
		c.progressTimer = nil
	}
}

func (c *ConsumerA) progressSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.startedAt).Round(time.Second)
	return progressSummary(len(c.toolsUsed), c.agentsQueried, elapsed)
}

// recordAction must be called with c.mu held.
func (c *ConsumerA) recordAction(action string) {
	c.actions = append(c.actions, action)
	if len(c.actions) > actionHistoryMaxSize {
		c.actions = c.actions[len(c.actions)-actionHistoryMaxSize:]
	}
}

func (c *ConsumerA) finish() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if c.inText {
		flushed := c.currentTextBlock.String()
		c.lastTextBlock = flushed
		c.fullText.WriteString(flushed)
		c.inText = false
	}
	final := c.lastTextBlock
	if final == "" {
		final = c.lastTurnResponse
	}
	if final == "" {
		final = c.fullText.String()
	}
	sendFinal := c.final
	subID := c.subID
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
	}
	c.mu.Unlock()

	c.cancelAck()
	c.stopProgress()

	if sendFinal != nil {
		sendFinal(final)
	}
	c.pm.Unsubscribe(c.sessionID, subID)
}

func (c *ConsumerA) forceFlushAndUnsubscribe() {
	c.finish()
}
