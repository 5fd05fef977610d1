package notify

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// pendingQuestion is one askOwner call suspended on an owner response.
type pendingQuestion struct {
	shortID   string
	sessionID string
	question  string
	options   []string
	createdAt time.Time
	timer     *time.Timer
	resolve   func(Response)
}

// Response is how a pending question resolves: either an owner's answer
// (Answered=true) or the timeout sentinel (Answered=false).
type Response struct {
	Answered   bool
	Answer     string
	ResponderID string
}

// questionRegistry is the memory-resident, short-id-keyed store of pending
// askOwner questions, mirroring internal/procmgr's approval registry: a
// question is a suspended promise resolved either by a correlated incoming
// response or by its own timer.
type questionRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingQuestion
	queue   []string
}

func newQuestionRegistry() *questionRegistry {
	return &questionRegistry{pending: make(map[string]*pendingQuestion)}
}

func (r *questionRegistry) register(sessionID, question string, options []string, timeout time.Duration, onResolve func(Response)) *pendingQuestion {
	r.mu.Lock()
	defer r.mu.Unlock()

	shortID := newShortID()
	pq := &pendingQuestion{
		shortID:   shortID,
		sessionID: sessionID,
		question:  question,
		options:   options,
		createdAt: time.Now(),
		resolve:   onResolve,
	}
	pq.timer = time.AfterFunc(timeout, func() {
		r.resolveByShortID(shortID, Response{Answered: false})
	})
	r.pending[shortID] = pq
	r.queue = append(r.queue, shortID)
	return pq
}

func (r *questionRegistry) resolveByShortID(shortID string, resp Response) bool {
	r.mu.Lock()
	pq, ok := r.pending[shortID]
	if ok {
		delete(r.pending, shortID)
		for i, id := range r.queue {
			if id == shortID {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	pq.timer.Stop()
	pq.resolve(resp)
	return true
}

func newShortID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
