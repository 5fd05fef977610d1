// Package dedup implements the shared deduplication primitive every ingress
// path relies on to turn an at-least-once transport (the chain, webhooks,
// Slack retries) into exactly-once delivery within a bounded window.
//
// The LRU itself is github.com/hashicorp/golang-lru/v2, which already gives
// us bounded-capacity MRU promotion on Get/Add; we only need to layer TTL
// expiry and metrics on top of it, the way internal/channels/ratelimit.go
// layers a bounded map with its own eviction on top of a mutex.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

const (
	defaultMaxSize = 1000
	defaultTTL     = 5 * time.Minute
	pruneInterval  = 60 * time.Second
	flushInterval  = 30 * time.Second
)

// NamespaceConfig configures one namespace's bounded LRU + TTL behavior.
type NamespaceConfig struct {
	MaxSize int
	TTL     time.Duration
	Persist bool
}

type entry struct {
	expiresAt time.Time
}

// Metrics is the per-namespace {size, hits, misses, evictions} counter set
// exposed by the admin debug route (SPEC_FULL §3).
type Metrics struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type namespace struct {
	mu        sync.Mutex
	cfg       NamespaceConfig
	cache     *lru.Cache[string, entry]
	hits      int64
	misses    int64
	evictions int64
}

// Service is the Dedup Service: a namespaced, bounded, TTL'd check-and-set
// primitive, with optional crash-recovery persistence.
type Service struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
	persist    store.DedupPersistence

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Dedup Service. persist may be nil to disable the
// crash-recovery flush/restore loop entirely.
func New(persist store.DedupPersistence) *Service {
	return &Service{
		namespaces: make(map[string]*namespace),
		persist:    persist,
	}
}

// Register declares a namespace's limits. Calling Register again replaces
// the configuration and starts the namespace over with a freshly sized,
// empty cache: existing entries are not migrated (a soft reset).
func (s *Service) Register(ns string, cfg NamespaceConfig) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := &namespace{cfg: cfg}
	n.cache, _ = lru.NewWithEvict[string, entry](cfg.MaxSize, func(_ string, _ entry) {
		n.evictions++
	})
	s.namespaces[ns] = n
}

func (s *Service) namespaceFor(ns string) *namespace {
	s.mu.RLock()
	n, ok := s.namespaces[ns]
	s.mu.RUnlock()
	if ok {
		return n
	}
	s.Register(ns, NamespaceConfig{})
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespaces[ns]
}

// IsDuplicate is the atomic check-and-set: returns true iff key was already
// present and unexpired; otherwise records it and returns false.
func (s *Service) IsDuplicate(ns, key string) bool {
	n := s.namespaceFor(ns)
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	if e, ok := n.cache.Get(key); ok { // Get promotes to MRU
		if now.Before(e.expiresAt) {
			n.hits++
			return true
		}
		n.cache.Remove(key)
	}
	n.misses++
	n.cache.Add(key, entry{expiresAt: now.Add(n.cfg.TTL)})
	return false
}

// Has probes without recording.
func (s *Service) Has(ns, key string) bool {
	n := s.namespaceFor(ns)
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.cache.Get(key)
	if !ok {
		n.misses++
		return false
	}
	if !now.Before(e.expiresAt) {
		n.cache.Remove(key)
		n.misses++
		return false
	}
	n.hits++
	return true
}

// Delete removes a single key from a namespace.
func (s *Service) Delete(ns, key string) {
	n := s.namespaceFor(ns)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache.Remove(key)
}

// Clear empties a namespace entirely.
func (s *Service) Clear(ns string) {
	n := s.namespaceFor(ns)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache.Purge()
}

// Stats returns the current {size, hits, misses, evictions} for a namespace.
func (s *Service) Stats(ns string) Metrics {
	n := s.namespaceFor(ns)
	n.mu.Lock()
	defer n.mu.Unlock()
	return Metrics{Size: n.cache.Len(), Hits: n.hits, Misses: n.misses, Evictions: n.evictions}
}

// Start launches the prune loop and, if persistence is configured, the
// flush/restore loop. Safe to call once; ctx cancellation stops both.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.persist != nil {
		s.restoreAll(ctx)
	}

	s.wg.Add(1)
	go s.pruneLoop(ctx)

	if s.persist != nil {
		s.wg.Add(1)
		go s.flushLoop(ctx)
	}
}

// Stop cancels the background loops and waits for them to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) pruneLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneExpired()
		}
	}
}

func (s *Service) pruneExpired() {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.namespaces {
		n.mu.Lock()
		for _, key := range n.cache.Keys() {
			if e, ok := n.cache.Peek(key); ok && !now.Before(e.expiresAt) {
				n.cache.Remove(key)
			}
		}
		n.mu.Unlock()
	}
}

func (s *Service) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushAll(ctx)
		}
	}
}

func (s *Service) flushAll(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[string]*namespace, len(s.namespaces))
	for name, n := range s.namespaces {
		if n.cfg.Persist {
			snapshot[name] = n
		}
	}
	s.mu.RUnlock()

	for name, n := range snapshot {
		n.mu.Lock()
		rows := make([]store.DedupStateRow, 0, n.cache.Len())
		for _, key := range n.cache.Keys() {
			if e, ok := n.cache.Peek(key); ok {
				rows = append(rows, store.DedupStateRow{Namespace: name, Key: key, ExpiresAt: e.expiresAt})
			}
		}
		n.mu.Unlock()

		if err := s.persist.FlushNamespace(ctx, name, rows); err != nil {
			slog.Error("dedup flush failed", "namespace", name, "error", err)
		}
	}
}

func (s *Service) restoreAll(ctx context.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.namespaces))
	for name, n := range s.namespaces {
		if n.cfg.Persist {
			names = append(names, name)
		}
	}
	s.mu.RUnlock()

	for _, name := range names {
		rows, err := s.persist.LoadNamespace(ctx, name, time.Now().UnixMilli())
		if err != nil {
			slog.Error("dedup restore failed", "namespace", name, "error", err)
			continue
		}
		n := s.namespaceFor(name)
		n.mu.Lock()
		for _, r := range rows {
			n.cache.Add(r.Key, entry{expiresAt: r.ExpiresAt})
		}
		n.mu.Unlock()
		slog.Info("dedup namespace restored", "namespace", name, "count", len(rows))
	}
}
