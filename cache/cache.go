// Package cache implements read-through caching of canister query replies.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/yral-dapp/postcache/agent"
	"github.com/yral-dapp/postcache/cache/kvstore"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
	"github.com/yral-dapp/postcache/principal"
)

// Store holds cached replies, grouped in scopes that are invalidated
// together.
type Store interface {
	// GetOrCall returns the reply cached under key if it is younger than
	// ttl and was fetched after scope was last invalidated. Otherwise it
	// calls fetch and caches what it returns.
	GetOrCall(scope string, key kvstore.CacheKey, ttl time.Duration, fetch func() ([]byte, error)) ([]byte, error)
	// Invalidate marks the replies cached for scope so far as stale.
	Invalidate(scope string) error
	Close() error
}

type memoryEntry struct {
	reply []byte
	// When the call producing reply started.
	fetchedAt time.Time
}

type memoryStore struct {
	cache   *ristretto.Cache[string, memoryEntry]
	metrics *metrics.StorageMetrics

	mu          sync.Mutex
	staleBefore map[string]time.Time
}

var _ Store = (*memoryStore)(nil)

// NewMemoryStore returns an in-memory store holding up to maxBytes of
// replies. m may be nil.
func NewMemoryStore(maxBytes int64, m *metrics.StorageMetrics) (Store, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, memoryEntry]{
		NumCounters:        1024 * 100,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: failed to create reply cache: %w", err)
	}
	return &memoryStore{cache: c, metrics: m, staleBefore: map[string]time.Time{}}, nil
}

func (s *memoryStore) count(status metrics.CacheReadStatus) {
	if s.metrics != nil {
		s.metrics.LocalCacheReads(status).Inc()
	}
}

func (s *memoryStore) fresh(scope string, e memoryEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	staleBefore, ok := s.staleBefore[scope]
	return !ok || e.fetchedAt.After(staleBefore)
}

func (s *memoryStore) GetOrCall(scope string, key kvstore.CacheKey, ttl time.Duration, fetch func() ([]byte, error)) ([]byte, error) {
	if e, ok := s.cache.Get(string(key)); ok {
		if s.fresh(scope, e) {
			s.count(metrics.CacheReadStatusHit)
			return e.reply, nil
		}
		s.cache.Del(string(key))
	}
	s.count(metrics.CacheReadStatusMiss)
	started := time.Now()
	reply, err := fetch()
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(string(key), memoryEntry{reply: reply, fetchedAt: started}, int64(len(reply)), ttl)
	s.cache.Wait()
	return reply, nil
}

func (s *memoryStore) Invalidate(scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleBefore[scope] = time.Now()
	return nil
}

func (s *memoryStore) Close() error {
	s.cache.Close()
	return nil
}

type persistentStore struct {
	kv     kvstore.KVStore
	logger *log.Logger
}

var _ Store = (*persistentStore)(nil)

// NewPersistentStore returns a store backed by kv. Entries and
// invalidations survive restarts.
func NewPersistentStore(kv kvstore.KVStore, logger *log.Logger) Store {
	return &persistentStore{kv: kv, logger: logger}
}

func (s *persistentStore) GetOrCall(scope string, key kvstore.CacheKey, ttl time.Duration, fetch func() ([]byte, error)) ([]byte, error) {
	staleBefore, err := kvstore.StaleBefore(s.kv, scope)
	if err != nil {
		s.logger.Warn("failed to read invalidation time, bypassing cache", "scope", scope, "err", err)
		return fetch()
	}
	reply, err := kvstore.GetSliceFromCacheOrCallSince(s.kv, false, ttl, staleBefore, key, fetch)
	if reply != nil && err != nil {
		// The reply is good; only caching it failed.
		s.logger.Warn("failed to cache reply", "key", key.Pretty(), "err", err)
		return reply, nil
	}
	return reply, err
}

func (s *persistentStore) Invalidate(scope string) error {
	return kvstore.MarkStale(s.kv, scope)
}

func (s *persistentStore) Close() error {
	return s.kv.Close()
}

// Config configures a CachingAgent.
type Config struct {
	// DefaultTTL applies to query methods without an entry in MethodTTLs.
	// Zero disables caching of those methods.
	DefaultTTL time.Duration
	MethodTTLs map[string]time.Duration
	// Volatile methods are never cached.
	Volatile []string
}

// CachingAgent is an agent.Agent that serves repeated queries from a Store.
//
// Every update call made through the agent invalidates the canister's
// scope, so replies cached before an update are not served after it.
// Updates made by other clients are only observed once the TTL runs out.
type CachingAgent struct {
	agent    agent.Agent
	store    Store
	cfg      Config
	volatile map[string]struct{}
	logger   *log.Logger
}

var _ agent.Agent = (*CachingAgent)(nil)

// NewCachingAgent wraps inner with a reply cache.
func NewCachingAgent(inner agent.Agent, store Store, cfg Config, logger *log.Logger) *CachingAgent {
	volatile := make(map[string]struct{}, len(cfg.Volatile))
	for _, m := range cfg.Volatile {
		volatile[m] = struct{}{}
	}
	return &CachingAgent{
		agent:    inner,
		store:    store,
		cfg:      cfg,
		volatile: volatile,
		logger:   logger.WithModule("cache"),
	}
}

func (a *CachingAgent) ttl(method string) time.Duration {
	if _, ok := a.volatile[method]; ok {
		return 0
	}
	if ttl, ok := a.cfg.MethodTTLs[method]; ok {
		return ttl
	}
	return a.cfg.DefaultTTL
}

// Query serves the reply from the cache when possible.
func (a *CachingAgent) Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	ttl := a.ttl(method)
	if ttl <= 0 {
		return a.agent.Query(ctx, canister, method, arg)
	}
	key := kvstore.GenerateCacheKey(method, canister.Raw, arg)
	return a.store.GetOrCall(canister.String(), key, ttl, func() ([]byte, error) {
		return a.agent.Query(ctx, canister, method, arg)
	})
}

// Update always calls through. Unless the call was rejected, cached
// replies of the canister are dropped since its state may have changed.
func (a *CachingAgent) Update(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	reply, err := a.agent.Update(ctx, canister, method, arg)
	var rejectErr *agent.RejectError
	if !errors.As(err, &rejectErr) {
		if invErr := a.store.Invalidate(canister.String()); invErr != nil {
			a.logger.Error("failed to invalidate cached replies", "canister", canister.String(), "method", method, "err", invErr)
		} else {
			a.logger.Debug("invalidated cached replies", "canister", canister.String(), "method", method)
		}
	}
	return reply, err
}

// Close closes the store.
func (a *CachingAgent) Close() error {
	return a.store.Close()
}
