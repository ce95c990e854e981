package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yral-dapp/postcache/agent"
	"github.com/yral-dapp/postcache/cache/kvstore"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/principal"
)

var (
	canisterA = principal.MustDecode("rrkah-fqaaa-aaaaa-aaaaq-cai")
	canisterB = principal.MustDecode("ryjl3-tyaaa-aaaaa-aaaba-cai")
)

// countingAgent answers every call with the number of calls made so far.
type countingAgent struct {
	mu      sync.Mutex
	queries int
	updates int
	err     error
}

func (c *countingAgent) Query(_ context.Context, _ principal.Principal, method string, arg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	if c.err != nil {
		return nil, c.err
	}
	return []byte{byte(c.queries)}, nil
}

func (c *countingAgent) Update(context.Context, principal.Principal, string, []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	return []byte{}, c.err
}

func newStores(t *testing.T) map[string]Store {
	mem, err := NewMemoryStore(1<<20, nil)
	require.NoError(t, err)
	kv, err := kvstore.OpenKVStore(log.NewDiscardLogger(), filepath.Join(t.TempDir(), "cache"), nil)
	require.NoError(t, err)
	stores := map[string]Store{
		"memory":     mem,
		"persistent": NewPersistentStore(kv, log.NewDiscardLogger()),
	}
	for _, s := range stores {
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return stores
}

func TestCachingAgent(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			inner := &countingAgent{}
			a := NewCachingAgent(inner, store, Config{
				DefaultTTL: time.Minute,
				MethodTTLs: map[string]time.Duration{"uncached": 0},
				Volatile:   []string{"get_cycle_balance"},
			}, log.NewDiscardLogger())

			// Hit.
			r1, err := a.Query(ctx, canisterA, "get", []byte("x"))
			require.NoError(t, err)
			r2, err := a.Query(ctx, canisterA, "get", []byte("x"))
			require.NoError(t, err)
			require.Equal(t, r1, r2)
			require.Equal(t, 1, inner.queries)

			// Different argument, method or canister: miss.
			_, err = a.Query(ctx, canisterA, "get", []byte("y"))
			require.NoError(t, err)
			_, err = a.Query(ctx, canisterB, "get", []byte("x"))
			require.NoError(t, err)
			require.Equal(t, 3, inner.queries)

			// Volatile and zero-TTL methods always call through.
			for i := 0; i < 2; i++ {
				_, err = a.Query(ctx, canisterA, "get_cycle_balance", nil)
				require.NoError(t, err)
				_, err = a.Query(ctx, canisterA, "uncached", nil)
				require.NoError(t, err)
			}
			require.Equal(t, 7, inner.queries)

			// Updates invalidate the canister's cached replies only.
			_, err = a.Update(ctx, canisterA, "put", nil)
			require.NoError(t, err)
			r3, err := a.Query(ctx, canisterA, "get", []byte("x"))
			require.NoError(t, err)
			require.NotEqual(t, r1, r3)
			require.Equal(t, 8, inner.queries)
			_, err = a.Query(ctx, canisterB, "get", []byte("x"))
			require.NoError(t, err)
			require.Equal(t, 8, inner.queries)
		})
	}
}

func TestCachingAgentErrors(t *testing.T) {
	ctx := context.Background()
	mem, err := NewMemoryStore(1<<20, nil)
	require.NoError(t, err)
	inner := &countingAgent{err: errors.New("unavailable")}
	a := NewCachingAgent(inner, mem, Config{DefaultTTL: time.Minute}, log.NewDiscardLogger())
	defer a.Close()

	// Failures are not cached.
	for i := 0; i < 2; i++ {
		_, err = a.Query(ctx, canisterA, "get", nil)
		require.Error(t, err)
	}
	require.Equal(t, 2, inner.queries)

	// Rejected updates keep the cache.
	inner.err = nil
	_, err = a.Query(ctx, canisterA, "get", nil)
	require.NoError(t, err)
	inner.err = &agent.RejectError{Code: agent.RejectCanisterReject}
	_, err = a.Update(ctx, canisterA, "put", nil)
	require.Error(t, err)
	inner.err = nil
	_, err = a.Query(ctx, canisterA, "get", nil)
	require.NoError(t, err)
	require.Equal(t, 3, inner.queries)
}

func TestMemoryStoreExpiry(t *testing.T) {
	mem, err := NewMemoryStore(1<<20, nil)
	require.NoError(t, err)
	defer mem.Close()

	calls := 0
	fetch := func() ([]byte, error) {
		calls++
		return []byte("v"), nil
	}
	key := kvstore.GenerateCacheKey("m")
	_, err = mem.GetOrCall("a", key, 50*time.Millisecond, fetch)
	require.NoError(t, err)
	_, err = mem.GetOrCall("a", key, 50*time.Millisecond, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	require.Eventually(t, func() bool {
		_, err := mem.GetOrCall("a", key, 50*time.Millisecond, fetch)
		return err == nil && calls > 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStoreInvalidate(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			calls := 0
			fetch := func() ([]byte, error) {
				calls++
				return []byte{byte(calls)}, nil
			}
			key := kvstore.GenerateCacheKey("get", "x")
			other := kvstore.GenerateCacheKey("get", "y")
			for _, k := range []kvstore.CacheKey{key, other} {
				_, err := store.GetOrCall("a", k, time.Minute, fetch)
				require.NoError(t, err)
			}
			_, err := store.GetOrCall("b", kvstore.GenerateCacheKey("get", "z"), time.Minute, fetch)
			require.NoError(t, err)
			require.Equal(t, 3, calls)

			time.Sleep(time.Millisecond)
			require.NoError(t, store.Invalidate("a"))
			time.Sleep(time.Millisecond)

			// Replaced under the same key, then served from the cache again.
			reply, err := store.GetOrCall("a", key, time.Minute, fetch)
			require.NoError(t, err)
			require.Equal(t, []byte{4}, reply)
			reply, err = store.GetOrCall("a", key, time.Minute, fetch)
			require.NoError(t, err)
			require.Equal(t, []byte{4}, reply)

			// Other scopes are kept.
			reply, err = store.GetOrCall("b", kvstore.GenerateCacheKey("get", "z"), time.Minute, fetch)
			require.NoError(t, err)
			require.Equal(t, []byte{3}, reply)
			require.Equal(t, 4, calls)
		})
	}
}

func TestPersistentStoreInvalidationSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	open := func() Store {
		kv, err := kvstore.OpenKVStore(log.NewDiscardLogger(), path, nil)
		require.NoError(t, err)
		return NewPersistentStore(kv, log.NewDiscardLogger())
	}
	calls := 0
	fetch := func() ([]byte, error) {
		calls++
		return []byte{byte(calls)}, nil
	}
	key := kvstore.GenerateCacheKey("get", "x")

	store := open()
	_, err := store.GetOrCall("a", key, time.Hour, fetch)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Entries outlive the process.
	store = open()
	reply, err := store.GetOrCall("a", key, time.Hour, fetch)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, reply)
	time.Sleep(time.Millisecond)
	require.NoError(t, store.Invalidate("a"))
	require.NoError(t, store.Close())

	// So do invalidations.
	time.Sleep(time.Millisecond)
	store = open()
	defer store.Close()
	reply, err = store.GetOrCall("a", key, time.Hour, fetch)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, reply)
	require.Equal(t, 2, calls)
}
