// Package kvstore implements a persistent key-value store for cached
// canister replies.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/akrylysov/pogreb"
	fxcbor "github.com/fxamacker/cbor/v2"
	"github.com/oasisprotocol/oasis-core/go/common/cbor"

	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
)

// How long OpenKVStore waits for pogreb before continuing without the store.
const openTimeout = 30 * time.Second

// CacheKey is a key in the KVStore.
type CacheKey []byte

// GenerateCacheKey derives a key from a method name and its parameters.
func GenerateCacheKey(methodName string, params ...interface{}) CacheKey {
	return CacheKey(cbor.Marshal([]interface{}{methodName, params}))
}

// KVStore is a byte-oriented key-value store. The typed helpers below take
// it as their first argument so they can use generics.
type KVStore interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	Close() error
}

type pogrebKVStore struct {
	db *pogreb.DB

	path    string
	logger  *log.Logger
	metrics *metrics.StorageMetrics // nil disables metrics

	// Set once the database is open; opening may finish in the background.
	initialized atomic.Bool
}

var _ KVStore = (*pogrebKVStore)(nil)

// Get implements KVStore.
func (s *pogrebKVStore) Get(key []byte) ([]byte, error) {
	if !s.initialized.Load() {
		return nil, errors.New("kvstore: not initialized yet")
	}
	return s.db.Get(key)
}

// Has implements KVStore.
func (s *pogrebKVStore) Has(key []byte) (bool, error) {
	if !s.initialized.Load() {
		return false, nil
	}
	return s.db.Has(key)
}

// Put implements KVStore. Writes before the store is open are dropped.
func (s *pogrebKVStore) Put(key []byte, value []byte) error {
	if !s.initialized.Load() {
		s.logger.Debug("skipping write to uninitialized KVStore", "key", CacheKey(key).Pretty())
		return nil
	}
	return s.db.Put(key, value)
}

// Delete implements KVStore.
func (s *pogrebKVStore) Delete(key []byte) error {
	if !s.initialized.Load() {
		return nil
	}
	return s.db.Delete(key)
}

// Close implements KVStore.
func (s *pogrebKVStore) Close() error {
	if !s.initialized.Load() {
		// A background recovery dies with the process and restarts next time.
		s.logger.Warn("skipping closing uninitialized KVStore")
		return nil
	}
	s.logger.Info("closing KVStore", "path", s.path)
	return s.db.Close()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// matching returns the files matching any of patterns and none of excluded.
func matching(patterns []string, excluded []string) ([]string, error) {
	files := map[string]struct{}{}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			files[m] = struct{}{}
		}
	}
	for _, pattern := range excluded {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			delete(files, m)
		}
	}
	out := make([]string, 0, len(files))
	for f := range files {
		out = append(out, f)
	}
	return out, nil
}

func moveFiles(patterns []string, excluded []string, dst string) error {
	files, err := matching(patterns, excluded)
	if err != nil {
		return fmt.Errorf("unable to glob for files to move: %w", err)
	}
	if err := os.MkdirAll(dst, 0o700); err != nil {
		return fmt.Errorf("unable to create directory %s: %w", dst, err)
	}
	for _, src := range files {
		if err := os.Rename(src, filepath.Join(dst, filepath.Base(src))); err != nil {
			return fmt.Errorf("unable to move %s: %w", src, err)
		}
	}
	return nil
}

func deleteFiles(pattern string) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("unable to glob for files %s to delete: %w", pattern, err)
	}
	var lastErr error
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			lastErr = fmt.Errorf("unable to delete file %s: %w", f, err)
		}
	}
	return lastErr
}

// preBackup moves stale index files out of the way before pogreb reindexes.
// Pogreb renames old indexes to <name>.bac, then <name>.bac.bac and so on,
// and a crash-looping process eventually hits the file name length limit.
func (s *pogrebKVStore) preBackup() {
	backupDir := filepath.Join(filepath.Dir(s.path), filepath.Base(s.path)+".backup")
	if pathExists(filepath.Join(s.path, "lock")) && !pathExists(backupDir) {
		s.logger.Info("pogreb lock file found, backing up indexes", "path", s.path, "backup_path", backupDir)
		err := moveFiles(
			[]string{filepath.Join(s.path, "*")},
			[]string{
				filepath.Join(s.path, "*.psg"), // segments to reindex
				filepath.Join(s.path, "lock"),
			},
			backupDir,
		)
		if err != nil {
			s.logger.Warn("failed to back up pogreb index files", "err", err, "path", s.path)
		}
	}
	if err := deleteFiles(filepath.Join(s.path, "*.bac.bac")); err != nil {
		s.logger.Warn("failed to delete stale pogreb backups", "err", err)
	}
}

func (s *pogrebKVStore) init() error {
	s.preBackup()

	// A reindex after a crash can take a long time.
	s.logger.Info("opening KVStore", "path", s.path)
	db, err := pogreb.Open(s.path, &pogreb.Options{BackgroundSyncInterval: -1})
	if err != nil {
		s.logger.Error("failed to open pogreb store", "err", err)
		return err
	}
	s.db = db
	s.initialized.Store(true)
	s.logger.Info("KVStore opened", "entries", db.Count())
	return nil
}

// OpenKVStore opens the store at path, creating it if needed. When opening
// takes too long the store is returned anyway and starts serving once the
// background open completes. metrics may be nil.
func OpenKVStore(logger *log.Logger, path string, metrics *metrics.StorageMetrics) (KVStore, error) {
	store := &pogrebKVStore{
		logger:  logger.WithModule("kvstore"),
		path:    path,
		metrics: metrics,
	}

	initErrCh := make(chan error, 1)
	go func() {
		initErrCh <- store.init()
	}()

	select {
	case err := <-initErrCh:
		if err != nil {
			return nil, err
		}
		return store, nil
	case <-time.After(openTimeout):
		logger.Warn("KVStore open timed out, continuing without cache while it reindexes")
		return store, nil
	}
}

// Pretty returns a human-readable form of the key, for logs only. Keys
// that are not a single CBOR item are printed in hex.
func (cacheKey CacheKey) Pretty() string {
	var parsed interface{}
	pretty := fmt.Sprintf("%x", []byte(cacheKey))
	dec := fxcbor.NewDecoder(bytes.NewReader(cacheKey))
	if err := dec.Decode(&parsed); err == nil && dec.NumBytesRead() == len(cacheKey) {
		pretty = fmt.Sprintf("%+v", parsed)
	}
	if len(pretty) > 100 {
		pretty = pretty[:95] + "[...]"
	}
	return pretty
}

var errNoSuchKey = errors.New("no such key")

func increaseReadCounter(cache KVStore, status metrics.CacheReadStatus) {
	if s, ok := cache.(*pogrebKVStore); ok && s.metrics != nil {
		s.metrics.LocalCacheReads(status).Inc()
	}
}

// entry is a cached value with the time it was stored.
type entry[Value any] struct {
	Value    Value `json:"value"`
	StoredAt int64 `json:"stored_at"`
}

// now is replaced in tests.
var now = time.Now

// fetchTypedValue reads key into value. Entries older than ttl or stored
// before notBefore count as misses and are deleted; ttl <= 0 never expires.
func fetchTypedValue[Value any](cache KVStore, key CacheKey, ttl time.Duration, notBefore time.Time, value *Value) error {
	isCached, err := cache.Has(key)
	if err != nil {
		increaseReadCounter(cache, metrics.CacheReadStatusError)
		return err
	}
	if !isCached {
		increaseReadCounter(cache, metrics.CacheReadStatusMiss)
		return errNoSuchKey
	}
	raw, err := cache.Get(key)
	if err != nil {
		increaseReadCounter(cache, metrics.CacheReadStatusError)
		return fmt.Errorf("failed to fetch key %s from cache: %w", key.Pretty(), err)
	}
	var cached entry[Value]
	if err = cbor.Unmarshal(raw, &cached); err != nil {
		increaseReadCounter(cache, metrics.CacheReadStatusBadValue)
		return fmt.Errorf("failed to unmarshal the value for key %s from cache into %T: %w", key.Pretty(), value, err)
	}
	storedAt := time.Unix(0, cached.StoredAt)
	expired := ttl > 0 && now().Sub(storedAt) > ttl
	if expired || (!notBefore.IsZero() && !storedAt.After(notBefore)) {
		increaseReadCounter(cache, metrics.CacheReadStatusMiss)
		if err = cache.Delete(key); err != nil {
			return fmt.Errorf("failed to delete stale key %s: %w", key.Pretty(), err)
		}
		return errNoSuchKey
	}
	increaseReadCounter(cache, metrics.CacheReadStatusHit)
	*value = cached.Value
	return nil
}

// GetFromCacheOrCall returns the value cached under key if it is younger
// than ttl. Otherwise it calls valueFunc and caches the result. When
// volatile is set, valueFunc is always called and nothing is cached.
// Errors from valueFunc are never cached.
func GetFromCacheOrCall[Value any](cache KVStore, volatile bool, ttl time.Duration, key CacheKey, valueFunc func() (*Value, error)) (*Value, error) {
	return getFromCacheOrCall(cache, volatile, ttl, time.Time{}, key, valueFunc)
}

func getFromCacheOrCall[Value any](cache KVStore, volatile bool, ttl time.Duration, notBefore time.Time, key CacheKey, valueFunc func() (*Value, error)) (*Value, error) {
	if volatile {
		return valueFunc()
	}

	var cached Value
	switch err := fetchTypedValue(cache, key, ttl, notBefore, &cached); {
	case err == nil:
		return &cached, nil
	case errors.Is(err, errNoSuchKey):
	default:
		if s, ok := cache.(*pogrebKVStore); ok {
			s.logger.Warn("error fetching from cache", "key", key.Pretty(), "err", err)
		}
	}

	// Entries are dated by when the call started, so that a call racing
	// with MarkStale is never served afterwards.
	started := now()
	computed, err := valueFunc()
	if err != nil || computed == nil {
		return nil, err
	}
	return computed, cache.Put(key, cbor.Marshal(entry[Value]{Value: *computed, StoredAt: started.UnixNano()}))
}

// GetSliceFromCacheOrCall is GetFromCacheOrCall for slice values.
func GetSliceFromCacheOrCall[Response any](cache KVStore, volatile bool, ttl time.Duration, key CacheKey, valueFunc func() ([]Response, error)) ([]Response, error) {
	return GetSliceFromCacheOrCallSince(cache, volatile, ttl, time.Time{}, key, valueFunc)
}

// GetSliceFromCacheOrCallSince is GetSliceFromCacheOrCall where entries
// stored at or before notBefore are stale too.
func GetSliceFromCacheOrCallSince[Response any](cache KVStore, volatile bool, ttl time.Duration, notBefore time.Time, key CacheKey, valueFunc func() ([]Response, error)) ([]Response, error) {
	responsePtr, err := getFromCacheOrCall(cache, volatile, ttl, notBefore, key, func() (*[]Response, error) {
		response, err := valueFunc()
		if response == nil {
			return nil, err
		}
		return &response, err
	})
	if responsePtr == nil {
		return nil, err
	}
	return *responsePtr, err
}

func staleKey(scope string) CacheKey {
	return GenerateCacheKey("stale_before", scope)
}

// MarkStale records that every entry stored for scope until now is stale.
// The mark is persisted, so it also applies after a restart.
func MarkStale(cache KVStore, scope string) error {
	return cache.Put(staleKey(scope), cbor.Marshal(now().UnixNano()))
}

// StaleBefore returns when scope was last marked stale, or the zero time
// if it never was.
func StaleBefore(cache KVStore, scope string) (time.Time, error) {
	key := staleKey(scope)
	has, err := cache.Has(key)
	if err != nil || !has {
		return time.Time{}, err
	}
	raw, err := cache.Get(key)
	if err != nil {
		return time.Time{}, err
	}
	var ns int64
	if err = cbor.Unmarshal(raw, &ns); err != nil {
		return time.Time{}, fmt.Errorf("stale mark of %s: %w", scope, err)
	}
	return time.Unix(0, ns), nil
}
