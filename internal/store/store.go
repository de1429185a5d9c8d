// Package store implements the durable local cache: sharded in-memory working
// state, sealed records persisted through a pluggable Backend, TTL and
// watermark-driven LRU eviction, and crash-safe snapshots.
package store

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/resilcache/internal/audit"
	"github.com/l0p7/resilcache/internal/metrics"
	"github.com/l0p7/resilcache/internal/reasons"
)

const shardCount = 32

// Options tunes a Store. Zero watermarks disable capacity enforcement.
type Options struct {
	TTLDefault        time.Duration
	HighWatermark     int64
	LowWatermark      int64
	SweepInterval     time.Duration
	SnapshotInterval  time.Duration
	SnapshotRetention int
	Snapshots         *SnapshotManager
	// OnCorruption is called outside any store lock after a record failed to
	// open on the read path.
	OnCorruption func(key string)
	// Audit receives storage-full and corruption events.
	Audit   audit.Sink
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Stats summarises store activity since start.
type Stats struct {
	Hits        uint64     `json:"hits"`
	Misses      uint64     `json:"misses"`
	HitRatio    float64    `json:"hitRatio"`
	Entries     int        `json:"entries"`
	Bytes       int64      `json:"bytes"`
	Degraded    bool       `json:"degraded"`
	Evictions   uint64     `json:"evictions"`
	Corruptions uint64     `json:"corruptions"`
	TopKeys     []KeyUsage `json:"topKeys,omitempty"`
}

// KeyUsage counts successful reads of one key.
type KeyUsage struct {
	Key  string `json:"key"`
	Hits uint64 `json:"hits"`
}

type slot struct {
	meta   Entry // Value is always nil; sealed carries it
	sealed []byte
	elem   *list.Element
}

func (s *slot) size() int64 { return int64(len(s.meta.Key) + len(s.sealed)) }

type shard struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

type sealedCopy struct {
	key     string
	version uint64
	sealed  []byte
}

// Store is safe for concurrent use. Operations on one key serialize on its
// shard; different keys proceed in parallel.
type Store struct {
	backend Backend
	sealer  *Sealer
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	shards [shardCount]shard

	lruMu sync.Mutex
	lru   *list.List // front is most recently used; values are keys

	used     atomic.Int64
	count    atomic.Int64
	degraded atomic.Bool
	closed   atomic.Bool

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	corruptions atomic.Uint64

	usageMu sync.Mutex
	usage   map[string]uint64

	snapshotSeq atomic.Uint64
}

// New builds an empty store over backend. Call Load to warm it from the
// backend's persisted records.
func New(backend Backend, sealer *Sealer, opts Options) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("store: backend required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("store: sealer required")
	}
	if opts.TTLDefault <= 0 {
		opts.TTLDefault = 15 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.LowWatermark <= 0 || opts.LowWatermark > opts.HighWatermark {
		opts.LowWatermark = opts.HighWatermark
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend: backend,
		sealer:  sealer,
		opts:    opts,
		logger:  logger.With(slog.String("agent", "store")),
		metrics: opts.Metrics,
		now:     now,
		lru:     list.New(),
		usage:   make(map[string]uint64),
	}
	for i := range s.shards {
		s.shards[i].slots = make(map[string]*slot)
	}
	return s, nil
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the live value for key. Expired, missing and corrupt
// records all read as a miss; corrupt ones are dropped and reported through
// OnCorruption.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	if s.closed.Load() {
		return nil, false
	}
	sh := s.shardFor(key)
	sh.mu.RLock()
	sl, ok := sh.slots[key]
	var (
		meta   Entry
		sealed []byte
		elem   *list.Element
	)
	if ok {
		meta, sealed, elem = sl.meta, sl.sealed, sl.elem
	}
	sh.mu.RUnlock()

	if !ok {
		s.recordMiss(start)
		return nil, false
	}
	if meta.Expired(s.now()) {
		s.expire(ctx, key, meta.Version)
		s.recordMiss(start)
		return nil, false
	}

	if !s.degraded.Load() {
		stored, found, err := s.backend.Get(ctx, key)
		switch {
		case err != nil:
			s.enterDegraded(&StorageError{Op: "get", Key: key, Err: err})
		case found:
			sealed = stored
		}
	}

	entry, err := s.open(key, sealed)
	if err != nil {
		s.dropCorrupt(ctx, key, meta.Version, err, true)
		s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheCorrupt, time.Since(start))
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	s.touch(elem)
	s.usageMu.Lock()
	s.usage[key]++
	s.usageMu.Unlock()
	s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheHit, time.Since(start))
	return entry.Value, true
}

func (s *Store) recordMiss(start time.Time) {
	s.misses.Add(1)
	s.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheMiss, time.Since(start))
}

// Put upserts key. A ttl <= 0 uses the default TTL. When the backend fails
// twice the value is still applied in memory, the store turns degraded and a
// *StorageError is returned.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	if s.closed.Load() {
		return ErrClosed
	}
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = s.opts.TTLDefault
	}
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.RLock()
	prev := sh.slots[key]
	var (
		prevMeta *Entry
		prevSize int64
	)
	if prev != nil {
		m := prev.meta
		prevMeta = &m
		prevSize = prev.size()
	}
	sh.mu.RUnlock()

	entry, sealed, err := s.sealEntry(key, value, ttl, now, prevMeta)
	if err != nil {
		s.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheError, time.Since(start))
		return err
	}
	newSize := int64(len(key) + len(sealed))
	if err := s.ensureCapacity(ctx, key, newSize, newSize-prevSize); err != nil {
		s.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheFull, time.Since(start))
		audit.Emit(ctx, s.opts.Audit, s.logger, audit.Event{
			Kind:        audit.KindStorageFull,
			Key:         key,
			Outcome:     "rejected",
			ReasonCodes: reasons.Set(reasons.StorageFull),
			Attrs: map[string]any{
				"size":           newSize,
				"used":           s.used.Load(),
				"high_watermark": s.opts.HighWatermark,
			},
		})
		return err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur := sh.slots[key]
	if cur != prev || (cur != nil && cur.meta.Version != prevMeta.Version) {
		// Another writer won the race; build on its version.
		var curMeta *Entry
		if cur != nil {
			m := cur.meta
			curMeta = &m
		}
		entry, sealed, err = s.sealEntry(key, value, ttl, now, curMeta)
		if err != nil {
			s.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheError, time.Since(start))
			return err
		}
	}

	var storageErr error
	if !s.degraded.Load() {
		if err := s.retryOnce(ctx, func(ctx context.Context) error {
			return s.backend.Put(ctx, key, sealed)
		}); err != nil {
			se := &StorageError{Op: "put", Key: key, Err: err}
			s.enterDegraded(se)
			storageErr = se
		}
	}

	if cur != nil {
		s.used.Add(int64(len(key)+len(sealed)) - cur.size())
		cur.meta = entry
		cur.sealed = sealed
		s.touch(cur.elem)
	} else {
		sl := &slot{meta: entry, sealed: sealed}
		s.lruMu.Lock()
		sl.elem = s.lru.PushFront(key)
		s.lruMu.Unlock()
		sh.slots[key] = sl
		s.used.Add(sl.size())
		s.count.Add(1)
	}

	if storageErr != nil {
		s.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheError, time.Since(start))
	} else {
		s.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheStored, time.Since(start))
	}
	s.publishUsage()
	return storageErr
}

// sealEntry builds the next version of key on top of prev and seals it. The
// returned entry has no value; the sealed record carries it.
func (s *Store) sealEntry(key string, value []byte, ttl time.Duration, now time.Time, prev *Entry) (Entry, []byte, error) {
	entry := Entry{
		Key:       key,
		Value:     slices.Clone(value),
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       ttl,
		Version:   1,
	}
	if prev != nil {
		entry.Version = prev.Version + 1
		if !prev.Expired(now) {
			entry.CreatedAt = prev.CreatedAt
		}
	}
	sealed, err := s.sealRecord(entry)
	if err != nil {
		return Entry{}, nil, err
	}
	entry.Value = nil
	return entry, sealed, nil
}

func (s *Store) sealRecord(entry Entry) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("store: encode record %q: %w", entry.Key, err)
	}
	return s.sealer.Seal(entry.Key, payload)
}

func (s *Store) open(key string, sealed []byte) (Entry, error) {
	payload, err := s.sealer.Open(key, sealed)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: record %q: %v", ErrCorruption, key, err)
	}
	if entry.Key != key {
		return Entry{}, fmt.Errorf("%w: record %q carries key %q", ErrCorruption, key, entry.Key)
	}
	return entry, nil
}

// Evict removes key from memory and the backend. Evicting an absent key is
// not an error.
func (s *Store) Evict(ctx context.Context, key string) error {
	start := time.Now()
	if s.closed.Load() {
		return ErrClosed
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	removed := s.removeLocked(sh, key)
	if removed {
		s.evictions.Add(1)
		s.metrics.ObserveEviction(metrics.EvictionExplicit, 1)
	}
	s.publishUsage()
	if s.degraded.Load() {
		s.metrics.ObserveCache(metrics.CacheOperationEvict, metrics.CacheStored, time.Since(start))
		return nil
	}
	if err := s.retryOnce(ctx, func(ctx context.Context) error {
		return s.backend.Evict(ctx, key)
	}); err != nil {
		se := &StorageError{Op: "evict", Key: key, Err: err}
		s.enterDegraded(se)
		s.metrics.ObserveCache(metrics.CacheOperationEvict, metrics.CacheError, time.Since(start))
		return se
	}
	s.metrics.ObserveCache(metrics.CacheOperationEvict, metrics.CacheStored, time.Since(start))
	return nil
}

// removeLocked drops key from working state. The caller holds sh.mu.
func (s *Store) removeLocked(sh *shard, key string) bool {
	sl, ok := sh.slots[key]
	if !ok {
		return false
	}
	delete(sh.slots, key)
	s.lruMu.Lock()
	s.lru.Remove(sl.elem)
	s.lruMu.Unlock()
	s.used.Add(-sl.size())
	s.count.Add(-1)
	s.usageMu.Lock()
	delete(s.usage, key)
	s.usageMu.Unlock()
	return true
}

// removeVersion drops key only while it still holds version, then removes the
// backend copy best-effort.
func (s *Store) removeVersion(ctx context.Context, key string, version uint64) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sl, ok := sh.slots[key]
	if !ok || sl.meta.Version != version {
		return false
	}
	s.removeLocked(sh, key)
	s.evictBackend(ctx, key)
	return true
}

func (s *Store) evictBackend(ctx context.Context, key string) {
	if s.degraded.Load() {
		return
	}
	if err := s.retryOnce(ctx, func(ctx context.Context) error {
		return s.backend.Evict(ctx, key)
	}); err != nil {
		s.enterDegraded(&StorageError{Op: "evict", Key: key, Err: err})
	}
}

func (s *Store) expire(ctx context.Context, key string, version uint64) {
	if s.removeVersion(ctx, key, version) {
		s.evictions.Add(1)
		s.metrics.ObserveEviction(metrics.EvictionTTL, 1)
		s.publishUsage()
	}
}

func (s *Store) dropCorrupt(ctx context.Context, key string, version uint64, cause error, signal bool) {
	s.removeVersion(ctx, key, version)
	s.corruptions.Add(1)
	s.publishUsage()
	s.logger.Warn("dropped corrupt record", slog.String("key", key), slog.Any("error", cause))
	audit.Emit(ctx, s.opts.Audit, s.logger, audit.Event{
		Kind:        audit.KindCorruption,
		Key:         key,
		Outcome:     "dropped",
		ReasonCodes: reasons.Set(reasons.CorruptionDetected),
		Attrs:       map[string]any{"version": version, "error": cause.Error()},
	})
	if signal && s.opts.OnCorruption != nil {
		s.opts.OnCorruption(key)
	}
}

func (s *Store) touch(elem *list.Element) {
	if elem == nil {
		return
	}
	s.lruMu.Lock()
	// MoveToFront ignores elements already removed from the list.
	s.lru.MoveToFront(elem)
	s.lruMu.Unlock()
}

// ensureCapacity makes room for a write that grows usage by delta. Above the
// high watermark it evicts least recently used keys, other than key itself,
// until usage would sit at the low watermark.
func (s *Store) ensureCapacity(ctx context.Context, key string, size, delta int64) error {
	high := s.opts.HighWatermark
	if high <= 0 {
		return nil
	}
	if size > high {
		return ErrStorageFull
	}
	if delta <= 0 || s.used.Load()+delta <= high {
		return nil
	}
	evicted := 0
	for s.used.Load()+delta > s.opts.LowWatermark {
		victim, ok := s.lruVictim(key)
		if !ok {
			break
		}
		sh := s.shardFor(victim)
		sh.mu.Lock()
		if s.removeLocked(sh, victim) {
			s.evictBackend(ctx, victim)
			evicted++
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		s.evictions.Add(uint64(evicted))
		s.metrics.ObserveEviction(metrics.EvictionLRU, evicted)
		s.logger.Debug("evicted least recently used entries", slog.Int("count", evicted), slog.Int64("bytes", s.used.Load()))
	}
	if s.used.Load()+delta > high {
		return ErrStorageFull
	}
	return nil
}

func (s *Store) lruVictim(exclude string) (string, bool) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	for e := s.lru.Back(); e != nil; e = e.Prev() {
		if key := e.Value.(string); key != exclude {
			return key, true
		}
	}
	return "", false
}

func (s *Store) retryOnce(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	s.logger.Debug("backend operation failed, retrying once", slog.Any("error", err))
	return fn(ctx)
}

func (s *Store) enterDegraded(cause error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("backend unavailable, serving from memory", slog.Any("error", cause))
		s.metrics.SetDegraded(true)
	}
}

// Degraded reports whether the store is running memory-only.
func (s *Store) Degraded() bool { return s.degraded.Load() }

func (s *Store) publishUsage() {
	s.metrics.SetCacheUsage(int(s.count.Load()), s.used.Load())
}

// Len counts live entries.
func (s *Store) Len() int {
	now := s.now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, sl := range sh.slots {
			if !sl.meta.Expired(now) {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Keys lists live keys in ascending order.
func (s *Store) Keys() []string {
	now := s.now()
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, sl := range sh.slots {
			if !sl.meta.Expired(now) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Stats returns counters and the ten most read keys. The hit ratio is 1 until
// the first read.
func (s *Store) Stats() Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	st := Stats{
		Hits:        hits,
		Misses:      misses,
		Entries:     int(s.count.Load()),
		Bytes:       s.used.Load(),
		Degraded:    s.degraded.Load(),
		Evictions:   s.evictions.Load(),
		Corruptions: s.corruptions.Load(),
		TopKeys:     s.TopKeys(10),
	}
	st.HitRatio = 1
	if total := hits + misses; total > 0 {
		st.HitRatio = float64(hits) / float64(total)
	}
	return st
}

// TopKeys ranks live keys by read count, most read first and ties by key.
// The ranking drives prefetch decisions.
func (s *Store) TopKeys(n int) []KeyUsage {
	if n <= 0 {
		return nil
	}
	s.usageMu.Lock()
	out := make([]KeyUsage, 0, len(s.usage))
	for key, hits := range s.usage {
		out = append(out, KeyUsage{Key: key, Hits: hits})
	}
	s.usageMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Close releases the backend. Later calls are no-ops.
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.backend.Close(ctx)
}
