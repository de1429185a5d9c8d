package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/resilcache/internal/metrics"
)

const (
	snapshotPrefix = "snapshot-"
	snapshotSuffix = ".snap"
)

// SnapshotInfo describes one snapshot file on disk.
type SnapshotInfo struct {
	ID      uint64    `json:"id"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// SnapshotManager persists sealed snapshot files under one directory.
type SnapshotManager struct {
	dir    string
	sealer *Sealer
	logger *slog.Logger

	mu     sync.Mutex
	lastID uint64
}

// NewSnapshotManager creates dir when needed and resumes ID numbering after
// the newest file found there.
func NewSnapshotManager(dir string, sealer *Sealer, logger *slog.Logger) (*SnapshotManager, error) {
	if dir == "" {
		return nil, errors.New("store: snapshot directory required")
	}
	if sealer == nil {
		return nil, errors.New("store: sealer required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create snapshot directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &SnapshotManager{dir: dir, sealer: sealer, logger: logger.With(slog.String("agent", "snapshots"))}
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if n := len(infos); n > 0 {
		m.lastID = infos[n-1].ID
	}
	return m, nil
}

// Dir returns the snapshot directory.
func (m *SnapshotManager) Dir() string { return m.dir }

// NextID reserves the next snapshot ID.
func (m *SnapshotManager) NextID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	return m.lastID
}

func (m *SnapshotManager) path(id uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%020d%s", snapshotPrefix, id, snapshotSuffix))
}

func snapshotAAD(id uint64) string {
	return "snapshot/" + strconv.FormatUint(id, 10)
}

// Write seals rec and replaces its file atomically.
func (m *SnapshotManager) Write(rec SnapshotRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode snapshot %d: %w", rec.ID, err)
	}
	sealed, err := m.sealer.Seal(snapshotAAD(rec.ID), payload)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.path(rec.ID), sealed); err != nil {
		return fmt.Errorf("store: write snapshot %d: %w", rec.ID, err)
	}
	m.mu.Lock()
	if rec.ID > m.lastID {
		m.lastID = rec.ID
	}
	m.mu.Unlock()
	return nil
}

// List returns snapshot files ordered by ascending ID.
func (m *SnapshotManager) List() ([]SnapshotInfo, error) {
	dirents, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	var infos []SnapshotInfo
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix), 10, 64)
		if err != nil {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		infos = append(infos, SnapshotInfo{
			ID:      id,
			Path:    filepath.Join(m.dir, name),
			Size:    fi.Size(),
			ModTime: fi.ModTime().UTC(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Load reads, decrypts and verifies one snapshot. Authentication and checksum
// failures wrap ErrCorruption.
func (m *SnapshotManager) Load(id uint64) (SnapshotRecord, error) {
	sealed, err := os.ReadFile(m.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SnapshotRecord{}, fmt.Errorf("%w: snapshot %d", ErrNoSnapshot, id)
		}
		return SnapshotRecord{}, fmt.Errorf("store: read snapshot %d: %w", id, err)
	}
	payload, err := m.sealer.Open(snapshotAAD(id), sealed)
	if err != nil {
		return SnapshotRecord{}, err
	}
	var rec SnapshotRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return SnapshotRecord{}, fmt.Errorf("%w: snapshot %d: %v", ErrCorruption, id, err)
	}
	if rec.ID != id {
		return SnapshotRecord{}, fmt.Errorf("%w: snapshot file %d holds id %d", ErrCorruption, id, rec.ID)
	}
	if err := rec.Verify(); err != nil {
		return SnapshotRecord{}, err
	}
	return rec, nil
}

// LatestValid returns the newest snapshot that opens and verifies, skipping
// damaged files.
func (m *SnapshotManager) LatestValid() (SnapshotRecord, error) {
	infos, err := m.List()
	if err != nil {
		return SnapshotRecord{}, err
	}
	for i := len(infos) - 1; i >= 0; i-- {
		rec, err := m.Load(infos[i].ID)
		if err == nil {
			return rec, nil
		}
		m.logger.Warn("skipping unreadable snapshot", slog.Uint64("id", infos[i].ID), slog.Any("error", err))
	}
	return SnapshotRecord{}, ErrNoSnapshot
}

// Prune deletes all but the keep newest snapshots and reports how many were
// removed.
func (m *SnapshotManager) Prune(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i < len(infos)-keep; i++ {
		if err := os.Remove(infos[i].Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("store: prune snapshot %d: %w", infos[i].ID, err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) nextSnapshotID() uint64 {
	if s.opts.Snapshots != nil {
		return s.opts.Snapshots.NextID()
	}
	return s.snapshotSeq.Add(1)
}

// collect copies every slot that is live at now. It holds all shard read
// locks in index order, so writers pause while readers continue.
func (s *Store) collect(now time.Time) []sealedCopy {
	for i := range s.shards {
		s.shards[i].mu.RLock()
	}
	copies := make([]sealedCopy, 0, s.count.Load())
	for i := range s.shards {
		for key, sl := range s.shards[i].slots {
			if sl.meta.Expired(now) {
				continue
			}
			copies = append(copies, sealedCopy{key: key, version: sl.meta.Version, sealed: sl.sealed})
		}
	}
	for i := range s.shards {
		s.shards[i].mu.RUnlock()
	}
	return copies
}

// Snapshot dumps the live entries at one instant and, when a manager is
// configured, persists and prunes snapshot files.
func (s *Store) Snapshot(ctx context.Context) (SnapshotRecord, error) {
	if s.closed.Load() {
		return SnapshotRecord{}, ErrClosed
	}
	now := s.now()
	copies := s.collect(now)
	entries := make([]Entry, 0, len(copies))
	for _, c := range copies {
		entry, err := s.open(c.key, c.sealed)
		if err != nil {
			s.dropCorrupt(ctx, c.key, c.version, err, true)
			continue
		}
		entries = append(entries, entry)
	}
	rec := newSnapshotRecord(s.nextSnapshotID(), now, entries)

	if mgr := s.opts.Snapshots; mgr != nil {
		if err := s.retryOnce(ctx, func(context.Context) error { return mgr.Write(rec) }); err != nil {
			se := &StorageError{Op: "snapshot", Err: err}
			s.enterDegraded(se)
			s.metrics.ObserveSnapshot("error")
			return rec, se
		}
		if s.opts.SnapshotRetention > 0 {
			if _, err := mgr.Prune(s.opts.SnapshotRetention); err != nil {
				s.logger.Warn("snapshot prune failed", slog.Any("error", err))
			}
		}
	}
	s.metrics.ObserveSnapshot("ok")
	s.logger.Debug("snapshot taken", slog.Uint64("id", rec.ID), slog.Int("entries", rec.Len()))
	return rec, nil
}

type installed struct {
	meta   Entry
	sealed []byte
}

// install replaces working state with records, oldest update at the LRU tail.
func (s *Store) install(records []installed) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].meta.UpdatedAt.Equal(records[j].meta.UpdatedAt) {
			return records[i].meta.UpdatedAt.Before(records[j].meta.UpdatedAt)
		}
		return records[i].meta.Key < records[j].meta.Key
	})
	for i := range s.shards {
		s.shards[i].mu.Lock()
	}
	s.lruMu.Lock()
	s.lru.Init()
	for i := range s.shards {
		s.shards[i].slots = make(map[string]*slot)
	}
	var used int64
	for _, r := range records {
		sl := &slot{meta: r.meta, sealed: r.sealed}
		sl.elem = s.lru.PushFront(r.meta.Key)
		s.shardFor(r.meta.Key).slots[r.meta.Key] = sl
		used += sl.size()
	}
	s.used.Store(used)
	s.count.Store(int64(len(records)))
	s.lruMu.Unlock()
	s.usageMu.Lock()
	clear(s.usage)
	s.usageMu.Unlock()
	for i := len(s.shards) - 1; i >= 0; i-- {
		s.shards[i].mu.Unlock()
	}
	s.publishUsage()
}

// Hydrate verifies rec and replaces both working state and backend contents
// with it. Hydrating the same snapshot twice yields the same state.
func (s *Store) Hydrate(ctx context.Context, rec SnapshotRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := rec.Verify(); err != nil {
		return err
	}
	records := make([]installed, 0, len(rec.Entries))
	persisted := make(map[string][]byte, len(rec.Entries))
	for _, e := range rec.Entries {
		sealed, err := s.sealRecord(e)
		if err != nil {
			return err
		}
		meta := e
		meta.Value = nil
		records = append(records, installed{meta: meta, sealed: sealed})
		persisted[e.Key] = sealed
	}
	s.install(records)

	if err := s.retryOnce(ctx, func(ctx context.Context) error {
		return s.backend.Hydrate(ctx, persisted)
	}); err != nil {
		se := &StorageError{Op: "hydrate", Err: err}
		s.enterDegraded(se)
		return se
	}
	s.leaveDegraded()
	s.logger.Info("store hydrated from snapshot", slog.Uint64("id", rec.ID), slog.Int("entries", rec.Len()))
	return nil
}

// Load warms working state from the backend. Records that fail to open are
// counted and left in the backend untouched; repairing them is up to
// recovery.
func (s *Store) Load(ctx context.Context) (loaded, corrupt int, err error) {
	persisted, err := s.backend.Snapshot(ctx)
	if err != nil {
		se := &StorageError{Op: "load", Err: err}
		s.enterDegraded(se)
		return 0, 0, se
	}
	records := make([]installed, 0, len(persisted))
	for key, sealed := range persisted {
		entry, err := s.open(key, sealed)
		if err != nil {
			corrupt++
			s.corruptions.Add(1)
			s.logger.Warn("unreadable persisted record left for recovery", slog.String("key", key), slog.Any("error", err))
			continue
		}
		entry.Value = nil
		records = append(records, installed{meta: entry, sealed: sealed})
	}
	s.install(records)
	return len(records), corrupt, nil
}

// Matches reports whether every live entry of rec is present with at least
// the snapshot's version, and with the same value when versions are equal.
func (s *Store) Matches(rec SnapshotRecord) bool {
	now := s.now()
	for _, want := range rec.Entries {
		if want.Expired(now) {
			continue
		}
		sh := s.shardFor(want.Key)
		sh.mu.RLock()
		sl, ok := sh.slots[want.Key]
		var (
			version uint64
			sealed  []byte
		)
		if ok {
			version, sealed = sl.meta.Version, sl.sealed
		}
		sh.mu.RUnlock()
		if !ok || version < want.Version {
			return false
		}
		if version == want.Version {
			got, err := s.open(want.Key, sealed)
			if err != nil || !sameEntry(got, want) {
				return false
			}
		}
	}
	return true
}

// VerifyIntegrity opens every record in memory and in the backend. Corrupt
// memory records are dropped; corrupt backend records are rewritten from a
// good memory copy or removed. Backend records with no memory counterpart are
// removed. It returns the number of corrupt records found.
func (s *Store) VerifyIntegrity(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	corrupt := 0
	good := make(map[string][]byte)
	for _, c := range s.collect(s.now()) {
		if _, err := s.open(c.key, c.sealed); err != nil {
			s.dropCorrupt(ctx, c.key, c.version, err, false)
			corrupt++
			continue
		}
		good[c.key] = c.sealed
	}
	if s.degraded.Load() {
		return corrupt, nil
	}

	persisted, err := s.backend.Snapshot(ctx)
	if err != nil {
		se := &StorageError{Op: "verify", Err: err}
		s.enterDegraded(se)
		return corrupt, se
	}
	for key, sealed := range persisted {
		mem, known := good[key]
		if _, err := s.open(key, sealed); err == nil {
			if !known {
				s.evictBackend(ctx, key)
			}
			continue
		}
		corrupt++
		s.corruptions.Add(1)
		s.logger.Warn("corrupt persisted record", slog.String("key", key), slog.Bool("repaired", known))
		if known {
			if err := s.backend.Put(ctx, key, mem); err != nil {
				s.enterDegraded(&StorageError{Op: "verify", Key: key, Err: err})
			}
			continue
		}
		s.evictBackend(ctx, key)
	}
	return corrupt, nil
}

// Sweep evicts expired entries. While degraded it also probes the backend and,
// when it answers, rewrites every live record and leaves degraded mode.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	type expired struct {
		key     string
		version uint64
	}
	var candidates []expired
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, sl := range sh.slots {
			if sl.meta.Expired(now) {
				candidates = append(candidates, expired{key: key, version: sl.meta.Version})
			}
		}
		sh.mu.RUnlock()
	}
	removed := 0
	for _, c := range candidates {
		if s.removeVersion(ctx, c.key, c.version) {
			removed++
		}
	}
	if removed > 0 {
		s.evictions.Add(uint64(removed))
		s.metrics.ObserveEviction(metrics.EvictionTTL, removed)
		s.publishUsage()
	}
	if s.degraded.Load() {
		s.resync(ctx)
	}
	return removed
}

func (s *Store) resync(ctx context.Context) {
	if err := s.backend.Ping(ctx); err != nil {
		s.logger.Debug("backend still unavailable", slog.Any("error", err))
		return
	}
	// Writers stay paused until the backend holds every live record.
	for i := range s.shards {
		s.shards[i].mu.RLock()
	}
	defer func() {
		for i := range s.shards {
			s.shards[i].mu.RUnlock()
		}
	}()
	records := make(map[string][]byte, s.count.Load())
	for i := range s.shards {
		for key, sl := range s.shards[i].slots {
			records[key] = sl.sealed
		}
	}
	if err := s.backend.Hydrate(ctx, records); err != nil {
		s.logger.Warn("backend resync failed", slog.Any("error", err))
		return
	}
	s.leaveDegraded()
}

func (s *Store) leaveDegraded() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("backend available again, left degraded mode")
		s.metrics.SetDegraded(false)
	}
}

// Run sweeps and, when configured, takes periodic snapshots until ctx ends.
func (s *Store) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()
	var snapshots <-chan time.Time
	if s.opts.SnapshotInterval > 0 && s.opts.Snapshots != nil {
		ticker := time.NewTicker(s.opts.SnapshotInterval)
		defer ticker.Stop()
		snapshots = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if n := s.Sweep(ctx); n > 0 {
				s.logger.Debug("swept expired entries", slog.Int("count", n))
			}
		case <-snapshots:
			if _, err := s.Snapshot(ctx); err != nil {
				s.logger.Warn("periodic snapshot failed", slog.Any("error", err))
			}
		}
	}
}
