// Package conflict merges divergent candidate values per key into a single
// resolution, either automatically when one candidate clearly dominates or by
// recording a pending conflict for a user decision.
package conflict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/resilcache/internal/audit"
	"github.com/l0p7/resilcache/internal/confidence"
	"github.com/l0p7/resilcache/internal/events"
	"github.com/l0p7/resilcache/internal/metrics"
	"github.com/l0p7/resilcache/internal/reasons"
	"github.com/l0p7/resilcache/internal/store"
)

const (
	keyLockCount = 32
	// scoreEpsilon absorbs float rounding when comparing against thresholds.
	scoreEpsilon        = 1e-9
	windowSweepAt       = 1024
	defaultCoalesce     = 2 * time.Second
	defaultRetention    = 256
	defaultEventBuffer  = 64
	defaultAutoAccept   = 0.80
	defaultAcceptMargin = 0.15
)

// Store is the write path for winning values.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Options struct {
	Store               Store
	Scorer              *confidence.Scorer
	AutoAcceptThreshold float64
	AutoAcceptMargin    float64
	CoalesceWindow      time.Duration
	// RetentionCount bounds resolved entries kept for inspection; pending
	// entries are never purged.
	RetentionCount int
	// TTL for committed values; zero uses the store default.
	TTL          time.Duration
	EventBuffer  int
	Backpressure events.Policy
	Audit        audit.Sink
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() uuid.UUID
}

// window collects agreeing candidates for one key. It stays open while
// submissions keep arriving within the coalescing interval of the last one.
type window struct {
	last    time.Time
	sources []SourceValue
}

// Resolver is safe for concurrent use. Submissions and decisions for one key
// are serialized; different keys proceed in parallel.
type Resolver struct {
	store     Store
	scorer    *confidence.Scorer
	threshold float64
	margin    float64
	window    time.Duration
	retention int
	ttl       time.Duration
	audit     audit.Sink
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
	newID     func() uuid.UUID
	bus       *events.Bus[Event]

	keyLocks [keyLockCount]sync.Mutex

	mu        sync.Mutex
	entries   map[uuid.UUID]*Entry
	pending   map[string]uuid.UUID
	resolved  []uuid.UUID
	windows   map[string]*window
	overrides map[string]Origin
	stats     Stats
}

func New(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, errors.New("conflict: store required")
	}
	if opts.Scorer == nil {
		return nil, errors.New("conflict: scorer required")
	}
	if opts.AutoAcceptThreshold <= 0 {
		opts.AutoAcceptThreshold = defaultAutoAccept
	}
	if opts.AutoAcceptMargin < 0 {
		opts.AutoAcceptMargin = defaultAcceptMargin
	}
	if opts.CoalesceWindow <= 0 {
		opts.CoalesceWindow = defaultCoalesce
	}
	if opts.RetentionCount == 0 {
		opts.RetentionCount = defaultRetention
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.New
	}
	return &Resolver{
		store:     opts.Store,
		scorer:    opts.Scorer,
		threshold: opts.AutoAcceptThreshold,
		margin:    opts.AutoAcceptMargin,
		window:    opts.CoalesceWindow,
		retention: opts.RetentionCount,
		ttl:       opts.TTL,
		audit:     audit.OrNop(opts.Audit),
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("agent", "conflicts")),
		now:       now,
		newID:     newID,
		bus:       events.NewBus[Event](opts.EventBuffer, opts.Backpressure),
		entries:   make(map[uuid.UUID]*Entry),
		pending:   make(map[string]uuid.UUID),
		windows:   make(map[string]*window),
		overrides: make(map[string]Origin),
	}, nil
}

func (r *Resolver) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.keyLocks[h.Sum32()%keyLockCount]
}

// Submit registers a candidate for key. A lone candidate, or one agreeing
// byte-for-byte with everything else seen inside the coalescing window, is
// written straight to the store. Divergent candidates open or extend a
// conflict, which resolves automatically when the top candidate is
// schema-valid and clears both the threshold and the margin over the runner-up.
func (r *Resolver) Submit(ctx context.Context, key string, candidate SourceValue) (Outcome, error) {
	if key == "" {
		return Outcome{}, errors.New("conflict: key required")
	}
	if _, err := ParseOrigin(string(candidate.Origin)); err != nil {
		return Outcome{}, err
	}
	candidate = candidate.clone()
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := r.now()
	if candidate.ObservedAt.IsZero() {
		candidate.ObservedAt = now
	}

	r.mu.Lock()
	var work Entry
	if id, ok := r.pending[key]; ok {
		work = r.entries[id].clone()
		work.Sources = append(work.Sources, candidate)
	} else {
		w := r.windows[key]
		if w == nil || now.Sub(w.last) > r.window {
			r.sweepWindowsLocked(now)
			w = &window{}
			r.windows[key] = w
		}
		w.last = now
		w.sources = append(w.sources, candidate.clone())
		if agree(w.sources) {
			r.mu.Unlock()
			return r.writeDirect(ctx, key, candidate, len(w.sources) > 1)
		}
		work = Entry{
			ID:        r.newID(),
			Key:       key,
			Sources:   w.sources,
			CreatedAt: now,
			Winner:    -1,
		}
		delete(r.windows, key)
	}
	preferred := r.overrides[key]
	r.mu.Unlock()

	work.LastUpdated = now
	r.evaluate(&work, preferred)

	var commitErr error
	if work.Resolution == AutoResolved {
		if commitErr = r.commit(ctx, key, work.Sources[work.Winner].Value); commitErr != nil {
			work.Resolution = Pending
			work.Winner = -1
			work.ReasonCodes = reasons.Merge(work.ReasonCodes, reasons.Set(reasons.CommitFailed))
		}
	}

	r.mu.Lock()
	r.entries[work.ID] = &work
	if work.Resolution == Pending {
		r.pending[key] = work.ID
	} else {
		delete(r.pending, key)
		r.resolved = append(r.resolved, work.ID)
		r.stats.AutoResolved++
		r.purgeLocked()
	}
	r.mu.Unlock()

	r.announce(ctx, &work, nil)
	outcome := Outcome{
		Resolution:  work.Resolution,
		ConflictID:  work.ID,
		Committed:   work.Resolution == AutoResolved,
		Confidence:  work.Confidence,
		ReasonCodes: work.ReasonCodes,
	}
	if commitErr != nil {
		return outcome, fmt.Errorf("conflict: commit %q: %w", key, commitErr)
	}
	return outcome, nil
}

func agree(sources []SourceValue) bool {
	for _, s := range sources[1:] {
		if !bytes.Equal(s.Value, sources[0].Value) {
			return false
		}
	}
	return true
}

func (r *Resolver) writeDirect(ctx context.Context, key string, candidate SourceValue, coalesced bool) (Outcome, error) {
	code := reasons.SingleCandidate
	if coalesced {
		code = reasons.CandidatesAgree
	}
	outcome := Outcome{Resolution: NoConflict, ConflictID: uuid.Nil, ReasonCodes: reasons.Set(code)}
	if err := r.commit(ctx, key, candidate.Value); err != nil {
		return outcome, fmt.Errorf("conflict: commit %q: %w", key, err)
	}
	outcome.Committed = true
	outcome.Confidence = 1
	r.mu.Lock()
	r.stats.Direct++
	r.mu.Unlock()
	r.logger.Debug("candidate written without conflict", slog.String("key", key), slog.String("origin", string(candidate.Origin)))
	return outcome, nil
}

// commit treats a *store.StorageError as success: the store applied the value
// in memory and is running degraded.
func (r *Resolver) commit(ctx context.Context, key string, value []byte) error {
	err := r.store.Put(ctx, key, value, r.ttl)
	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		r.logger.Warn("value committed while store is degraded", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	return err
}

// evaluate scores every source against the newest observation and decides
// whether the entry resolves automatically.
func (r *Resolver) evaluate(e *Entry, preferred Origin) {
	ref := e.Sources[0].ObservedAt
	candidates := make([]confidence.Candidate, len(e.Sources))
	for i, s := range e.Sources {
		candidates[i] = s.candidate()
		if s.ObservedAt.After(ref) {
			ref = s.ObservedAt
		}
	}
	scores := r.scorer.Score(e.Key, candidates, ref, string(preferred))
	order := rank(scores, e.Sources)

	top := scores[order[0]]
	second := 0.0
	if len(order) > 1 {
		second = scores[order[1]].Confidence
	}

	e.Scores = scores
	e.Confidence = top.Confidence
	e.Winner = -1
	e.Resolution = Pending
	var verdict reasons.Code
	switch {
	case !top.SchemaValid:
		verdict = reasons.WinnerInvalid
	case top.Confidence+scoreEpsilon < r.threshold:
		verdict = reasons.BelowThreshold
	case top.Confidence-second+scoreEpsilon < r.margin:
		verdict = reasons.MarginTooSmall
	default:
		verdict = reasons.AutoAccepted
		e.Resolution = AutoResolved
		e.Winner = order[0]
	}
	e.ReasonCodes = reasons.Merge(top.ReasonCodes, reasons.Set(verdict))
}

// rank orders candidate indices by confidence, then newer observation, then
// submission order.
func rank(scores []confidence.Score, sources []SourceValue) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := scores[order[a]], scores[order[b]]
		if sa.Confidence != sb.Confidence {
			return sa.Confidence > sb.Confidence
		}
		oa, ob := sources[order[a]].ObservedAt, sources[order[b]].ObservedAt
		if !oa.Equal(ob) {
			return oa.After(ob)
		}
		return order[a] < order[b]
	})
	return order
}

// Apply records a user decision on a pending conflict. Accepting commits the
// chosen value and remembers its origin as preferred for the key; rejecting
// leaves the store untouched.
func (r *Resolver) Apply(ctx context.Context, id uuid.UUID, decision Decision) (Entry, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	var key string
	if ok {
		key = e.Key
	}
	r.mu.Unlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	e, ok = r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Resolution != Pending {
		r.mu.Unlock()
		return e.clone(), fmt.Errorf("%w: %s is %s", ErrNotPending, id, e.Resolution)
	}
	work := e.clone()
	r.mu.Unlock()

	attrs := map[string]any{}
	if decision.Accept {
		if decision.Index < 0 || decision.Index >= len(work.Sources) {
			return work, fmt.Errorf("%w: %d of %d", ErrInvalidCandidate, decision.Index, len(work.Sources))
		}
		chosen := work.Sources[decision.Index]
		if err := r.commit(ctx, key, chosen.Value); err != nil {
			return work, fmt.Errorf("conflict: commit %q: %w", key, err)
		}
		work.Resolution = UserAccepted
		work.Winner = decision.Index
		codes := reasons.Set(reasons.UserAccepted)
		if decision.Index < len(work.Scores) {
			work.Confidence = work.Scores[decision.Index].Confidence
			codes = reasons.Merge(work.Scores[decision.Index].ReasonCodes, codes)
		}
		work.ReasonCodes = codes
		attrs["origin"] = string(chosen.Origin)
		attrs["index"] = decision.Index
	} else {
		work.Resolution = UserRejected
		work.Winner = -1
		work.ReasonCodes = reasons.Merge(work.ReasonCodes, reasons.Set(reasons.UserRejected))
		rejected := make([]string, len(work.Sources))
		for i, s := range work.Sources {
			rejected[i] = string(s.Origin)
		}
		attrs["rejected"] = rejected
	}
	work.LastUpdated = r.now()

	r.mu.Lock()
	r.entries[id] = &work
	delete(r.pending, key)
	r.resolved = append(r.resolved, id)
	if work.Resolution == UserAccepted {
		r.overrides[key] = work.Sources[work.Winner].Origin
		r.stats.UserAccepted++
	} else {
		r.stats.UserRejected++
	}
	r.purgeLocked()
	r.mu.Unlock()

	r.announce(ctx, &work, attrs)
	return work.clone(), nil
}

// announce records metrics and publishes the transition. Resolutions are
// also audited.
func (r *Resolver) announce(ctx context.Context, e *Entry, attrs map[string]any) {
	r.metrics.ObserveConflict(string(e.Resolution), e.Confidence)
	if e.Resolution.Resolved() {
		if attrs == nil {
			attrs = map[string]any{}
		}
		attrs["conflict_id"] = e.ID.String()
		attrs["candidates"] = len(e.Sources)
		attrs["confidence"] = e.Confidence
		audit.Emit(ctx, r.audit, r.logger, audit.Event{
			Timestamp:   e.LastUpdated,
			Kind:        audit.KindConflict,
			Key:         e.Key,
			Outcome:     string(e.Resolution),
			ReasonCodes: e.ReasonCodes,
			Attrs:       attrs,
		})
		r.logger.Info("conflict resolved",
			slog.String("key", e.Key),
			slog.String("conflict_id", e.ID.String()),
			slog.String("resolution", string(e.Resolution)),
			slog.Float64("confidence", e.Confidence))
	} else {
		r.logger.Info("conflict pending",
			slog.String("key", e.Key),
			slog.String("conflict_id", e.ID.String()),
			slog.Int("candidates", len(e.Sources)),
			slog.Any("reason_codes", e.ReasonCodes))
	}
	r.bus.Publish(ctx, Event{
		ID:         e.ID,
		Key:        e.Key,
		Resolution: e.Resolution,
		Confidence: e.Confidence,
		At:         e.LastUpdated,
	})
}

// purgeLocked drops the oldest resolved entries beyond the retention count.
// The caller holds r.mu.
func (r *Resolver) purgeLocked() {
	if r.retention < 0 {
		return
	}
	purged := 0
	for len(r.resolved) > r.retention {
		delete(r.entries, r.resolved[0])
		r.resolved = r.resolved[1:]
		purged++
	}
	if purged > 0 {
		r.stats.Purged += uint64(purged)
		r.logger.Debug("resolved conflicts purged",
			slog.Int("count", purged),
			slog.String("reason_code", string(reasons.ConflictsPurged)))
	}
}

func (r *Resolver) sweepWindowsLocked(now time.Time) {
	if len(r.windows) < windowSweepAt {
		return
	}
	for key, w := range r.windows {
		if now.Sub(w.last) > r.window {
			delete(r.windows, key)
		}
	}
}

// Get returns a copy of the entry with id.
func (r *Resolver) Get(id uuid.UUID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// ListPending returns up to limit pending entries, most recently updated first
// and ties by key. limit <= 0 returns all of them.
func (r *Resolver) ListPending(limit int) []Entry {
	return r.list(limit, true)
}

// List is ListPending including retained resolved entries.
func (r *Resolver) List(limit int) []Entry {
	return r.list(limit, false)
}

func (r *Resolver) list(limit int, pendingOnly bool) []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if pendingOnly && e.Resolution != Pending {
			continue
		}
		out = append(out, e.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PreferredOrigin returns the origin a user last accepted for key.
func (r *Resolver) PreferredOrigin(key string) (Origin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.overrides[key]
	return o, ok
}

func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.Pending = len(r.pending)
	st.Retained = len(r.resolved)
	return st
}

// Subscribe streams conflict transitions until Unsubscribe or Close. It may
// be called any number of times.
func (r *Resolver) Subscribe() *events.Subscription[Event] {
	return r.bus.Subscribe()
}

// Close ends every subscription.
func (r *Resolver) Close() {
	r.bus.Close()
}
