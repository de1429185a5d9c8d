// Package recovery rebuilds the node after corruption, queue overflow or an
// injected fault: hydrate the newest valid snapshot, replay the surviving
// queue, walk the store for integrity and report what was lost.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/resilcache/internal/audit"
	"github.com/l0p7/resilcache/internal/events"
	"github.com/l0p7/resilcache/internal/metrics"
	"github.com/l0p7/resilcache/internal/queue"
	"github.com/l0p7/resilcache/internal/reasons"
	"github.com/l0p7/resilcache/internal/store"
)

type State string

const (
	Healthy    State = "healthy"
	Degraded   State = "degraded"
	Recovering State = "recovering"
	// Failed is terminal until Reset.
	Failed State = "failed"
)

type SignalKind string

const (
	SignalCorruption    SignalKind = "corruption"
	SignalQueueOverflow SignalKind = "queue_overflow"
	SignalChaosFault    SignalKind = "chaos_fault"
	SignalStorage       SignalKind = "storage_error"
	SignalManual        SignalKind = "manual"
)

// Signal reports a fault that warrants recovery.
type Signal struct {
	Kind   SignalKind `json:"kind"`
	Key    string     `json:"key,omitempty"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}

func (s Signal) reason() (reasons.Code, bool) {
	switch s.Kind {
	case SignalCorruption:
		return reasons.CorruptionDetected, true
	case SignalQueueOverflow:
		return reasons.QueueFull, true
	case SignalChaosFault:
		return reasons.ChaosFault, true
	case SignalStorage:
		return reasons.StorageDegraded, true
	default:
		return "", false
	}
}

const (
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeSkipped   = "skipped"
)

// Report describes one recovery cycle.
type Report struct {
	Signal           Signal        `json:"signal"`
	Outcome          string        `json:"outcome"`
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
	SnapshotFound    bool          `json:"snapshotFound"`
	SnapshotID       uint64        `json:"snapshotId,omitempty"`
	Hydrated         int           `json:"hydrated"`
	Replayed         int           `json:"replayed"`
	Delivered        int           `json:"delivered"`
	Corrupt          int           `json:"corrupt"`
	LastKnownKeys    int           `json:"lastKnownKeys"`
	PostRecoveryKeys int           `json:"postRecoveryKeys"`
	DataLoss         int           `json:"dataLoss"`
	ReasonCodes      []string      `json:"reasonCodes"`
	Error            string        `json:"error,omitempty"`
}

// Event announces a state transition. Report is set when a cycle finished.
type Event struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Report *Report   `json:"report,omitempty"`
}

// Store is the part of the cache store recovery drives.
type Store interface {
	Len() int
	Hydrate(ctx context.Context, rec store.SnapshotRecord) error
	VerifyIntegrity(ctx context.Context) (int, error)
	Matches(rec store.SnapshotRecord) bool
}

type Snapshots interface {
	LatestValid() (store.SnapshotRecord, error)
}

type Queue interface {
	Replay(ctx context.Context) (int, queue.DrainReport, error)
}

type Options struct {
	Store     Store
	Snapshots Snapshots
	// Queue is optional.
	Queue        Queue
	TimeBudget   time.Duration
	SampleEvery  time.Duration
	EventBuffer  int
	Backpressure events.Policy
	Audit        audit.Sink
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	Now          func() time.Time
}

// Controller owns the recovery state machine. It is the only caller of
// Store.Hydrate after startup.
type Controller struct {
	opts   Options
	logger *slog.Logger
	bus    *events.Bus[Event]

	recoverMu sync.Mutex

	mu        sync.Mutex
	state     State
	lastKnown int
	last      *Report

	pending chan Signal
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("recovery: store required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("recovery: snapshots required")
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = 3 * time.Second
	}
	if opts.SampleEvery <= 0 {
		opts.SampleEvery = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		opts:      opts,
		logger:    logger.With(slog.String("agent", "recovery")),
		bus:       events.NewBus[Event](opts.EventBuffer, opts.Backpressure),
		state:     Healthy,
		lastKnown: opts.Store.Len(),
		pending:   make(chan Signal, 1),
	}
	opts.Metrics.SetRecoveryState(string(Healthy))
	return c, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastReport returns the most recent finished cycle.
func (c *Controller) LastReport() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

// transitionLocked moves to next and returns the event to publish once the
// lock is released.
func (c *Controller) transitionLocked(next State, report *Report) (Event, bool) {
	if c.state == next && report == nil {
		return Event{}, false
	}
	ev := Event{From: c.state, To: next, At: c.opts.Now(), Report: report}
	c.state = next
	return ev, true
}

func (c *Controller) publish(evs ...Event) {
	for _, ev := range evs {
		c.opts.Metrics.SetRecoveryState(string(ev.To))
		c.logger.Info("recovery state changed", slog.String("from", string(ev.From)), slog.String("to", string(ev.To)))
		c.bus.Publish(context.Background(), ev)
	}
}

// Signal reports a fault. A healthy controller turns degraded immediately and
// Run starts recovery; signals arriving while degraded or recovering coalesce
// into one follow-up cycle. A failed controller ignores signals and Signal
// returns false.
func (c *Controller) Signal(sig Signal) bool {
	if sig.At.IsZero() {
		sig.At = c.opts.Now()
	}
	c.mu.Lock()
	var evs []Event
	switch c.state {
	case Failed:
		c.mu.Unlock()
		c.logger.Debug("ignoring signal while failed", slog.String("kind", string(sig.Kind)))
		return false
	case Healthy:
		c.sampleLocked()
		if ev, ok := c.transitionLocked(Degraded, nil); ok {
			evs = append(evs, ev)
		}
	}
	c.mu.Unlock()
	c.publish(evs...)
	c.logger.Warn("recovery signal", slog.String("kind", string(sig.Kind)), slog.String("key", sig.Key), slog.String("detail", sig.Detail))

	select {
	case c.pending <- sig:
	default:
	}
	return true
}

// sampleLocked keeps the larger of the last healthy sample and the current
// count, since the fault may already have dropped keys.
func (c *Controller) sampleLocked() {
	if n := c.opts.Store.Len(); n > c.lastKnown {
		c.lastKnown = n
	}
}

// Recover runs one cycle bounded by the time budget and returns its report.
// It ends healthy when the integrity walk is clean and the store matches the
// hydrated snapshot, failed otherwise.
func (c *Controller) Recover(ctx context.Context, sig Signal) Report {
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	if sig.At.IsZero() {
		sig.At = c.opts.Now()
	}
	c.mu.Lock()
	if c.state == Failed {
		c.mu.Unlock()
		return Report{Signal: sig, Outcome: OutcomeSkipped, ReasonCodes: reasons.Set(reasons.RecoveryFailed)}
	}
	var evs []Event
	if c.state == Healthy {
		c.sampleLocked()
		if ev, ok := c.transitionLocked(Degraded, nil); ok {
			evs = append(evs, ev)
		}
	}
	if ev, ok := c.transitionLocked(Recovering, nil); ok {
		evs = append(evs, ev)
	}
	lastKnown := c.lastKnown
	c.mu.Unlock()
	c.publish(evs...)

	startWall := time.Now()
	report := Report{Signal: sig, StartedAt: c.opts.Now(), LastKnownKeys: lastKnown}
	budgetCtx, cancel := context.WithTimeout(ctx, c.opts.TimeBudget)
	err := c.cycle(budgetCtx, &report)
	timedOut := errors.Is(budgetCtx.Err(), context.DeadlineExceeded)
	cancel()
	report.Duration = time.Since(startWall)

	report.PostRecoveryKeys = c.opts.Store.Len()
	if lost := report.LastKnownKeys - report.PostRecoveryKeys; lost > 0 {
		report.DataLoss = lost
	}

	codes := []reasons.Code{}
	if code, ok := sig.reason(); ok {
		codes = append(codes, code)
	}
	next := Healthy
	switch {
	case timedOut:
		next = Failed
		report.Outcome = OutcomeTimeout
		codes = append(codes, reasons.RecoveryTimeout)
		if err == nil {
			err = context.DeadlineExceeded
		}
	case err != nil:
		next = Failed
		report.Outcome = OutcomeFailed
		codes = append(codes, reasons.RecoveryFailed)
	default:
		report.Outcome = OutcomeRecovered
		codes = append(codes, reasons.RecoveryCompleted)
	}
	if err != nil {
		report.Error = err.Error()
	}
	if report.DataLoss > 0 {
		codes = append(codes, reasons.DataLoss)
	}
	report.ReasonCodes = reasons.Set(codes...)

	c.mu.Lock()
	final := report
	c.last = &final
	if next == Healthy {
		// Keys lost in this cycle are accounted for; start counting afresh.
		c.lastKnown = report.PostRecoveryKeys
	}
	ev, _ := c.transitionLocked(next, &final)
	c.mu.Unlock()
	c.publish(ev)

	c.record(ctx, report)
	return report
}

func (c *Controller) cycle(ctx context.Context, report *Report) error {
	rec, err := c.opts.Snapshots.LatestValid()
	switch {
	case errors.Is(err, store.ErrNoSnapshot):
		c.logger.Info("no valid snapshot, skipping hydrate")
	case err != nil:
		return fmt.Errorf("recovery: latest snapshot: %w", err)
	default:
		report.SnapshotFound = true
		report.SnapshotID = rec.ID
		if err := c.opts.Store.Hydrate(ctx, rec); err != nil {
			return fmt.Errorf("recovery: hydrate snapshot %d: %w", rec.ID, err)
		}
		report.Hydrated = rec.Len()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.opts.Queue != nil {
		replayed, drained, err := c.opts.Queue.Replay(ctx)
		if err != nil {
			return fmt.Errorf("recovery: replay queue: %w", err)
		}
		report.Replayed = replayed
		report.Delivered = drained.Delivered
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// A walk that repaired something gets one confirming pass.
	corrupt, err := c.opts.Store.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("recovery: integrity walk: %w", err)
	}
	report.Corrupt = corrupt
	if corrupt > 0 {
		again, err := c.opts.Store.VerifyIntegrity(ctx)
		if err != nil {
			return fmt.Errorf("recovery: integrity walk: %w", err)
		}
		if again > 0 {
			return fmt.Errorf("recovery: %d corrupt records remain", again)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if report.SnapshotFound && !c.opts.Store.Matches(rec) {
		return fmt.Errorf("recovery: store diverges from snapshot %d", rec.ID)
	}
	return nil
}

func (c *Controller) record(ctx context.Context, report Report) {
	c.opts.Metrics.ObserveRecovery(report.Outcome, report.Duration, report.DataLoss)
	level := slog.LevelInfo
	if report.Outcome != OutcomeRecovered {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "recovery finished",
		slog.String("outcome", report.Outcome),
		slog.String("signal", string(report.Signal.Kind)),
		slog.Duration("duration", report.Duration),
		slog.Int("hydrated", report.Hydrated),
		slog.Int("replayed", report.Replayed),
		slog.Int("corrupt", report.Corrupt),
		slog.Int("data_loss", report.DataLoss),
		slog.String("error", report.Error))
	audit.Emit(ctx, c.opts.Audit, c.logger, audit.Event{
		Kind:        audit.KindRecovery,
		Key:         report.Signal.Key,
		Outcome:     report.Outcome,
		ReasonCodes: report.ReasonCodes,
		Attrs: map[string]any{
			"signal":             string(report.Signal.Kind),
			"duration_ms":        report.Duration.Milliseconds(),
			"snapshot_id":        report.SnapshotID,
			"hydrated":           report.Hydrated,
			"replayed":           report.Replayed,
			"corrupt":            report.Corrupt,
			"last_known_keys":    report.LastKnownKeys,
			"post_recovery_keys": report.PostRecoveryKeys,
			"data_loss":          report.DataLoss,
		},
	})
}

// Reset leaves the failed state. It reports whether anything changed.
func (c *Controller) Reset() bool {
	c.mu.Lock()
	if c.state != Failed {
		c.mu.Unlock()
		return false
	}
	c.lastKnown = c.opts.Store.Len()
	ev, _ := c.transitionLocked(Healthy, nil)
	c.mu.Unlock()
	c.publish(ev)
	return true
}

// Run recovers after each signal and samples the key count while healthy
// until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-c.pending:
			if c.State() == Failed {
				continue
			}
			c.Recover(ctx, sig)
		case <-ticker.C:
			c.mu.Lock()
			if c.state == Healthy {
				c.lastKnown = c.opts.Store.Len()
			}
			c.mu.Unlock()
		}
	}
}

// Subscribe streams state transitions.
func (c *Controller) Subscribe() *events.Subscription[Event] {
	return c.bus.Subscribe()
}

func (c *Controller) Close() {
	c.bus.Close()
}
