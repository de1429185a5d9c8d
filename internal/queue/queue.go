package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/resilcache/internal/audit"
	"github.com/l0p7/resilcache/internal/metrics"
	"github.com/l0p7/resilcache/internal/reasons"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts     = 5
	defaultMaxQueueSize    = 1024
	defaultPollInterval    = time.Second
	defaultDeliveryTimeout = 5 * time.Second
	defaultConcurrency     = 4
)

type Options struct {
	Sender       Sender
	Spool        Spool
	Backoff      Backoff
	MaxAttempts  int
	MaxQueueSize int
	// MaxStaleness applies to commands enqueued without their own bound.
	MaxStaleness    time.Duration
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
	// Concurrency bounds how many destination lanes drain at once.
	Concurrency int
	// RateLimit is deliveries per second per destination; zero disables it.
	RateLimit float64
	Burst     int
	Audit     audit.Sink
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() uuid.UUID
	// OnOverflow runs after a command was dropped because the queue was full.
	OnOverflow func(Command)
	// OnDelivery observes every attempt, successful or not.
	OnDelivery func(destination string, latency time.Duration, err error)
}

// Queue is safe for concurrent use. Enqueue never waits on deliveries.
type Queue struct {
	opts   Options
	logger *slog.Logger

	drainMu sync.Mutex

	mu        sync.Mutex
	lanes     map[string][]*Command
	count     int
	seq       uint64
	failing   map[string]struct{}
	enqueued  uint64
	delivered uint64
	retried   uint64
	dropped   map[string]uint64

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	flush     chan struct{}
	reconnect chan struct{}
}

// Open builds a queue and reloads whatever the spool kept from a previous run.
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Sender == nil {
		return nil, errors.New("queue: sender required")
	}
	if opts.Spool == nil {
		opts.Spool = NewMemorySpool()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = defaultMaxQueueSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = 500 * time.Millisecond
	}
	if opts.Backoff.Factor < 1 {
		opts.Backoff.Factor = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.New
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		opts:      opts,
		logger:    logger.With(slog.String("agent", "queue")),
		lanes:     make(map[string][]*Command),
		failing:   make(map[string]struct{}),
		dropped:   make(map[string]uint64),
		limiters:  make(map[string]*rate.Limiter),
		flush:     make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
	}
	restored, err := q.restore(ctx)
	if err != nil {
		return nil, err
	}
	if restored > 0 {
		q.logger.Info("restored spooled commands", slog.Int("count", restored))
	}
	q.opts.Metrics.SetQueueDepth(q.Len())
	return q, nil
}

// restore inserts spooled commands that are not already queued.
func (q *Queue) restore(ctx context.Context) (int, error) {
	cmds, err := q.opts.Spool.Load(ctx)
	if err != nil {
		if len(cmds) == 0 {
			return 0, err
		}
		q.logger.Warn("skipped unreadable spooled commands", slog.Any("error", err))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for i := range cmds {
		cmd := cmds[i]
		if q.findLocked(cmd.Destination, cmd.ID) != nil {
			continue
		}
		q.insertLocked(&cmd)
		if cmd.Seq > q.seq {
			q.seq = cmd.Seq
		}
		restored++
	}
	return restored, nil
}

// Enqueue always accepts cmd. When the queue is full the oldest non-critical
// command, or the oldest overall when every command is critical, is dropped
// with QueueFull. Zero ID, EnqueuedAt, NextAttemptAt and MaxStaleness are
// filled in.
func (q *Queue) Enqueue(ctx context.Context, cmd Command) Command {
	now := q.opts.Now()
	cmd = cmd.clone()
	if cmd.ID == uuid.Nil {
		cmd.ID = q.opts.NewID()
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = now
	}
	if cmd.NextAttemptAt.IsZero() {
		cmd.NextAttemptAt = cmd.EnqueuedAt
	}
	if cmd.MaxStaleness == 0 {
		cmd.MaxStaleness = q.opts.MaxStaleness
	}
	if cmd.Attempts < 0 {
		cmd.Attempts = 0
	}

	q.mu.Lock()
	q.seq++
	cmd.Seq = q.seq
	var victim *Command
	if q.count >= q.opts.MaxQueueSize {
		if victim = q.overflowVictimLocked(); victim != nil {
			q.removeLocked(victim.Destination, victim.ID)
			q.spoolDeleteLocked(ctx, victim.ID)
		}
	}
	stored := cmd.clone()
	q.insertLocked(&stored)
	q.enqueued++
	q.spoolPutLocked(ctx, stored)
	depth := q.count
	q.mu.Unlock()

	q.opts.Metrics.SetQueueDepth(depth)
	if victim != nil {
		q.reportDrop(ctx, *victim, reasons.QueueFull)
	}
	return cmd
}

func (q *Queue) overflowVictimLocked() *Command {
	var oldest, oldestNonCritical *Command
	for _, lane := range q.lanes {
		for _, c := range lane {
			if oldest == nil || c.Seq < oldest.Seq {
				oldest = c
			}
			if !c.Critical && (oldestNonCritical == nil || c.Seq < oldestNonCritical.Seq) {
				oldestNonCritical = c
			}
		}
	}
	if oldestNonCritical != nil {
		return oldestNonCritical
	}
	return oldest
}

func (q *Queue) insertLocked(c *Command) {
	lane := q.lanes[c.Destination]
	idx := sort.Search(len(lane), func(i int) bool { return lane[i].Seq > c.Seq })
	lane = append(lane, nil)
	copy(lane[idx+1:], lane[idx:])
	lane[idx] = c
	q.lanes[c.Destination] = lane
	q.count++
}

func (q *Queue) findLocked(dest string, id uuid.UUID) *Command {
	for _, c := range q.lanes[dest] {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (q *Queue) removeLocked(dest string, id uuid.UUID) bool {
	lane := q.lanes[dest]
	for i, c := range lane {
		if c.ID != id {
			continue
		}
		lane = append(lane[:i], lane[i+1:]...)
		if len(lane) == 0 {
			delete(q.lanes, dest)
		} else {
			q.lanes[dest] = lane
		}
		q.count--
		return true
	}
	return false
}

func (q *Queue) spoolPutLocked(ctx context.Context, cmd Command) {
	if err := q.opts.Spool.Put(context.WithoutCancel(ctx), cmd); err != nil {
		q.logger.Warn("spool write failed", slog.String("command_id", cmd.ID.String()), slog.Any("error", err))
	}
}

func (q *Queue) spoolDeleteLocked(ctx context.Context, id uuid.UUID) {
	if err := q.opts.Spool.Delete(context.WithoutCancel(ctx), id); err != nil {
		q.logger.Warn("spool delete failed", slog.String("command_id", id.String()), slog.Any("error", err))
	}
}

// Drain delivers every due command, FIFO per destination. A lane stops at
// the first head that is not yet due or that just failed, so later commands
// never overtake it. Lanes drain concurrently.
func (q *Queue) Drain(ctx context.Context) DrainReport {
	return q.drain(ctx, false)
}

// DrainNow drains ignoring backoff schedules.
func (q *Queue) DrainNow(ctx context.Context) DrainReport {
	return q.drain(ctx, true)
}

func (q *Queue) drain(ctx context.Context, force bool) DrainReport {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	dests := make([]string, 0, len(q.lanes))
	for dest := range q.lanes {
		dests = append(dests, dest)
	}
	q.mu.Unlock()
	sort.Strings(dests)

	reports := make([]DrainReport, len(dests))
	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)
	for i, dest := range dests {
		g.Go(func() error {
			reports[i] = q.drainLane(ctx, dest, force)
			return nil
		})
	}
	_ = g.Wait()

	var report DrainReport
	for _, r := range reports {
		report.merge(r)
	}
	report.Remaining = q.Len()
	q.opts.Metrics.SetQueueDepth(report.Remaining)
	return report
}

func (q *Queue) drainLane(ctx context.Context, dest string, force bool) DrainReport {
	var report DrainReport
	for ctx.Err() == nil {
		now := q.opts.Now()
		q.mu.Lock()
		lane := q.lanes[dest]
		if len(lane) == 0 {
			q.mu.Unlock()
			return report
		}
		head := lane[0]
		if head.Stale(now) {
			dropped := head.clone()
			q.removeLocked(dest, head.ID)
			q.spoolDeleteLocked(ctx, head.ID)
			q.mu.Unlock()
			report.Dropped = append(report.Dropped, Drop{Command: dropped, Reason: reasons.Stale})
			q.reportDrop(ctx, dropped, reasons.Stale)
			continue
		}
		if !force && now.Before(head.NextAttemptAt) {
			q.mu.Unlock()
			return report
		}
		cmd := head.clone()
		q.mu.Unlock()

		err := q.deliver(ctx, cmd)
		if err != nil && ctx.Err() != nil {
			// Shutdown interrupted the attempt; it does not count.
			return report
		}

		q.mu.Lock()
		current := q.findLocked(dest, cmd.ID)
		if err == nil {
			if current != nil {
				q.removeLocked(dest, cmd.ID)
				q.spoolDeleteLocked(ctx, cmd.ID)
			}
			q.delivered++
			delete(q.failing, dest)
			q.mu.Unlock()
			report.Delivered++
			continue
		}

		report.Failed++
		q.failing[dest] = struct{}{}
		if current == nil {
			q.mu.Unlock()
			return report
		}
		current.Attempts++
		if current.Attempts >= q.opts.MaxAttempts {
			dropped := current.clone()
			q.removeLocked(dest, cmd.ID)
			q.spoolDeleteLocked(ctx, cmd.ID)
			q.mu.Unlock()
			report.Dropped = append(report.Dropped, Drop{Command: dropped, Reason: reasons.MaxAttempts})
			q.reportDrop(ctx, dropped, reasons.MaxAttempts)
			return report
		}
		delay := q.opts.Backoff.Delay(current.Attempts - 1)
		current.NextAttemptAt = q.opts.Now().Add(delay)
		q.retried++
		q.spoolPutLocked(ctx, *current)
		attempts := current.Attempts
		q.mu.Unlock()
		q.logger.Debug("delivery failed, rescheduled",
			slog.String("destination", dest),
			slog.String("command_id", cmd.ID.String()),
			slog.Int("attempts", attempts),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		return report
	}
	return report
}

func (q *Queue) deliver(ctx context.Context, cmd Command) error {
	if lim := q.limiter(cmd.Destination); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("queue: rate limit %q: %w", cmd.Destination, err)
		}
	}
	deliveryCtx, cancel := context.WithTimeout(ctx, q.opts.DeliveryTimeout)
	defer cancel()
	start := time.Now()
	err := q.opts.Sender.Send(deliveryCtx, cmd)
	elapsed := time.Since(start)
	q.opts.Metrics.ObserveDelivery(cmd.Destination, err == nil, elapsed)
	if q.opts.OnDelivery != nil {
		q.opts.OnDelivery(cmd.Destination, elapsed, err)
	}
	return err
}

func (q *Queue) limiter(dest string) *rate.Limiter {
	if q.opts.RateLimit <= 0 {
		return nil
	}
	q.limMu.Lock()
	defer q.limMu.Unlock()
	lim, ok := q.limiters[dest]
	if !ok {
		burst := q.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(q.opts.RateLimit), burst)
		q.limiters[dest] = lim
	}
	return lim
}

// reportDrop is called exactly once per dropped command, outside q.mu.
func (q *Queue) reportDrop(ctx context.Context, cmd Command, reason reasons.Code) {
	q.mu.Lock()
	q.dropped[string(reason)]++
	q.mu.Unlock()

	q.logger.Warn("queued command dropped",
		slog.String("command_id", cmd.ID.String()),
		slog.String("destination", cmd.Destination),
		slog.String("reason", string(reason)),
		slog.Int("attempts", cmd.Attempts))
	q.opts.Metrics.ObserveQueueDrop(string(reason))
	audit.Emit(ctx, q.opts.Audit, q.logger, audit.Event{
		Kind:        audit.KindQueueDrop,
		Key:         cmd.Destination,
		Outcome:     "dropped",
		ReasonCodes: reasons.Set(reason),
		Attrs: map[string]any{
			"command_id":  cmd.ID.String(),
			"attempts":    cmd.Attempts,
			"critical":    cmd.Critical,
			"enqueued_at": cmd.EnqueuedAt,
		},
	})
	if reason == reasons.QueueFull && q.opts.OnOverflow != nil {
		q.opts.OnOverflow(cmd)
	}
}

// Flush asks Run to drain immediately, ignoring backoff.
func (q *Queue) Flush() {
	select {
	case q.flush <- struct{}{}:
	default:
	}
}

// NotifyReconnect tells Run that connectivity is back.
func (q *Queue) NotifyReconnect() {
	select {
	case q.reconnect <- struct{}{}:
	default:
	}
}

// Run drains on Flush, NotifyReconnect and every poll tick until ctx ends.
// When the sender can probe, failing destinations are probed on each tick
// and a successful probe triggers a drain that ignores backoff.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.flush:
			q.logDrain("flush", q.drain(ctx, true))
		case <-q.reconnect:
			q.logDrain("reconnect", q.drain(ctx, true))
		case <-ticker.C:
			if q.probeRecovered(ctx) {
				q.logDrain("reconnect", q.drain(ctx, true))
				continue
			}
			q.logDrain("poll", q.drain(ctx, false))
		}
	}
}

func (q *Queue) logDrain(trigger string, report DrainReport) {
	if report.Delivered == 0 && report.Failed == 0 && len(report.Dropped) == 0 {
		return
	}
	q.logger.Info("queue drained",
		slog.String("trigger", trigger),
		slog.Int("delivered", report.Delivered),
		slog.Int("failed", report.Failed),
		slog.Int("dropped", len(report.Dropped)),
		slog.Int("remaining", report.Remaining))
}

func (q *Queue) probeRecovered(ctx context.Context) bool {
	prober, ok := q.opts.Sender.(Prober)
	if !ok {
		return false
	}
	q.mu.Lock()
	var dests []string
	for dest := range q.failing {
		if len(q.lanes[dest]) == 0 {
			delete(q.failing, dest)
			continue
		}
		dests = append(dests, dest)
	}
	q.mu.Unlock()
	sort.Strings(dests)

	recovered := false
	for _, dest := range dests {
		probeCtx, cancel := context.WithTimeout(ctx, q.opts.DeliveryTimeout)
		err := prober.Probe(probeCtx, dest)
		cancel()
		if err != nil {
			continue
		}
		q.mu.Lock()
		delete(q.failing, dest)
		q.mu.Unlock()
		q.logger.Info("destination reachable again", slog.String("destination", dest))
		recovered = true
	}
	return recovered
}

// Replay reloads spooled commands missing from memory, for example after the
// process state was rebuilt, then drains every lane once regardless of
// backoff.
func (q *Queue) Replay(ctx context.Context) (int, DrainReport, error) {
	restored, err := q.restore(ctx)
	if err != nil {
		return 0, DrainReport{}, err
	}
	if restored > 0 {
		q.logger.Info("replayed spooled commands", slog.Int("count", restored))
	}
	return restored, q.drain(ctx, true), nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Pending returns copies of every queued command, grouped by destination
// name and FIFO within each destination.
func (q *Queue) Pending() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	dests := make([]string, 0, len(q.lanes))
	for dest := range q.lanes {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	out := make([]Command, 0, q.count)
	for _, dest := range dests {
		for _, c := range q.lanes[dest] {
			out = append(out, c.clone())
		}
	}
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Depth:     q.count,
		Lanes:     len(q.lanes),
		Enqueued:  q.enqueued,
		Delivered: q.delivered,
		Retried:   q.retried,
		Dropped:   make(map[string]uint64, len(q.dropped)),
	}
	for reason, n := range q.dropped {
		st.Dropped[reason] = n
	}
	for dest := range q.failing {
		st.Failing = append(st.Failing, dest)
	}
	sort.Strings(st.Failing)
	return st
}
