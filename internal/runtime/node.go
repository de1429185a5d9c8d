// Package runtime assembles a resilience cache node from configuration: the
// sealed store and its backend, the schema registry, the confidence scorer,
// the conflict resolver, the retry queue, chaos injection and the recovery
// controller, plus the background loops that keep them running.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/resilcache/internal/audit"
	"github.com/l0p7/resilcache/internal/badgerdb"
	"github.com/l0p7/resilcache/internal/chaos"
	"github.com/l0p7/resilcache/internal/confidence"
	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/conflict"
	"github.com/l0p7/resilcache/internal/events"
	"github.com/l0p7/resilcache/internal/metrics"
	"github.com/l0p7/resilcache/internal/queue"
	"github.com/l0p7/resilcache/internal/recovery"
	"github.com/l0p7/resilcache/internal/registry"
	"github.com/l0p7/resilcache/internal/store"
	"github.com/l0p7/resilcache/internal/templates"
	"golang.org/x/sync/errgroup"
)

const (
	backendMemory = "memory"
	backendBadger = "badger"
	backendRedis  = "redis"
)

// Options carries what New cannot derive from the configuration.
type Options struct {
	// Loader enables schema hot reload when schema files are configured.
	Loader  *config.Loader
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// HTTPClient delivers queued commands; nil uses a plain http.Client.
	HTTPClient queue.HTTPDoer
	// Audit replaces the configured sinks, mainly for tests.
	Audit audit.Sink
}

// Node owns every component of one cache node.
type Node struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	loader  *config.Loader

	audit     audit.Sink
	auditFile *audit.FileSink
	db        *badgerdb.DB
	tempDir   string
	backend   string

	Store     *store.Store
	Snapshots *store.SnapshotManager
	KeyRef    store.KeyRef
	Registry  *registry.Registry
	Telemetry *confidence.Tracker
	Scorer    *confidence.Scorer
	Resolver  *conflict.Resolver
	Queue     *queue.Queue
	Sender    *queue.HTTPSender
	Chaos     *chaos.Injector
	Recovery  *recovery.Controller

	closeOnce sync.Once
	closeErr  error
}

// New builds a node. Before it returns, the store is warmed from its backend,
// or from the newest valid snapshot when the backend does not persist, and
// queued commands are restored from the spool. Background work starts with
// Run.
func New(ctx context.Context, cfg config.Config, opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		cfg:     cfg,
		logger:  logger.With(slog.String("agent", "node")),
		metrics: opts.Metrics,
		loader:  opts.Loader,
	}
	if err := n.build(ctx, opts, logger); err != nil {
		if cerr := n.Close(context.Background()); cerr != nil {
			n.logger.Warn("cleanup after failed start", slog.Any("error", cerr))
		}
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context, opts Options, logger *slog.Logger) error {
	cfg := n.cfg
	if err := n.openAudit(opts.Audit, logger); err != nil {
		return err
	}

	dir, err := n.dataDir()
	if err != nil {
		return err
	}
	sealed, err := openSealedDir(dir, cfg.Store.Encryption, logger)
	if err != nil {
		return err
	}
	n.Snapshots, n.KeyRef = sealed.snapshots, sealed.keyRef

	// Faults start once the node is assembled, not during warm-up.
	n.Chaos = chaos.NewInjector(cfg.Chaos.Seed, n.onFault)

	backend, err := n.openBackend(dir, logger)
	if err != nil {
		return err
	}
	if n.chaosEnabled() {
		backend = chaos.WrapBackend(backend, n.Chaos)
	}
	n.Store, err = store.New(backend, sealed.sealer, store.Options{
		TTLDefault:        cfg.Store.TTLDefault,
		HighWatermark:     cfg.Store.DiskHighWatermark,
		LowWatermark:      cfg.Store.DiskLowWatermark,
		SweepInterval:     cfg.Store.SweepInterval,
		SnapshotInterval:  cfg.Snapshot.Interval,
		SnapshotRetention: cfg.Snapshot.RetentionCount,
		Snapshots:         n.Snapshots,
		OnCorruption: func(key string) {
			n.signal(recovery.Signal{Kind: recovery.SignalCorruption, Key: key})
		},
		Audit:   n.audit,
		Logger:  logger,
		Metrics: n.metrics,
	})
	if err != nil {
		_ = backend.Close(ctx)
		return fmt.Errorf("runtime: store: %w", err)
	}
	unreadable := n.warm(ctx)

	n.Registry, err = registry.New(logger)
	if err != nil {
		return fmt.Errorf("runtime: registry: %w", err)
	}
	n.Registry.Apply(config.SchemaBundle{
		Schemas:      cfg.Schemas,
		Sources:      cfg.SchemaSources,
		Fingerprints: cfg.SchemaFingerprints,
		Skipped:      cfg.SkippedDefinitions,
	})

	tcfg := cfg.Confidence.Telemetry
	n.Telemetry = confidence.NewTracker(tcfg.Window, tcfg.TargetLatency, tcfg.TargetErrorRate)
	w := cfg.Confidence.Weights
	n.Scorer, err = confidence.New(confidence.Options{
		Weights: confidence.Weights{
			Freshness:          w.Freshness,
			SourceTrust:        w.SourceTrust,
			SchemaValidity:     w.SchemaValidity,
			TelemetryAlignment: w.TelemetryAlignment,
			UserOverride:       w.UserOverride,
		},
		HalfLife:      cfg.Confidence.HalfLife,
		SchemaPenalty: cfg.Confidence.SchemaPenalty,
		Validator:     n.Registry,
		Telemetry:     n.Telemetry,
	})
	if err != nil {
		return fmt.Errorf("runtime: scorer: %w", err)
	}

	policy, err := events.ParsePolicy(strings.ToLower(strings.TrimSpace(cfg.Conflicts.Events.Backpressure)))
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	n.Resolver, err = conflict.New(conflict.Options{
		Store:               n.Store,
		Scorer:              n.Scorer,
		AutoAcceptThreshold: cfg.Confidence.AutoAcceptThreshold,
		AutoAcceptMargin:    cfg.Confidence.AutoAcceptMargin,
		CoalesceWindow:      cfg.Conflicts.CoalesceWindow,
		RetentionCount:      cfg.Conflicts.RetentionCount,
		EventBuffer:         cfg.Conflicts.Events.Buffer,
		Backpressure:        policy,
		Audit:               n.audit,
		Metrics:             n.metrics,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("runtime: resolver: %w", err)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	n.Sender, err = queue.NewHTTPSender(client, templates.NewRenderer(), cfg.Retry.Destinations)
	if err != nil {
		return fmt.Errorf("runtime: sender: %w", err)
	}
	spool, err := n.openSpool(dir)
	if err != nil {
		return err
	}
	var sender queue.Sender = n.Sender
	if n.chaosEnabled() {
		sender = chaos.WrapSender(n.Sender, n.Chaos)
	}
	rc := cfg.Retry
	n.Queue, err = queue.Open(ctx, queue.Options{
		Sender: sender,
		Spool:  spool,
		Backoff: queue.Backoff{
			Base:           rc.BaseDelay,
			Factor:         rc.Factor,
			Jitter:         rc.Jitter,
			JitterFraction: rc.JitterFraction,
		},
		MaxAttempts:     rc.MaxAttempts,
		MaxQueueSize:    rc.MaxQueueSize,
		MaxStaleness:    rc.MaxStaleness,
		PollInterval:    rc.PollInterval,
		DeliveryTimeout: rc.DeliveryTimeout,
		Concurrency:     rc.Concurrency,
		RateLimit:       rc.RateLimit,
		Burst:           rc.Burst,
		Audit:           n.audit,
		Metrics:         n.metrics,
		Logger:          logger,
		OnOverflow: func(cmd queue.Command) {
			n.signal(recovery.Signal{Kind: recovery.SignalQueueOverflow, Detail: cmd.Destination})
		},
		OnDelivery: func(_ string, latency time.Duration, err error) {
			n.Telemetry.Observe(string(conflict.OriginRemote), latency, err)
		},
	})
	if err != nil {
		return fmt.Errorf("runtime: queue: %w", err)
	}

	n.Recovery, err = recovery.New(recovery.Options{
		Store:        n.Store,
		Snapshots:    n.Snapshots,
		Queue:        n.Queue,
		TimeBudget:   cfg.Recovery.TimeBudget,
		EventBuffer:  cfg.Conflicts.Events.Buffer,
		Backpressure: policy,
		Audit:        n.audit,
		Metrics:      n.metrics,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("runtime: recovery: %w", err)
	}

	if unreadable > 0 {
		n.signal(recovery.Signal{
			Kind:   recovery.SignalCorruption,
			Detail: fmt.Sprintf("%d unreadable records at startup", unreadable),
		})
	}

	if name := cfg.Chaos.Profile; name != "" {
		profile, err := chaos.ProfileFromConfig(name, cfg.Chaos.Profiles[name])
		if err != nil {
			return fmt.Errorf("runtime: %w", err)
		}
		n.Chaos.Activate(profile)
		n.logger.Warn("chaos profile active", slog.String("profile", name), slog.String("kind", string(profile.Kind)))
	}
	return nil
}

// warm loads the store from its backend. A backend that keeps nothing across
// restarts, or one that could not be read, is filled from the newest valid
// snapshot instead. It returns how many persisted records failed to open.
func (n *Node) warm(ctx context.Context) int {
	loaded, corrupt, err := n.Store.Load(ctx)
	if err != nil {
		n.logger.Warn("store warm-up from backend failed", slog.Any("error", err))
	} else {
		n.logger.Info("store warmed from backend", slog.Int("loaded", loaded), slog.Int("corrupt", corrupt))
	}
	if err == nil && n.backend != backendMemory {
		return corrupt
	}

	rec, err := n.Snapshots.LatestValid()
	switch {
	case errors.Is(err, store.ErrNoSnapshot):
		n.logger.Info("no snapshot to hydrate from, starting empty")
		return corrupt
	case err != nil:
		n.logger.Warn("reading snapshots failed, starting empty", slog.Any("error", err))
		return corrupt
	}
	if err := n.Store.Hydrate(ctx, rec); err != nil {
		n.logger.Warn("startup hydrate incomplete", slog.Uint64("snapshot_id", rec.ID), slog.Any("error", err))
	}
	return corrupt
}

func (n *Node) openAudit(override audit.Sink, logger *slog.Logger) error {
	if override != nil {
		n.audit = override
		return nil
	}
	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if path := strings.TrimSpace(n.cfg.Audit.File); path != "" {
		file, err := audit.OpenFile(path)
		if err != nil {
			return fmt.Errorf("runtime: audit file: %w", err)
		}
		n.auditFile = file
		sinks = append(sinks, file)
	}
	n.audit = audit.Multi(sinks...)
	return nil
}

// dataDir returns the configured directory, or a throwaway one when none is
// configured.
func (n *Node) dataDir() (string, error) {
	dir := strings.TrimSpace(n.cfg.Store.Dir)
	if dir == "" {
		tmp, err := os.MkdirTemp("", "resilcache-*")
		if err != nil {
			return "", fmt.Errorf("runtime: temp dir: %w", err)
		}
		n.tempDir = tmp
		n.logger.Warn("store.dir not set, snapshots and spool are temporary", slog.String("dir", tmp))
		return tmp, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("runtime: create %s: %w", dir, err)
	}
	return dir, nil
}

// liveDir holds the badger files shared by the record backend and the queue
// spool.
const liveDir = "live"

func (n *Node) openDB(dir string) (*badgerdb.DB, error) {
	if n.db != nil {
		return n.db, nil
	}
	db, err := badgerdb.Open(badgerdb.Config{
		Path:       filepath.Join(dir, liveDir),
		SyncWrites: n.cfg.Store.Badger.SyncWrites,
		Logger:     n.logger,
		GCInterval: n.cfg.Store.Badger.GCInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	n.db = db
	return db, nil
}

// openBackend picks the record backend. A redis backend that cannot be
// reached falls back to memory so the node still serves locally.
func (n *Node) openBackend(dir string, logger *slog.Logger) (store.Backend, error) {
	cfg := n.cfg.Store
	kind := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch kind {
	case backendBadger:
		db, err := n.openDB(dir)
		if err != nil {
			return nil, err
		}
		n.backend = backendBadger
		logger.Info("using badger store backend", slog.String("path", db.Path()))
		return store.NewBadgerBackend(db)
	case backendRedis:
		backend, err := store.NewRedisBackend(store.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis store backend initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store backend")
			n.backend = backendMemory
			return store.NewMemoryBackend(), nil
		}
		n.backend = backendRedis
		logger.Info("using redis store backend", slog.String("address", cfg.Redis.Address))
		return backend, nil
	case "", backendMemory:
		n.backend = backendMemory
		logger.Info("using memory store backend")
		return store.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("runtime: unsupported store backend %q", cfg.Backend)
	}
}

// openSpool keeps queued commands on disk unless the node runs entirely in
// memory without a configured directory.
func (n *Node) openSpool(dir string) (queue.Spool, error) {
	if n.tempDir != "" && n.db == nil {
		return queue.NewMemorySpool(), nil
	}
	db, err := n.openDB(dir)
	if err != nil {
		return nil, err
	}
	return queue.NewBadgerSpool(db), nil
}

// chaosEnabled reports whether fault wrappers sit in the storage and delivery
// paths. Without a configured profile they are left out entirely.
func (n *Node) chaosEnabled() bool {
	return n.cfg.Chaos.Profile != ""
}

// onFault turns injected storage faults into recovery signals. Transport
// faults are left to the queue's retry loop.
func (n *Node) onFault(p chaos.Profile) {
	switch p.Kind {
	case chaos.DiskCorruption, chaos.IOError:
		n.signal(recovery.Signal{Kind: recovery.SignalChaosFault, Detail: p.Name})
	}
}

func (n *Node) signal(sig recovery.Signal) {
	if n.Recovery == nil {
		return
	}
	n.Recovery.Signal(sig)
}

// BackendKind reports the record backend actually in use.
func (n *Node) BackendKind() string { return n.backend }

func (n *Node) Config() config.Config { return n.cfg }

// Run starts the store sweeper, the queue drain loop, the recovery controller
// and, when schema files are configured, the schema watcher. It returns when
// ctx ends or any loop fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Store.Run(ctx) })
	g.Go(func() error { return n.Queue.Run(ctx) })
	g.Go(func() error { return n.Recovery.Run(ctx) })

	schemas := n.cfg.Server.Schemas
	if n.loader != nil && (schemas.SchemasFile != "" || schemas.SchemasFolder != "") {
		watcher, err := n.loader.WatchSchemas(ctx, n.cfg, func(bundle config.SchemaBundle) {
			result := n.Registry.Apply(bundle)
			if result.Changed() {
				n.logger.Info("schemas reloaded", slog.Int("compiled", len(result.Compiled)), slog.Int("removed", len(result.Removed)))
			}
		}, func(err error) {
			if err != nil {
				n.logger.Error("schema watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			n.logger.Error("schema watcher setup failed", slog.Any("error", err))
		} else {
			g.Go(func() error {
				<-ctx.Done()
				watcher.Stop()
				return nil
			})
		}
	}
	return g.Wait()
}

// Close takes a final snapshot and releases every resource. It is safe to
// call more than once.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		var errs []error
		if n.Resolver != nil {
			n.Resolver.Close()
		}
		if n.Recovery != nil {
			n.Recovery.Close()
		}
		if n.Store != nil {
			if _, err := n.Store.Snapshot(ctx); err != nil && !errors.Is(err, store.ErrClosed) {
				errs = append(errs, fmt.Errorf("runtime: final snapshot: %w", err))
			}
			if err := n.Store.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if n.db != nil {
			if err := n.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if n.auditFile != nil {
			if err := n.auditFile.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if n.tempDir != "" {
			if err := os.RemoveAll(n.tempDir); err != nil {
				errs = append(errs, err)
			}
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}
