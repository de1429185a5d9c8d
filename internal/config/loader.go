package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// camelKeys lists every camelCase option path so env variables, which arrive
// upper-cased, can be folded back onto the documented names.
var camelKeys = []string{
	"server.schemas.schemasFolder",
	"server.schemas.schemasFile",
	"store.ttlDefault",
	"store.diskHighWatermark",
	"store.diskLowWatermark",
	"store.sweepInterval",
	"store.encryption.secretEnv",
	"store.encryption.secretFile",
	"store.badger.syncWrites",
	"store.badger.gcInterval",
	"store.redis.keyPrefix",
	"store.redis.tls.caFile",
	"snapshot.retentionCount",
	"retry.baseDelay",
	"retry.maxAttempts",
	"retry.jitterFraction",
	"retry.maxQueueSize",
	"retry.maxStaleness",
	"retry.pollInterval",
	"retry.deliveryTimeout",
	"retry.rateLimit",
	"confidence.weights.sourceTrust",
	"confidence.weights.schemaValidity",
	"confidence.weights.telemetryAlignment",
	"confidence.weights.userOverride",
	"confidence.autoAcceptThreshold",
	"confidence.autoAcceptMargin",
	"confidence.halfLife",
	"confidence.schemaPenalty",
	"confidence.telemetry.targetLatency",
	"confidence.telemetry.targetErrorRate",
	"conflicts.coalesceWindow",
	"conflicts.retentionCount",
	"recovery.timeBudget",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := make(map[string]string, len(camelKeys))
		for _, key := range camelKeys {
			canonical[strings.ToLower(key)] = key
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (RESILCACHE_RETRY__MAX_ATTEMPTS -> retry.maxAttempts).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineSchemas = cloneSchemaMap(cfg.Schemas)

	bundle, err := buildSchemaBundle(ctx, cfg.InlineSchemas, cfg.Server.Schemas)
	if err != nil {
		return Config{}, err
	}
	cfg.Schemas = bundle.Schemas
	cfg.SchemaSources = bundle.Sources
	cfg.SchemaFingerprints = bundle.Fingerprints
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"schemas": map[string]any{
				"schemasFolder": cfg.Server.Schemas.SchemasFolder,
				"schemasFile":   cfg.Server.Schemas.SchemasFile,
			},
		},
		"store": map[string]any{
			"dir":               cfg.Store.Dir,
			"backend":           cfg.Store.Backend,
			"ttlDefault":        durationString(cfg.Store.TTLDefault),
			"diskHighWatermark": cfg.Store.DiskHighWatermark,
			"diskLowWatermark":  cfg.Store.DiskLowWatermark,
			"sweepInterval":     durationString(cfg.Store.SweepInterval),
			"encryption": map[string]any{
				"secretEnv":  cfg.Store.Encryption.SecretEnv,
				"secretFile": cfg.Store.Encryption.SecretFile,
			},
			"badger": map[string]any{
				"syncWrites": cfg.Store.Badger.SyncWrites,
				"gcInterval": durationString(cfg.Store.Badger.GCInterval),
			},
			"redis": map[string]any{
				"address":   cfg.Store.Redis.Address,
				"username":  cfg.Store.Redis.Username,
				"password":  cfg.Store.Redis.Password,
				"db":        cfg.Store.Redis.DB,
				"keyPrefix": cfg.Store.Redis.KeyPrefix,
				"tls": map[string]any{
					"enabled": cfg.Store.Redis.TLS.Enabled,
					"caFile":  cfg.Store.Redis.TLS.CAFile,
				},
			},
		},
		"snapshot": map[string]any{
			"interval":       durationString(cfg.Snapshot.Interval),
			"retentionCount": cfg.Snapshot.RetentionCount,
		},
		"retry": map[string]any{
			"baseDelay":       durationString(cfg.Retry.BaseDelay),
			"factor":          cfg.Retry.Factor,
			"maxAttempts":     cfg.Retry.MaxAttempts,
			"jitter":          cfg.Retry.Jitter,
			"jitterFraction":  cfg.Retry.JitterFraction,
			"maxQueueSize":    cfg.Retry.MaxQueueSize,
			"maxStaleness":    durationString(cfg.Retry.MaxStaleness),
			"pollInterval":    durationString(cfg.Retry.PollInterval),
			"deliveryTimeout": durationString(cfg.Retry.DeliveryTimeout),
			"concurrency":     cfg.Retry.Concurrency,
			"rateLimit":       cfg.Retry.RateLimit,
			"burst":           cfg.Retry.Burst,
		},
		"confidence": map[string]any{
			"weights": map[string]any{
				"freshness":          cfg.Confidence.Weights.Freshness,
				"sourceTrust":        cfg.Confidence.Weights.SourceTrust,
				"schemaValidity":     cfg.Confidence.Weights.SchemaValidity,
				"telemetryAlignment": cfg.Confidence.Weights.TelemetryAlignment,
				"userOverride":       cfg.Confidence.Weights.UserOverride,
			},
			"autoAcceptThreshold": cfg.Confidence.AutoAcceptThreshold,
			"autoAcceptMargin":    cfg.Confidence.AutoAcceptMargin,
			"halfLife":            durationString(cfg.Confidence.HalfLife),
			"schemaPenalty":       cfg.Confidence.SchemaPenalty,
			"telemetry": map[string]any{
				"targetLatency":   durationString(cfg.Confidence.Telemetry.TargetLatency),
				"targetErrorRate": cfg.Confidence.Telemetry.TargetErrorRate,
				"window":          cfg.Confidence.Telemetry.Window,
			},
		},
		"conflicts": map[string]any{
			"coalesceWindow": durationString(cfg.Conflicts.CoalesceWindow),
			"retentionCount": cfg.Conflicts.RetentionCount,
			"events": map[string]any{
				"buffer":       cfg.Conflicts.Events.Buffer,
				"backpressure": cfg.Conflicts.Events.Backpressure,
			},
		},
		"recovery": map[string]any{
			"timeBudget": durationString(cfg.Recovery.TimeBudget),
		},
		"chaos": map[string]any{
			"profile": cfg.Chaos.Profile,
			"seed":    cfg.Chaos.Seed,
		},
		"audit": map[string]any{
			"file": cfg.Audit.File,
		},
	}
}

func durationString(d time.Duration) string {
	return d.String()
}
