package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// Config holds every resilience cache option plus the schema definitions once they are loaded.
type Config struct {
	Server     ServerConfig            `koanf:"server"`
	Store      StoreConfig             `koanf:"store"`
	Snapshot   SnapshotConfig          `koanf:"snapshot"`
	Retry      RetryConfig             `koanf:"retry"`
	Confidence ConfidenceConfig        `koanf:"confidence"`
	Conflicts  ConflictsConfig         `koanf:"conflicts"`
	Recovery   RecoveryConfig          `koanf:"recovery"`
	Chaos      ChaosConfig             `koanf:"chaos"`
	Audit      AuditConfig             `koanf:"audit"`
	Schemas    map[string]SchemaConfig `koanf:"schemas"`

	InlineSchemas map[string]SchemaConfig `koanf:"-"`

	// SchemaSources records which files contributed schema definitions once the
	// loader resolves the configured sources.
	SchemaSources []string `koanf:"-"`
	// SchemaFingerprints identifies the revision of every schema source so the
	// validator registry only recompiles what changed.
	SchemaFingerprints map[string]Fingerprint `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid schema
	// definitions the loader intentionally disabled.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the admin listener.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Schemas SchemasConfig `koanf:"schemas"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SchemasConfig announces how namespace schema documents are sourced.
type SchemasConfig struct {
	SchemasFolder string `koanf:"schemasFolder"`
	SchemasFile   string `koanf:"schemasFile"`
}

type StoreConfig struct {
	Dir               string           `koanf:"dir"`
	Backend           string           `koanf:"backend"`
	TTLDefault        time.Duration    `koanf:"ttlDefault"`
	DiskHighWatermark int64            `koanf:"diskHighWatermark"`
	DiskLowWatermark  int64            `koanf:"diskLowWatermark"`
	SweepInterval     time.Duration    `koanf:"sweepInterval"`
	Encryption        EncryptionConfig `koanf:"encryption"`
	Badger            BadgerConfig     `koanf:"badger"`
	Redis             RedisConfig      `koanf:"redis"`
}

// EncryptionConfig names where the process-local secret comes from. The
// secret itself is never written next to the data.
type EncryptionConfig struct {
	SecretEnv  string `koanf:"secretEnv"`
	SecretFile string `koanf:"secretFile"`
}

type BadgerConfig struct {
	SyncWrites bool          `koanf:"syncWrites"`
	GCInterval time.Duration `koanf:"gcInterval"`
}

type RedisConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	KeyPrefix string         `koanf:"keyPrefix"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type SnapshotConfig struct {
	Interval       time.Duration `koanf:"interval"`
	RetentionCount int           `koanf:"retentionCount"`
}

// RetryConfig drives the offline transport queue.
type RetryConfig struct {
	BaseDelay       time.Duration                `koanf:"baseDelay"`
	Factor          float64                      `koanf:"factor"`
	MaxAttempts     int                          `koanf:"maxAttempts"`
	Jitter          bool                         `koanf:"jitter"`
	JitterFraction  float64                      `koanf:"jitterFraction"`
	MaxQueueSize    int                          `koanf:"maxQueueSize"`
	MaxStaleness    time.Duration                `koanf:"maxStaleness"`
	PollInterval    time.Duration                `koanf:"pollInterval"`
	DeliveryTimeout time.Duration                `koanf:"deliveryTimeout"`
	Concurrency     int                          `koanf:"concurrency"`
	RateLimit       float64                      `koanf:"rateLimit"`
	Burst           int                          `koanf:"burst"`
	Destinations    map[string]DestinationConfig `koanf:"destinations"`
}

// DestinationConfig describes one remote endpoint queued commands are delivered to.
type DestinationConfig struct {
	URL          string            `koanf:"url"`
	Method       string            `koanf:"method"`
	Headers      map[string]string `koanf:"headers"`
	BodyTemplate string            `koanf:"bodyTemplate"`
	Timeout      time.Duration     `koanf:"timeout"`
}

type ConfidenceConfig struct {
	Weights             WeightsConfig   `koanf:"weights"`
	AutoAcceptThreshold float64         `koanf:"autoAcceptThreshold"`
	AutoAcceptMargin    float64         `koanf:"autoAcceptMargin"`
	HalfLife            time.Duration   `koanf:"halfLife"`
	SchemaPenalty       float64         `koanf:"schemaPenalty"`
	Telemetry           TelemetryConfig `koanf:"telemetry"`
}

type WeightsConfig struct {
	Freshness          float64 `koanf:"freshness"`
	SourceTrust        float64 `koanf:"sourceTrust"`
	SchemaValidity     float64 `koanf:"schemaValidity"`
	TelemetryAlignment float64 `koanf:"telemetryAlignment"`
	UserOverride       float64 `koanf:"userOverride"`
}

// Sum adds every weight.
func (w WeightsConfig) Sum() float64 {
	return w.Freshness + w.SourceTrust + w.SchemaValidity + w.TelemetryAlignment + w.UserOverride
}

type TelemetryConfig struct {
	TargetLatency   time.Duration `koanf:"targetLatency"`
	TargetErrorRate float64       `koanf:"targetErrorRate"`
	Window          int           `koanf:"window"`
}

type ConflictsConfig struct {
	CoalesceWindow time.Duration `koanf:"coalesceWindow"`
	RetentionCount int           `koanf:"retentionCount"`
	Events         EventsConfig  `koanf:"events"`
}

// EventsConfig controls subscriber buffering for conflict and recovery streams.
type EventsConfig struct {
	Buffer       int    `koanf:"buffer"`
	Backpressure string `koanf:"backpressure"`
}

type RecoveryConfig struct {
	TimeBudget time.Duration `koanf:"timeBudget"`
}

// ChaosConfig lists named fault scenarios; Profile selects the active one.
type ChaosConfig struct {
	Profile  string                        `koanf:"profile"`
	Seed     int64                         `koanf:"seed"`
	Profiles map[string]ChaosProfileConfig `koanf:"profiles"`
}

type ChaosProfileConfig struct {
	Kind        string        `koanf:"kind"`
	Probability float64       `koanf:"probability"`
	Latency     time.Duration `koanf:"latency"`
	FailCount   int           `koanf:"failCount"`
}

type AuditConfig struct {
	File string `koanf:"file"`
}

// SchemaConfig declares the validity rule for one key namespace. A value is
// valid when it parses as JSON, carries every required field and the CEL
// expression (if any) evaluates to true.
type SchemaConfig struct {
	Description    string   `koanf:"description"`
	RequiredFields []string `koanf:"requiredFields"`
	Expression     string   `koanf:"expression"`
}

// DefinitionSkip describes a schema definition that the loader intentionally
// ignored because it violated invariants (for example duplicate namespaces
// across files).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Fingerprint identifies one revision of a schema source.
type Fingerprint struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"modTime"`
	SHA256  string    `json:"sha256"`
}

// Equal reports whether two fingerprints describe the same revision.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Path == other.Path && f.SHA256 == other.SHA256 && f.ModTime.Equal(other.ModTime)
}

const weightTolerance = 1e-6

var chaosKinds = map[string]struct{}{
	"network_drop":    {},
	"disk_corruption": {},
	"latency":         {},
	"io_error":        {},
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Schemas.SchemasFolder != "" && c.Server.Schemas.SchemasFile != "" {
		return errors.New("config: schemasFolder and schemasFile are mutually exclusive")
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.Snapshot.RetentionCount < 1 {
		return fmt.Errorf("config: snapshot.retentionCount invalid: %d", c.Snapshot.RetentionCount)
	}
	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("config: snapshot.interval invalid: %s", c.Snapshot.Interval)
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.Confidence.validate(); err != nil {
		return err
	}
	if c.Conflicts.CoalesceWindow < 0 {
		return fmt.Errorf("config: conflicts.coalesceWindow invalid: %s", c.Conflicts.CoalesceWindow)
	}
	if c.Conflicts.RetentionCount < 0 {
		return fmt.Errorf("config: conflicts.retentionCount invalid: %d", c.Conflicts.RetentionCount)
	}
	switch strings.ToLower(strings.TrimSpace(c.Conflicts.Events.Backpressure)) {
	case "", "drop_oldest", "block":
	default:
		return fmt.Errorf("config: conflicts.events.backpressure unsupported: %s", c.Conflicts.Events.Backpressure)
	}
	if c.Recovery.TimeBudget <= 0 {
		return fmt.Errorf("config: recovery.timeBudget invalid: %s", c.Recovery.TimeBudget)
	}
	return c.Chaos.validate()
}

func (s StoreConfig) validate() error {
	if s.TTLDefault <= 0 {
		return fmt.Errorf("config: store.ttlDefault invalid: %s", s.TTLDefault)
	}
	if s.DiskHighWatermark <= 0 {
		return fmt.Errorf("config: store.diskHighWatermark invalid: %d", s.DiskHighWatermark)
	}
	if s.DiskLowWatermark <= 0 || s.DiskLowWatermark >= s.DiskHighWatermark {
		return fmt.Errorf("config: store.diskLowWatermark must be positive and below diskHighWatermark: %d", s.DiskLowWatermark)
	}
	backend := strings.TrimSpace(strings.ToLower(s.Backend))
	switch backend {
	case "", "memory":
	case "badger":
		if strings.TrimSpace(s.Dir) == "" {
			return errors.New("config: store.dir required for badger backend")
		}
	case "redis":
		if strings.TrimSpace(s.Redis.Address) == "" {
			return errors.New("config: store.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: store.backend unsupported: %s", s.Backend)
	}
	return nil
}

func (r RetryConfig) validate() error {
	if r.BaseDelay <= 0 {
		return fmt.Errorf("config: retry.baseDelay invalid: %s", r.BaseDelay)
	}
	if r.Factor < 1 {
		return fmt.Errorf("config: retry.factor invalid: %v", r.Factor)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.maxAttempts invalid: %d", r.MaxAttempts)
	}
	if r.JitterFraction < 0 || r.JitterFraction >= 1 {
		return fmt.Errorf("config: retry.jitterFraction invalid: %v", r.JitterFraction)
	}
	if r.MaxQueueSize < 1 {
		return fmt.Errorf("config: retry.maxQueueSize invalid: %d", r.MaxQueueSize)
	}
	if r.DeliveryTimeout <= 0 {
		return fmt.Errorf("config: retry.deliveryTimeout invalid: %s", r.DeliveryTimeout)
	}
	if r.RateLimit < 0 {
		return fmt.Errorf("config: retry.rateLimit invalid: %v", r.RateLimit)
	}
	for name, dest := range r.Destinations {
		if strings.TrimSpace(dest.URL) == "" {
			return fmt.Errorf("config: retry.destinations %q url required", name)
		}
		parsed, err := url.Parse(dest.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: retry.destinations %q url invalid: %s", name, dest.URL)
		}
		if dest.Timeout < 0 {
			return fmt.Errorf("config: retry.destinations %q timeout invalid: %s", name, dest.Timeout)
		}
	}
	return nil
}

func (c ConfidenceConfig) validate() error {
	w := c.Weights
	for name, value := range map[string]float64{
		"freshness":          w.Freshness,
		"sourceTrust":        w.SourceTrust,
		"schemaValidity":     w.SchemaValidity,
		"telemetryAlignment": w.TelemetryAlignment,
		"userOverride":       w.UserOverride,
	} {
		if value < 0 || math.IsNaN(value) {
			return fmt.Errorf("config: confidence.weights.%s invalid: %v", name, value)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("config: confidence.weights must sum to 1.0, got %v", sum)
	}
	if c.AutoAcceptThreshold < 0 || c.AutoAcceptThreshold > 1 {
		return fmt.Errorf("config: confidence.autoAcceptThreshold invalid: %v", c.AutoAcceptThreshold)
	}
	if c.AutoAcceptMargin < 0 || c.AutoAcceptMargin > 1 {
		return fmt.Errorf("config: confidence.autoAcceptMargin invalid: %v", c.AutoAcceptMargin)
	}
	if c.HalfLife <= 0 {
		return fmt.Errorf("config: confidence.halfLife invalid: %s", c.HalfLife)
	}
	if c.SchemaPenalty < 0 || c.SchemaPenalty > 1 {
		return fmt.Errorf("config: confidence.schemaPenalty invalid: %v", c.SchemaPenalty)
	}
	return nil
}

func (c ChaosConfig) validate() error {
	for name, profile := range c.Profiles {
		kind := strings.ToLower(strings.TrimSpace(profile.Kind))
		if _, ok := chaosKinds[kind]; !ok {
			return fmt.Errorf("config: chaos.profiles %q kind unsupported: %s", name, profile.Kind)
		}
		if profile.Probability < 0 || profile.Probability > 1 {
			return fmt.Errorf("config: chaos.profiles %q probability invalid: %v", name, profile.Probability)
		}
	}
	if c.Profile != "" {
		if _, ok := c.Profiles[c.Profile]; !ok {
			return fmt.Errorf("config: chaos.profile %q not defined", c.Profile)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8420,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Store: StoreConfig{
			Dir:               "./data",
			Backend:           "badger",
			TTLDefault:        900 * time.Second,
			DiskHighWatermark: 64 << 20,
			DiskLowWatermark:  48 << 20,
			SweepInterval:     30 * time.Second,
			Encryption: EncryptionConfig{
				SecretEnv: "RESILCACHE_SECRET",
			},
			Badger: BadgerConfig{
				SyncWrites: true,
				GCInterval: 5 * time.Minute,
			},
			Redis: RedisConfig{
				KeyPrefix: "resilcache:entry:",
			},
		},
		Snapshot: SnapshotConfig{
			Interval:       5 * time.Minute,
			RetentionCount: 5,
		},
		Retry: RetryConfig{
			BaseDelay:       500 * time.Millisecond,
			Factor:          2.0,
			MaxAttempts:     5,
			Jitter:          true,
			JitterFraction:  0.2,
			MaxQueueSize:    1024,
			MaxStaleness:    24 * time.Hour,
			PollInterval:    time.Second,
			DeliveryTimeout: 5 * time.Second,
			Concurrency:     4,
		},
		Confidence: ConfidenceConfig{
			Weights: WeightsConfig{
				Freshness:          0.35,
				SourceTrust:        0.30,
				SchemaValidity:     0.20,
				TelemetryAlignment: 0.10,
				UserOverride:       0.05,
			},
			AutoAcceptThreshold: 0.80,
			AutoAcceptMargin:    0.15,
			HalfLife:            15 * time.Minute,
			SchemaPenalty:       0,
			Telemetry: TelemetryConfig{
				TargetLatency:   500 * time.Millisecond,
				TargetErrorRate: 0.05,
				Window:          64,
			},
		},
		Conflicts: ConflictsConfig{
			CoalesceWindow: 2 * time.Second,
			RetentionCount: 256,
			Events: EventsConfig{
				Buffer:       64,
				Backpressure: "drop_oldest",
			},
		},
		Recovery: RecoveryConfig{
			TimeBudget: 3 * time.Second,
		},
	}
}
