package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8420, cfg.Server.Listen.Port)
				require.Equal(t, 900*time.Second, cfg.Store.TTLDefault)
				require.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
				require.Equal(t, 5, cfg.Retry.MaxAttempts)
				require.InDelta(t, 0.35, cfg.Confidence.Weights.Freshness, 1e-9)
				require.Equal(t, 3*time.Second, cfg.Recovery.TimeBudget)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "resilcache.yaml")
				contents := "server:\n  listen:\n    port: 9090\nretry:\n  baseDelay: 250ms\n  maxAttempts: 3\nstore:\n  backend: memory\n  ttlDefault: 1m\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
				require.Equal(t, 3, cfg.Retry.MaxAttempts)
				require.Equal(t, "memory", cfg.Store.Backend)
				require.Equal(t, time.Minute, cfg.Store.TTLDefault)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "resilcache.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("RESILCACHE_SERVER__LISTEN__PORT", "9091")
				t.Setenv("RESILCACHE_RETRY__MAX_ATTEMPTS", "7")
				t.Setenv("RESILCACHE_CONFIDENCE__AUTOACCEPTTHRESHOLD", "0.9")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, 7, cfg.Retry.MaxAttempts)
				require.InDelta(t, 0.9, cfg.Confidence.AutoAcceptThreshold, 1e-9)
			},
		},
		{
			name: "reads destinations and chaos profiles",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "resilcache.yaml")
				contents := "retry:\n  destinations:\n    sync:\n      url: http://127.0.0.1:9999/sync\n      method: PUT\n      timeout: 2s\nchaos:\n  profile: flaky\n  profiles:\n    flaky:\n      kind: network_drop\n      probability: 0.5\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Retry.Destinations, "sync")
				require.Equal(t, "PUT", cfg.Retry.Destinations["sync"].Method)
				require.Equal(t, 2*time.Second, cfg.Retry.Destinations["sync"].Timeout)
				require.Equal(t, "flaky", cfg.Chaos.Profile)
				require.InDelta(t, 0.5, cfg.Chaos.Profiles["flaky"].Probability, 1e-9)
			},
		},
		{
			name: "loads inline schemas",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "resilcache.yaml")
				contents := "schemas:\n  profile:\n    description: user profiles\n    requiredFields: [id]\n    expression: has(value.id)\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Schemas, "profile")
				require.Equal(t, []string{"id"}, cfg.Schemas["profile"].RequiredFields)
				require.Equal(t, []string{inlineSourceName}, cfg.SchemaSources)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				return []string{filepath.Join(dir, "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails when weights do not sum to one",
			setup: func(t *testing.T) []string {
				t.Setenv("RESILCACHE_CONFIDENCE__WEIGHTS__FRESHNESS", "0.5")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			loader := NewLoader("RESILCACHE", files...)
			cfg, err := loader.Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("RESILCACHE", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadShippedExampleConfig(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	path := filepath.Join(wd, "..", "..", "examples", "resilcache.yaml")

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "badger", cfg.Store.Backend)
	require.Contains(t, cfg.Retry.Destinations, "origin")
	require.Contains(t, cfg.Chaos.Profiles, "offline")
	require.Contains(t, cfg.Schemas, "profile")
	require.Contains(t, cfg.Schemas, "settings")
	require.Empty(t, cfg.SkippedDefinitions)
}
