package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// RedisConfig locates the shared valkey/redis instance used as a record backend.
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type redisBackend struct {
	client valkey.Client
	prefix string
}

// NewRedisBackend connects and pings before returning.
func NewRedisBackend(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "resilcache:entry:"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}
	b := &redisBackend{client: client, prefix: prefix}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := b.client.Do(ctx, b.client.B().Get().Key(b.prefix+key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: redis get: %w", err)
	}
	sealed, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("store: redis get bytes: %w", err)
	}
	return sealed, true, nil
}

func (b *redisBackend) Put(ctx context.Context, key string, sealed []byte) error {
	cmd := b.client.B().Set().Key(b.prefix + key).Value(valkey.BinaryString(sealed)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (b *redisBackend) Evict(ctx context.Context, key string) error {
	if err := b.client.Do(ctx, b.client.B().Del().Key(b.prefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

func (b *redisBackend) keys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		resp := b.client.Do(ctx, b.client.B().Scan().Cursor(cursor).Match(b.prefix+"*").Count(256).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("store: redis scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (b *redisBackend) Snapshot(ctx context.Context) (map[string][]byte, error) {
	keys, err := b.keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, full := range keys {
		key := strings.TrimPrefix(full, b.prefix)
		sealed, ok, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = sealed
		}
	}
	return out, nil
}

func (b *redisBackend) Hydrate(ctx context.Context, records map[string][]byte) error {
	keys, err := b.keys(ctx)
	if err != nil {
		return err
	}
	cmds := make(valkey.Commands, 0, len(keys)+len(records))
	for _, full := range keys {
		cmds = append(cmds, b.client.B().Del().Key(full).Build())
	}
	for key, sealed := range records {
		cmds = append(cmds, b.client.B().Set().Key(b.prefix+key).Value(valkey.BinaryString(sealed)).Build())
	}
	if len(cmds) == 0 {
		return nil
	}
	for _, resp := range b.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("store: redis hydrate: %w", err)
		}
	}
	return nil
}

func (b *redisBackend) Ping(ctx context.Context) error {
	if err := b.client.Do(ctx, b.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("store: redis ping: %w", err)
	}
	return nil
}

func (b *redisBackend) Close(context.Context) error {
	b.client.Close()
	return nil
}
