package chaos

import (
	"context"
	"fmt"
	"slices"

	"github.com/l0p7/resilcache/internal/queue"
	"github.com/l0p7/resilcache/internal/store"
)

type backend struct {
	store.Backend
	inj *Injector
}

// WrapBackend injects io_error, disk_corruption and latency faults into b.
// Corruption flips a byte of records returned by Get, so the store's
// authentication check catches it on read.
func WrapBackend(b store.Backend, inj *Injector) store.Backend {
	return &backend{Backend: b, inj: inj}
}

func (b *backend) before(ctx context.Context, op string) error {
	if err := b.inj.delay(ctx); err != nil {
		return err
	}
	if _, ok := b.inj.fire(IOError); ok {
		return fmt.Errorf("%w: %s", ErrInjected, op)
	}
	return nil
}

func (b *backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := b.before(ctx, "get"); err != nil {
		return nil, false, err
	}
	sealed, ok, err := b.Backend.Get(ctx, key)
	if err != nil || !ok || len(sealed) == 0 {
		return sealed, ok, err
	}
	if _, fire := b.inj.fire(DiskCorruption); fire {
		sealed = slices.Clone(sealed)
		sealed[len(sealed)/2] ^= 0x5a
	}
	return sealed, ok, nil
}

func (b *backend) Put(ctx context.Context, key string, sealed []byte) error {
	if err := b.before(ctx, "put"); err != nil {
		return err
	}
	return b.Backend.Put(ctx, key, sealed)
}

func (b *backend) Evict(ctx context.Context, key string) error {
	if err := b.before(ctx, "evict"); err != nil {
		return err
	}
	return b.Backend.Evict(ctx, key)
}

func (b *backend) Snapshot(ctx context.Context) (map[string][]byte, error) {
	if err := b.before(ctx, "snapshot"); err != nil {
		return nil, err
	}
	return b.Backend.Snapshot(ctx)
}

func (b *backend) Hydrate(ctx context.Context, records map[string][]byte) error {
	if err := b.before(ctx, "hydrate"); err != nil {
		return err
	}
	return b.Backend.Hydrate(ctx, records)
}

func (b *backend) Ping(ctx context.Context) error {
	if err := b.before(ctx, "ping"); err != nil {
		return err
	}
	return b.Backend.Ping(ctx)
}

type sender struct {
	next queue.Sender
	inj  *Injector
}

func (s *sender) Send(ctx context.Context, cmd queue.Command) error {
	if err := s.inj.delay(ctx); err != nil {
		return err
	}
	if _, ok := s.inj.fire(NetworkDrop); ok {
		return fmt.Errorf("%w: dropped delivery to %q", ErrInjected, cmd.Destination)
	}
	return s.next.Send(ctx, cmd)
}

type probingSender struct {
	sender
	prober queue.Prober
}

func (s *probingSender) Probe(ctx context.Context, destination string) error {
	if _, ok := s.inj.fire(NetworkDrop); ok {
		return fmt.Errorf("%w: dropped probe to %q", ErrInjected, destination)
	}
	return s.prober.Probe(ctx, destination)
}

// WrapSender injects network_drop and latency faults into deliveries. The
// result probes only when next does.
func WrapSender(next queue.Sender, inj *Injector) queue.Sender {
	base := sender{next: next, inj: inj}
	if prober, ok := next.(queue.Prober); ok {
		return &probingSender{sender: base, prober: prober}
	}
	return &base
}
