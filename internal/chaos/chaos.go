// Package chaos injects configured faults into the store backend and the
// queue sender so recovery paths can be exercised on a live node.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/resilcache/internal/config"
)

// ErrInjected is returned by every injected failure.
var ErrInjected = errors.New("chaos: injected fault")

type Kind string

const (
	NetworkDrop    Kind = "network_drop"
	DiskCorruption Kind = "disk_corruption"
	Latency        Kind = "latency"
	IOError        Kind = "io_error"
)

// Profile is one named fault scenario.
type Profile struct {
	Name        string
	Kind        Kind
	Probability float64
	Latency     time.Duration
	// FailCount stops injection after that many faults; zero never stops.
	FailCount int
}

// ProfileFromConfig converts one configured profile.
func ProfileFromConfig(name string, cfg config.ChaosProfileConfig) (Profile, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(cfg.Kind)))
	switch kind {
	case NetworkDrop, DiskCorruption, Latency, IOError:
	default:
		return Profile{}, fmt.Errorf("chaos: profile %q kind unsupported: %s", name, cfg.Kind)
	}
	if cfg.Probability < 0 || cfg.Probability > 1 {
		return Profile{}, fmt.Errorf("chaos: profile %q probability invalid: %v", name, cfg.Probability)
	}
	return Profile{
		Name:        name,
		Kind:        kind,
		Probability: cfg.Probability,
		Latency:     cfg.Latency,
		FailCount:   cfg.FailCount,
	}, nil
}

// Injector decides, per operation, whether the active profile fires. It is
// inert until Activate.
type Injector struct {
	mu       sync.Mutex
	profile  Profile
	active   bool
	rng      *rand.Rand
	injected int
	onFault  func(Profile)
}

// NewInjector seeds the decision stream so runs are reproducible. onFault,
// when set, runs after every injected fault outside the injector's lock.
func NewInjector(seed int64, onFault func(Profile)) *Injector {
	return &Injector{
		rng:     rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		onFault: onFault,
	}
}

// Activate replaces the active profile and resets its fault count.
func (i *Injector) Activate(p Profile) {
	i.mu.Lock()
	i.profile = p
	i.active = true
	i.injected = 0
	i.mu.Unlock()
}

func (i *Injector) Deactivate() {
	i.mu.Lock()
	i.active = false
	i.mu.Unlock()
}

// Active returns the current profile, if any.
func (i *Injector) Active() (Profile, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.profile, i.active
}

// Injected counts faults since the last Activate.
func (i *Injector) Injected() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.injected
}

// fire reports whether a fault of kind happens now.
func (i *Injector) fire(kind Kind) (Profile, bool) {
	if i == nil {
		return Profile{}, false
	}
	i.mu.Lock()
	if !i.active || i.profile.Kind != kind {
		i.mu.Unlock()
		return Profile{}, false
	}
	p := i.profile
	if p.FailCount > 0 && i.injected >= p.FailCount {
		i.mu.Unlock()
		return Profile{}, false
	}
	if p.Probability < 1 && i.rng.Float64() >= p.Probability {
		i.mu.Unlock()
		return Profile{}, false
	}
	i.injected++
	i.mu.Unlock()
	if i.onFault != nil {
		i.onFault(p)
	}
	return p, true
}

// delay sleeps for the latency profile, honouring ctx.
func (i *Injector) delay(ctx context.Context) error {
	p, ok := i.fire(Latency)
	if !ok || p.Latency <= 0 {
		return nil
	}
	timer := time.NewTimer(p.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
