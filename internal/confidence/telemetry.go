package confidence

import (
	"maps"
	"sync"
	"time"
)

type observation struct {
	latency time.Duration
	failed  bool
}

type window struct {
	samples []observation
	next    int
	full    bool
}

func (w *window) add(o observation) {
	w.samples[w.next] = o
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) observations() []observation {
	if w.full {
		return w.samples
	}
	return w.samples[:w.next]
}

// OriginTelemetry summarises the sliding window for one origin.
type OriginTelemetry struct {
	Samples     int           `json:"samples"`
	MeanLatency time.Duration `json:"meanLatency"`
	ErrorRate   float64       `json:"errorRate"`
	Alignment   float64       `json:"alignment"`
}

// Tracker keeps a fixed-size window of latency and error observations per
// origin and turns them into an alignment factor.
type Tracker struct {
	targetLatency   time.Duration
	targetErrorRate float64
	size            int

	mu      sync.Mutex
	origins map[string]*window
}

func NewTracker(size int, targetLatency time.Duration, targetErrorRate float64) *Tracker {
	if size <= 0 {
		size = 64
	}
	return &Tracker{
		targetLatency:   targetLatency,
		targetErrorRate: clamp01(targetErrorRate),
		size:            size,
		origins:         make(map[string]*window),
	}
}

// Observe records one interaction with origin; a non-nil err counts as an
// error.
func (t *Tracker) Observe(origin string, latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.origins[origin]
	if !ok {
		w = &window{samples: make([]observation, t.size)}
		t.origins[origin] = w
	}
	w.add(observation{latency: latency, failed: err != nil})
}

// Alignment is 1 while the origin's mean latency and error rate are within
// target, and shrinks in proportion to how far they overshoot. Origins with
// no observations are fully aligned.
func (t *Tracker) Alignment(origin string) float64 {
	return t.summary(origin).Alignment
}

func (t *Tracker) summary(origin string) OriginTelemetry {
	t.mu.Lock()
	w, ok := t.origins[origin]
	var obs []observation
	if ok {
		obs = append(obs, w.observations()...)
	}
	t.mu.Unlock()

	if len(obs) == 0 {
		return OriginTelemetry{Alignment: 1}
	}
	var total time.Duration
	failures := 0
	for _, o := range obs {
		total += o.latency
		if o.failed {
			failures++
		}
	}
	mean := total / time.Duration(len(obs))
	rate := float64(failures) / float64(len(obs))

	latencyFactor := 1.0
	if t.targetLatency > 0 && mean > t.targetLatency {
		latencyFactor = float64(t.targetLatency) / float64(mean)
	}
	errorFactor := 1.0
	if rate > t.targetErrorRate {
		errorFactor = clamp01((1 - rate) / (1 - t.targetErrorRate))
	}
	return OriginTelemetry{
		Samples:     len(obs),
		MeanLatency: mean,
		ErrorRate:   rate,
		Alignment:   clamp01(latencyFactor * errorFactor),
	}
}

// Snapshot summarises every tracked origin.
func (t *Tracker) Snapshot() map[string]OriginTelemetry {
	t.mu.Lock()
	names := maps.Clone(t.origins)
	t.mu.Unlock()
	out := make(map[string]OriginTelemetry, len(names))
	for name := range names {
		out[name] = t.summary(name)
	}
	return out
}
