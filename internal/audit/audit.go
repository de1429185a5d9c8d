// Package audit emits append-only records for conflict resolutions, recovery
// cycles, storage-full conditions and dropped queue commands.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindConflict    Kind = "conflict_resolution"
	KindRecovery    Kind = "recovery"
	KindStorageFull Kind = "storage_full"
	KindCorruption  Kind = "corruption"
	KindQueueDrop   Kind = "queue_drop"
)

// Event is one audit record.
type Event struct {
	Sequence    uint64         `json:"sequence,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        Kind           `json:"kind"`
	Key         string         `json:"key,omitempty"`
	Outcome     string         `json:"outcome"`
	ReasonCodes []string       `json:"reasonCodes,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

type nopSink struct{}

func (nopSink) Record(context.Context, Event) error { return nil }

// Nop discards events.
func Nop() Sink { return nopSink{} }

// OrNop returns sink, or a discarding sink when sink is nil.
func OrNop(sink Sink) Sink {
	if sink == nil {
		return Nop()
	}
	return sink
}

type logSink struct {
	logger *slog.Logger
}

// NewLogSink writes events to logger at info level.
func NewLogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger.With(slog.String("agent", "audit"))}
}

func (s *logSink) Record(ctx context.Context, event Event) error {
	attrs := []slog.Attr{
		slog.String("kind", string(event.Kind)),
		slog.String("outcome", event.Outcome),
	}
	if event.Key != "" {
		attrs = append(attrs, slog.String("key", event.Key))
	}
	if len(event.ReasonCodes) > 0 {
		attrs = append(attrs, slog.Any("reason_codes", event.ReasonCodes))
	}
	if len(event.Attrs) > 0 {
		attrs = append(attrs, slog.Any("attrs", event.Attrs))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit event", attrs...)
	return nil
}

// auditFileMode keeps the ledger owner-only; it names keys and outcomes.
const auditFileMode = 0o600

// FileSink appends one JSON document per line and numbers events in write
// order.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	seq  uint64
}

// OpenFile opens path for appending, creating it and its directory when
// needed.
func OpenFile(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("audit: file path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileSink{file: file, enc: json.NewEncoder(file)}, nil
}

func (s *FileSink) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("audit: file sink closed")
	}
	s.seq++
	event.Sequence = s.seq
	if err := s.enc.Encode(event); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Later calls are no-ops.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

type multiSink []Sink

// Multi records every event in each sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded, optionally limited to kinds.
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(kinds) == 0 {
		return slices.Clone(r.events)
	}
	var out []Event
	for _, e := range r.events {
		if slices.Contains(kinds, e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

// Emit stamps event when needed, records it and logs a sink failure instead
// of returning it.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, event Event) {
	if sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := sink.Record(ctx, event); err != nil && logger != nil {
		logger.Warn("audit sink failed", slog.String("kind", string(event.Kind)), slog.Any("error", err))
	}
}
