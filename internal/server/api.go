package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/l0p7/resilcache/internal/conflict"
	"github.com/l0p7/resilcache/internal/events"
	"github.com/l0p7/resilcache/internal/metrics"
	"github.com/l0p7/resilcache/internal/queue"
	"github.com/l0p7/resilcache/internal/reasons"
	"github.com/l0p7/resilcache/internal/recovery"
	"github.com/l0p7/resilcache/internal/runtime"
	"github.com/l0p7/resilcache/internal/store"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 100
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Evict(ctx context.Context, key string) error
}

type Conflicts interface {
	Submit(ctx context.Context, key string, candidate conflict.SourceValue) (conflict.Outcome, error)
	Apply(ctx context.Context, id uuid.UUID, decision conflict.Decision) (conflict.Entry, error)
	Get(id uuid.UUID) (conflict.Entry, bool)
	List(limit int) []conflict.Entry
	ListPending(limit int) []conflict.Entry
	Subscribe() *events.Subscription[conflict.Event]
}

type Queue interface {
	Enqueue(ctx context.Context, cmd queue.Command) queue.Command
	DrainNow(ctx context.Context) queue.DrainReport
	Pending() []queue.Command
}

type Recovery interface {
	State() recovery.State
	LastReport() (recovery.Report, bool)
	Reset() bool
	Subscribe() *events.Subscription[recovery.Event]
}

// Deps is everything the admin API serves from.
type Deps struct {
	Cache     Cache
	Conflicts Conflicts
	Queue     Queue
	Recovery  Recovery
	// Destinations lists the names POST /queue accepts.
	Destinations []string
	Stats        func() any
	// Healthy reports whether the store is serving from an intact backend.
	Healthy func() bool
	Metrics http.Handler
	Logger  *slog.Logger
}

// NodeDeps adapts a running node.
func NodeDeps(n *runtime.Node, rec *metrics.Recorder, logger *slog.Logger) Deps {
	return Deps{
		Cache:        n.Store,
		Conflicts:    n.Resolver,
		Queue:        n.Queue,
		Recovery:     n.Recovery,
		Destinations: n.Sender.Destinations(),
		Stats:        func() any { return n.Stats() },
		Healthy:      n.Healthy,
		Metrics:      rec.Handler(),
		Logger:       logger,
	}
}

type api struct {
	deps         Deps
	logger       *slog.Logger
	validate     *validator.Validate
	destinations map[string]struct{}
}

// NewHandler routes the admin API.
func NewHandler(deps Deps) (http.Handler, error) {
	if deps.Cache == nil || deps.Conflicts == nil || deps.Queue == nil || deps.Recovery == nil {
		return nil, errors.New("server: cache, conflicts, queue and recovery required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		deps:         deps,
		logger:       logger.With(slog.String("agent", "admin_api")),
		validate:     newValidator(),
		destinations: make(map[string]struct{}, len(deps.Destinations)),
	}
	for _, name := range deps.Destinations {
		a.destinations[name] = struct{}{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /stats", a.stats)
	mux.HandleFunc("GET /reasons", a.reasons)
	mux.HandleFunc("GET /conflicts", a.listConflicts)
	mux.HandleFunc("GET /conflicts/{id}", a.getConflict)
	mux.HandleFunc("POST /conflicts/{id}/resolution", a.resolveConflict)
	mux.HandleFunc("POST /candidates", a.submitCandidate)
	mux.HandleFunc("GET /cache/{key}", a.getValue)
	mux.HandleFunc("PUT /cache/{key}", a.putValue)
	mux.HandleFunc("DELETE /cache/{key}", a.evictValue)
	mux.HandleFunc("GET /queue", a.listQueue)
	mux.HandleFunc("POST /queue", a.enqueue)
	mux.HandleFunc("POST /queue/flush", a.flush)
	mux.HandleFunc("GET /recovery", a.recoveryStatus)
	mux.HandleFunc("POST /recovery/reset", a.resetRecovery)
	mux.HandleFunc("GET /events", a.events)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	return mux, nil
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]any{"error": message})
}

// decode reads one JSON object and validates it. It writes the error
// response itself and reports whether the caller may continue.
func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			a.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "fields": fields})
			return false
		}
		a.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	state := a.deps.Recovery.State()
	healthy := state == recovery.Healthy
	if a.deps.Healthy != nil {
		healthy = a.deps.Healthy()
	}
	status := string(state)
	if state == recovery.Healthy && !healthy {
		status = "store_degraded"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	a.writeJSON(w, code, map[string]any{
		"status":     status,
		"healthy":    healthy,
		"observedAt": time.Now().UTC(),
	})
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Stats == nil {
		a.writeError(w, http.StatusNotImplemented, "stats unavailable")
		return
	}
	a.writeJSON(w, http.StatusOK, a.deps.Stats())
}

func (a *api) reasons(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, reasons.All())
}

func (a *api) listConflicts(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pending := false
	if raw := r.URL.Query().Get("pending"); raw != "" {
		pending, err = strconv.ParseBool(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid pending %q", raw))
			return
		}
	}
	var entries []conflict.Entry
	if pending {
		entries = a.deps.Conflicts.ListPending(limit)
	} else {
		entries = a.deps.Conflicts.List(limit)
	}
	if entries == nil {
		entries = []conflict.Entry{}
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *api) conflictID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid conflict id %q", r.PathValue("id")))
		return uuid.Nil, false
	}
	return id, true
}

func (a *api) getConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := a.conflictID(w, r)
	if !ok {
		return
	}
	entry, found := a.deps.Conflicts.Get(id)
	if !found {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("conflict %s not found", id))
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

type resolutionRequest struct {
	Action string `json:"action" validate:"required,oneof=accept reject"`
	Index  *int   `json:"index" validate:"required_if=Action accept"`
}

func (a *api) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := a.conflictID(w, r)
	if !ok {
		return
	}
	var req resolutionRequest
	if !a.decode(w, r, &req) {
		return
	}
	decision := conflict.Reject()
	if req.Action == "accept" {
		decision = conflict.Accept(*req.Index)
	}
	entry, err := a.deps.Conflicts.Apply(r.Context(), id, decision)
	switch {
	case errors.Is(err, conflict.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conflict.ErrNotPending):
		a.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conflict.ErrInvalidCandidate):
		a.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "conflict": entry})
	default:
		a.writeJSON(w, http.StatusOK, entry)
	}
}

type candidateRequest struct {
	Key        string          `json:"key" validate:"required,max=512"`
	Origin     string          `json:"origin" validate:"required,oneof=cache remote local_override"`
	Value      json.RawMessage `json:"value" validate:"required"`
	ObservedAt *time.Time      `json:"observedAt"`
	TrustScore float64         `json:"trustScore" validate:"gte=0,lte=1"`
}

func (a *api) submitCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if !a.decode(w, r, &req) {
		return
	}
	candidate := conflict.SourceValue{
		Origin:     conflict.Origin(req.Origin),
		Value:      req.Value,
		TrustScore: req.TrustScore,
	}
	if req.ObservedAt != nil {
		candidate.ObservedAt = *req.ObservedAt
	}
	out, err := a.deps.Conflicts.Submit(r.Context(), req.Key, candidate)
	switch {
	case errors.Is(err, conflict.ErrInvalidOrigin):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "outcome": out})
	case out.Resolution == conflict.Pending:
		a.writeJSON(w, http.StatusAccepted, out)
	default:
		a.writeJSON(w, http.StatusOK, out)
	}
}

func (a *api) getValue(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok := a.deps.Cache.Get(r.Context(), key)
	if !ok {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("key %q not cached", key))
		return
	}
	contentType := "application/octet-stream"
	if json.Valid(value) {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(value); err != nil {
		a.logger.Debug("value write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (a *api) putValue(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ttl %q", raw))
			return
		}
		ttl = parsed
	}
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	err = a.deps.Cache.Put(r.Context(), key, value, ttl)
	var se *store.StorageError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &se):
		a.writeJSON(w, http.StatusAccepted, map[string]any{"degraded": true, "error": err.Error()})
	case errors.Is(err, store.ErrStorageFull):
		a.writeError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, store.ErrEmptyKey):
		a.writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *api) evictValue(w http.ResponseWriter, r *http.Request) {
	err := a.deps.Cache.Evict(r.Context(), r.PathValue("key"))
	var se *store.StorageError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &se):
		a.writeJSON(w, http.StatusAccepted, map[string]any{"degraded": true, "error": err.Error()})
	default:
		a.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *api) listQueue(w http.ResponseWriter, _ *http.Request) {
	pending := a.deps.Queue.Pending()
	if pending == nil {
		pending = []queue.Command{}
	}
	a.writeJSON(w, http.StatusOK, pending)
}

type enqueueRequest struct {
	Destination  string          `json:"destination" validate:"required"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
	Critical     bool            `json:"critical"`
	MaxStaleness string          `json:"maxStaleness"`
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !a.decode(w, r, &req) {
		return
	}
	if _, ok := a.destinations[req.Destination]; !ok {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %q", queue.ErrUnknownDestination, req.Destination))
		return
	}
	cmd := queue.Command{Destination: req.Destination, Payload: req.Payload, Critical: req.Critical}
	if req.MaxStaleness != "" {
		d, err := time.ParseDuration(req.MaxStaleness)
		if err != nil || d < 0 {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid maxStaleness %q", req.MaxStaleness))
			return
		}
		cmd.MaxStaleness = d
	}
	a.writeJSON(w, http.StatusAccepted, a.deps.Queue.Enqueue(r.Context(), cmd))
}

func (a *api) flush(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.deps.Queue.DrainNow(r.Context()))
}

func (a *api) recoveryStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"state": a.deps.Recovery.State()}
	if report, ok := a.deps.Recovery.LastReport(); ok {
		payload["lastReport"] = report
	}
	a.writeJSON(w, http.StatusOK, payload)
}

func (a *api) resetRecovery(w http.ResponseWriter, _ *http.Request) {
	reset := a.deps.Recovery.Reset()
	a.writeJSON(w, http.StatusOK, map[string]any{"reset": reset, "state": a.deps.Recovery.State()})
}
