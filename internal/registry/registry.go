// Package registry holds the compiled namespace schema validators. It is
// built once at startup, handed to the components that need it, and updated
// in place when schema sources change on disk.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/expr"
)

var (
	// ErrNotJSON is returned when a value under a schema is not a JSON document.
	ErrNotJSON = errors.New("registry: value is not valid JSON")
	// ErrMissingField is returned when a required field is absent or null.
	ErrMissingField = errors.New("registry: required field missing")
	// ErrRejected is returned when the schema expression evaluates to false.
	ErrRejected = errors.New("registry: value rejected by schema expression")
)

// Validator checks values for one namespace.
type Validator struct {
	Namespace      string
	Description    string
	RequiredFields []string
	check          *expr.Check
	config         config.SchemaConfig
}

// Expression returns the CEL source, or "" when only required fields apply.
func (v *Validator) Expression() string {
	if v.check == nil {
		return ""
	}
	return v.check.Source()
}

// Validate decodes value as JSON and applies the required fields and the
// expression.
func (v *Validator) Validate(key, origin string, value []byte) error {
	var doc any
	if err := json.Unmarshal(value, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if len(v.RequiredFields) > 0 {
		fields, ok := doc.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s expects an object", ErrMissingField, v.Namespace)
		}
		for _, name := range v.RequiredFields {
			if fields[name] == nil {
				return fmt.Errorf("%w: %s", ErrMissingField, name)
			}
		}
	}
	if v.check == nil {
		return nil
	}
	ok, err := v.check.Evaluate(expr.Input{
		Key:       key,
		Namespace: v.Namespace,
		Origin:    origin,
		Raw:       value,
		Value:     doc,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !ok {
		return ErrRejected
	}
	return nil
}

// Namespace derives a key's namespace: the text before the first ':', '.' or
// '/'. Keys without a separator are their own namespace.
func Namespace(key string) string {
	if i := strings.IndexAny(key, ":./"); i > 0 {
		return key[:i]
	}
	return key
}

// ApplyResult reports what an Apply call changed.
type ApplyResult struct {
	Compiled  []string
	Removed   []string
	Unchanged int
	Failed    map[string]error
}

// Changed reports whether the active validator set differs after Apply.
func (r ApplyResult) Changed() bool {
	return len(r.Compiled) > 0 || len(r.Removed) > 0
}

// Registry is safe for concurrent use.
type Registry struct {
	env    *expr.Environment
	logger *slog.Logger

	mu           sync.RWMutex
	validators   map[string]*Validator
	fingerprints map[string]config.Fingerprint
	sources      []string
	skipped      []config.DefinitionSkip
	generation   uint64
}

// New returns an empty registry.
func New(logger *slog.Logger) (*Registry, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		env:          env,
		logger:       logger.With(slog.String("agent", "registry")),
		validators:   make(map[string]*Validator),
		fingerprints: make(map[string]config.Fingerprint),
	}, nil
}

// Apply installs bundle. Namespaces whose definition is unchanged keep their
// compiled check; a definition that fails to compile keeps the previous
// validator for that namespace, if any.
func (r *Registry) Apply(bundle config.SchemaBundle) ApplyResult {
	result := ApplyResult{Failed: make(map[string]error)}

	r.mu.RLock()
	current := maps.Clone(r.validators)
	r.mu.RUnlock()

	next := make(map[string]*Validator, len(bundle.Schemas))
	for name, cfg := range bundle.Schemas {
		if prev, ok := current[name]; ok && reflect.DeepEqual(prev.config, cfg) {
			next[name] = prev
			result.Unchanged++
			continue
		}
		v, err := r.compile(name, cfg)
		if err != nil {
			result.Failed[name] = err
			r.logger.Warn("schema failed to compile", slog.String("namespace", name), slog.Any("error", err))
			if prev, ok := current[name]; ok {
				next[name] = prev
			}
			continue
		}
		next[name] = v
		result.Compiled = append(result.Compiled, name)
	}
	for name := range current {
		if _, ok := next[name]; !ok {
			result.Removed = append(result.Removed, name)
		}
	}
	sort.Strings(result.Compiled)
	sort.Strings(result.Removed)

	r.mu.Lock()
	r.validators = next
	r.fingerprints = maps.Clone(bundle.Fingerprints)
	r.sources = slices.Clone(bundle.Sources)
	r.skipped = slices.Clone(bundle.Skipped)
	if result.Changed() {
		r.generation++
	}
	r.mu.Unlock()

	if result.Changed() {
		r.logger.Info("schema registry updated",
			slog.Any("compiled", result.Compiled),
			slog.Any("removed", result.Removed),
			slog.Int("unchanged", result.Unchanged))
	}
	return result
}

func (r *Registry) compile(name string, cfg config.SchemaConfig) (*Validator, error) {
	v := &Validator{
		Namespace:      name,
		Description:    cfg.Description,
		RequiredFields: slices.Clone(cfg.RequiredFields),
		config:         cfg,
	}
	v.config.RequiredFields = slices.Clone(cfg.RequiredFields)
	if strings.TrimSpace(cfg.Expression) != "" {
		check, err := r.env.Compile(cfg.Expression)
		if err != nil {
			return nil, err
		}
		v.check = &check
	}
	return v, nil
}

// Lookup returns the validator for namespace.
func (r *Registry) Lookup(namespace string) (*Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[namespace]
	return v, ok
}

// Covers reports whether key's namespace has a validator.
func (r *Registry) Covers(key string) bool {
	_, ok := r.Lookup(Namespace(key))
	return ok
}

// Validate checks value against the validator for key's namespace. Keys in
// namespaces without a validator always pass.
func (r *Registry) Validate(key, origin string, value []byte) error {
	v, ok := r.Lookup(Namespace(key))
	if !ok {
		return nil
	}
	return v.Validate(key, origin, value)
}

// Namespaces lists registered namespaces in order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Collect(maps.Keys(r.validators))
	sort.Strings(names)
	return names
}

// Fingerprints returns the revision of each schema source last applied.
func (r *Registry) Fingerprints() map[string]config.Fingerprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.fingerprints)
}

// Skipped returns the definitions quarantined by the last bundle.
func (r *Registry) Skipped() []config.DefinitionSkip {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.skipped)
}

// Generation increments whenever Apply changes the validator set.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}
