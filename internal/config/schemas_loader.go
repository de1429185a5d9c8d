package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/resilcache/internal/expr"
)

const inlineSourceName = "inline-config"

// SchemaBundle captures the merged namespace schemas after loading every
// configured source, plus the metadata needed to explain what was loaded and
// why certain definitions were skipped.
type SchemaBundle struct {
	Schemas      map[string]SchemaConfig
	Sources      []string
	Fingerprints map[string]Fingerprint
	Skipped      []DefinitionSkip
}

type schemaDocument struct {
	Schemas map[string]SchemaConfig `koanf:"schemas"`
}

type schemaAggregator struct {
	schemas      map[string]SchemaConfig
	origins      map[string]string
	skips        map[string]*DefinitionSkip
	sources      map[string]struct{}
	fingerprints map[string]Fingerprint
}

func newSchemaAggregator() *schemaAggregator {
	return &schemaAggregator{
		schemas:      make(map[string]SchemaConfig),
		origins:      make(map[string]string),
		skips:        make(map[string]*DefinitionSkip),
		sources:      make(map[string]struct{}),
		fingerprints: make(map[string]Fingerprint),
	}
}

func (a *schemaAggregator) addDocument(doc schemaDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Schemas {
		a.addSchema(name, cfg, source)
	}
}

func (a *schemaAggregator) addSchema(name string, cfg SchemaConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.schemas, name)
		return
	}
	a.origins[name] = source
	a.schemas[name] = cfg
}

func (a *schemaAggregator) validateExpressions(env *expr.Environment) {
	for name, cfg := range a.schemas {
		if err := validateSchema(cfg, env); err != nil {
			source := a.origins[name]
			a.recordSkip(name, fmt.Sprintf("invalid schema: %v", err), source)
			delete(a.origins, name)
			delete(a.schemas, name)
		}
	}
}

func (a *schemaAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "schema",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

func (a *schemaAggregator) bundle() SchemaBundle {
	schemas := maps.Clone(a.schemas)
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Name < skipped[j].Name
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return SchemaBundle{
		Schemas:      schemas,
		Sources:      sources,
		Fingerprints: maps.Clone(a.fingerprints),
		Skipped:      skipped,
	}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

// BuildSchemaBundle loads every configured schema source on top of the inline
// definitions. It is exported for the offline CLI commands.
func BuildSchemaBundle(ctx context.Context, cfg Config) (SchemaBundle, error) {
	return buildSchemaBundle(ctx, cfg.InlineSchemas, cfg.Server.Schemas)
}

func buildSchemaBundle(ctx context.Context, inline map[string]SchemaConfig, schemasCfg SchemasConfig) (SchemaBundle, error) {
	agg := newSchemaAggregator()
	if len(inline) > 0 {
		agg.addDocument(schemaDocument{Schemas: inline}, inlineSourceName)
	}

	files, err := collectSchemaSources(ctx, schemasCfg)
	if err != nil {
		return SchemaBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return SchemaBundle{}, ctx.Err()
		default:
		}
		doc, fp, err := loadSchemaDocument(path)
		if err != nil {
			return SchemaBundle{}, err
		}
		agg.fingerprints[path] = fp
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return SchemaBundle{}, err
	}
	agg.validateExpressions(env)
	return agg.bundle(), nil
}

func validateSchema(cfg SchemaConfig, env *expr.Environment) error {
	for idx, field := range cfg.RequiredFields {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("requiredFields[%d] empty", idx)
		}
	}
	trimmed := strings.TrimSpace(cfg.Expression)
	if trimmed == "" {
		return nil
	}
	if _, err := env.Compile(trimmed); err != nil {
		return fmt.Errorf("expression: %w", err)
	}
	return nil
}

func collectSchemaSources(ctx context.Context, schemasCfg SchemasConfig) ([]string, error) {
	if schemasCfg.SchemasFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(schemasCfg.SchemasFile); err != nil {
			return nil, err
		}
		return []string{filepath.Clean(schemasCfg.SchemasFile)}, nil
	}
	if schemasCfg.SchemasFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(schemasCfg.SchemasFolder)
	if err != nil {
		return nil, fmt.Errorf("config: schemas folder %s: %w", schemasCfg.SchemasFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: schemas folder %s is not a directory", schemasCfg.SchemasFolder)
	}
	var files []string
	err = filepath.WalkDir(schemasCfg.SchemasFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedSchemaFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk schemas folder %s: %w", schemasCfg.SchemasFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: schemas file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: schemas file %s: expected a file, found directory", path)
	}
	return nil
}

// loadSchemaDocument parses one schema file and fingerprints it by path,
// modification time and content digest.
func loadSchemaDocument(path string) (schemaDocument, Fingerprint, error) {
	parser, err := parserFor(path)
	if err != nil {
		return schemaDocument{}, Fingerprint{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return schemaDocument{}, Fingerprint{}, fmt.Errorf("config: stat schemas %s: %w", path, err)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return schemaDocument{}, Fingerprint{}, fmt.Errorf("config: read schemas %s: %w", path, err)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return schemaDocument{}, Fingerprint{}, fmt.Errorf("config: load schemas from %s: %w", path, err)
	}
	var doc schemaDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return schemaDocument{}, Fingerprint{}, fmt.Errorf("config: decode schemas from %s: %w", path, err)
	}
	if doc.Schemas == nil {
		doc.Schemas = make(map[string]SchemaConfig)
	}
	sum := sha256.Sum256(contents)
	fp := Fingerprint{
		Path:    path,
		ModTime: info.ModTime().UTC(),
		SHA256:  hex.EncodeToString(sum[:]),
	}
	return doc, fp, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported schemas file extension %s", ext)
	}
}

func isSupportedSchemaFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneSchemaMap(in map[string]SchemaConfig) map[string]SchemaConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
