package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSchemaBundleMergesSources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	schemasFile := filepath.Join(dir, "schemas.yaml")
	contents := "schemas:\n  settings:\n    description: from file\n    requiredFields: [theme]\n"
	require.NoError(t, os.WriteFile(schemasFile, []byte(contents), 0o600))

	inline := map[string]SchemaConfig{
		"profile": {Description: "inline", Expression: "has(value.id)"},
	}

	bundle, err := buildSchemaBundle(ctx, inline, SchemasConfig{SchemasFile: schemasFile})
	require.NoError(t, err)
	require.Len(t, bundle.Schemas, 2)
	require.Contains(t, bundle.Schemas, "profile")
	require.Contains(t, bundle.Schemas, "settings")
	require.True(t, slices.Contains(bundle.Sources, inlineSourceName))
	require.True(t, slices.Contains(bundle.Sources, filepath.Clean(schemasFile)))
	require.Empty(t, bundle.Skipped)

	fp, ok := bundle.Fingerprints[filepath.Clean(schemasFile)]
	require.True(t, ok)
	require.Len(t, fp.SHA256, 64)
	require.False(t, fp.ModTime.IsZero())
}

func TestBuildSchemaBundleSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	schemasFile := filepath.Join(dir, "schemas.json")
	require.NoError(t, os.WriteFile(schemasFile, []byte(`{"schemas":{"profile":{"description":"file"}}}`), 0o600))

	inline := map[string]SchemaConfig{"profile": {Description: "inline"}}

	bundle, err := buildSchemaBundle(ctx, inline, SchemasConfig{SchemasFile: schemasFile})
	require.NoError(t, err)
	require.Empty(t, bundle.Schemas)
	require.Len(t, bundle.Skipped, 1)
	skip := bundle.Skipped[0]
	require.Equal(t, "schema", skip.Kind)
	require.Equal(t, "duplicate definition", skip.Reason)
	require.Contains(t, skip.Sources, inlineSourceName)
	require.Contains(t, skip.Sources, filepath.Clean(schemasFile))
}

func TestBuildSchemaBundleSkipsInvalidExpressions(t *testing.T) {
	inline := map[string]SchemaConfig{
		"bad":  {Expression: "1 + 1"},
		"good": {Expression: "raw.size() > 0"},
	}

	bundle, err := buildSchemaBundle(context.Background(), inline, SchemasConfig{})
	require.NoError(t, err)
	require.Contains(t, bundle.Schemas, "good")
	require.NotContains(t, bundle.Schemas, "bad")
	require.Len(t, bundle.Skipped, 1)
	require.Equal(t, "bad", bundle.Skipped[0].Name)
	require.True(t, strings.Contains(bundle.Skipped[0].Reason, "invalid schema"))
}

func TestBuildSchemaBundleWalksFolder(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("schemas:\n  alpha:\n    requiredFields: [id]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "b.toml"), []byte("[schemas.beta]\ndescription = \"toml\"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	bundle, err := buildSchemaBundle(context.Background(), nil, SchemasConfig{SchemasFolder: dir})
	require.NoError(t, err)
	require.Contains(t, bundle.Schemas, "alpha")
	require.Contains(t, bundle.Schemas, "beta")
	require.Len(t, bundle.Fingerprints, 2)
}

func TestBuildSchemaBundleRejectsMissingFolder(t *testing.T) {
	_, err := buildSchemaBundle(context.Background(), nil, SchemasConfig{SchemasFolder: filepath.Join(t.TempDir(), "absent")})
	require.Error(t, err)
}
