package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererRendersDeliveryData(t *testing.T) {
	renderer := NewRenderer()
	data := map[string]any{
		"ID":          "42",
		"Destination": "origin",
		"Payload":     []byte(`{"key":"profile:1"}`),
		"Attempts":    2,
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{name: "plain fields", template: "{{ .Destination }}/{{ .ID }}", want: "origin/42"},
		{name: "payload bytes", template: "{{ payloadString .Payload }}", want: `{"key":"profile:1"}`},
		{name: "sprig helpers", template: `{{ .Destination | upper }}-{{ add .Attempts 1 }}`, want: "ORIGIN-3"},
		{name: "base64 payload", template: "{{ payloadString .Payload | b64enc }}", want: "eyJrZXkiOiJwcm9maWxlOjEifQ=="},
		{name: "missing key renders zero", template: "[{{ .Nope }}]", want: "[<no value>]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileInline("body", tc.template)
			require.NoError(t, err)
			rendered, err := tmpl.Render(data)
			require.NoError(t, err)
			require.Equal(t, tc.want, rendered)
		})
	}
}

func TestRendererStripsHostHelpers(t *testing.T) {
	renderer := NewRenderer()
	t.Setenv("RESILCACHE_SECRET", "hunter2")

	for _, name := range restrictedFuncs {
		t.Run("removes "+name, func(t *testing.T) {
			_, ok := renderer.funcs[name]
			require.Falsef(t, ok, "expected sprig helper %q to be removed", name)
		})
	}

	_, err := renderer.CompileInline("inline", `{{ env "RESILCACHE_SECRET" }}`)
	require.Error(t, err)
	_, err = renderer.CompileInline("inline", `{{ readFile "/etc/passwd" }}`)
	require.Error(t, err)
}

func TestRendererEmptyAndInvalidSources(t *testing.T) {
	renderer := NewRenderer()

	tmpl, err := renderer.CompileInline("empty", "  \n")
	require.NoError(t, err)
	require.Nil(t, tmpl)
	_, err = tmpl.Render(nil)
	require.Error(t, err)
	require.Empty(t, tmpl.Name())

	_, err = renderer.CompileInline("broken", "{{ .Unclosed ")
	require.Error(t, err)

	named, err := renderer.CompileInline("", "static")
	require.NoError(t, err)
	require.Equal(t, "inline", named.Name())
}

func TestRendererCompileSet(t *testing.T) {
	renderer := NewRenderer()
	set, err := renderer.CompileSet("headers", map[string]string{
		"X-Command-ID": "{{ .ID }}",
		"X-Empty":      "",
	})
	require.NoError(t, err)
	require.Len(t, set, 1)
	require.Equal(t, "headers.X-Command-ID", set["X-Command-ID"].Name())

	_, err = renderer.CompileSet("headers", map[string]string{"X-Bad": "{{"})
	require.Error(t, err)
}
