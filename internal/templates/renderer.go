// Package templates renders request bodies and headers for queued command
// deliveries with text/template plus the sprig function library.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles delivery templates. Sprig helpers that read the process
// environment or the filesystem are removed so a destination definition
// cannot leak host state into outbound requests.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled template and is safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
	"getHostByName",
}

func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	r := &Renderer{funcs: make(template.FuncMap, len(funcs)+1)}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	// payloadString keeps templates readable when payloads are raw bytes.
	r.funcs["payloadString"] = func(b []byte) string { return string(b) }
	return r
}

// CompileInline parses source. Empty or whitespace-only sources return nil
// without error so optional fields stay optional.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileSet compiles every named source, for example one template per
// header. Empty sources are skipped.
func (r *Renderer) CompileSet(prefix string, sources map[string]string) (map[string]*Template, error) {
	out := make(map[string]*Template, len(sources))
	for name, source := range sources {
		tmpl, err := r.CompileInline(prefix+"."+name, source)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			out[name] = tmpl
		}
	}
	return out, nil
}

// Render executes the template against data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
