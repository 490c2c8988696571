package templates

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles request path templates. It carries the Sprig function map
// minus the helpers that reach the process environment or filesystem, plus a
// "segment" helper that escapes a value for use as one URL path segment.
type Renderer struct {
	funcs template.FuncMap
}

// Template represents a compiled template ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

var defaultRenderer = NewRenderer()

// NewRenderer constructs a renderer with the restricted function map.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	r := &Renderer{funcs: make(template.FuncMap, len(funcs)+1)}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	r.funcs["segment"] = func(value any) string {
		return url.PathEscape(fmt.Sprint(value))
	}
	return r
}

// Compile parses a template source. Missing keys are errors so a path is never
// rendered with an empty segment.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("templates: %q has an empty source", name)
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Must compiles a template with the shared renderer and panics on error. It is
// meant for package-level endpoint tables whose sources are constants.
func Must(name, source string) *Template {
	t, err := defaultRenderer.Compile(name, source)
	if err != nil {
		panic(err)
	}
	return t
}

// Render executes the compiled template with the supplied data returning the
// rendered string. Errors are propagated for callers to surface or log.
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

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
