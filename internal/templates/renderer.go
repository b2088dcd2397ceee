package templates

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"

	sprig "github.com/Masterminds/sprig/v3"
)

// restrictedFuncs are sprig helpers that reach the process environment or the
// network. Offline pages are rendered while the origin is unreachable and must
// not depend on either.
var restrictedFuncs = []string{
	"env",
	"expandenv",
	"getHostByName",
}

// Renderer compiles HTML templates with the sprig helper set. File-backed
// templates resolve through the sandbox.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer binds a renderer to sandbox. With a nil sandbox only inline
// templates are available.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.FuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	return &Renderer{sandbox: sandbox, funcs: template.FuncMap(funcs)}
}

func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source. Blank sources return nil without error so
// optional template settings can be passed straight through.
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

// CompileFile reads path through the sandbox and compiles it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	contents, err := r.sandbox.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.CompileInline(filepath.Base(path), string(contents))
}

// Render executes the template with data.
func (t *Template) Render(data any) ([]byte, error) {
	if t == nil {
		return nil, errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.Bytes(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
