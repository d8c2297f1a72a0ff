// Package prompts renders the model prompts of the workflow stages.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

// Template names.
const (
	Receptionist       = "receptionist"
	ProblemExploration = "problem_exploration"
	IntentRecognition  = "intent_recognition"
	Interviewer        = "interviewer"
	Scorer             = "scorer"
	ReportWriter       = "report_writer"
)

// Renderer executes the embedded prompt templates.
type Renderer struct {
	tmpl *template.Template
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"add": func(a, b int) int { return a + b },
}

// New parses the embedded templates.
func New() (*Renderer, error) {
	t, err := template.New("prompts").Funcs(funcs).ParseFS(builtinTemplates, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Renderer{tmpl: t}, nil
}

// MustNew is New for package-level initialization; the templates are
// embedded, so a failure is a build defect.
func MustNew() *Renderer {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// Render executes the named template with vars.
func (r *Renderer) Render(name string, vars map[string]any) (string, error) {
	t := r.tmpl.Lookup(name + ".tmpl")
	if t == nil {
		return "", fmt.Errorf("prompt template %q not found", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Names lists the available template names.
func (r *Renderer) Names() []string {
	var out []string
	for _, t := range r.tmpl.Templates() {
		if name, ok := strings.CutSuffix(t.Name(), ".tmpl"); ok {
			out = append(out, name)
		}
	}
	return out
}
