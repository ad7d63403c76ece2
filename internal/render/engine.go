// Package render implements the template engine that turns raw tracker
// issues into the canonical project JSON. Rendering is pure: the engine
// performs no I/O and produces identical output for identical inputs.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// ErrSyntax wraps template parse failures so callers can distinguish a bad
// template from a bad data context.
var ErrSyntax = errors.New("template syntax error")

// ValidationResult is the outcome of a syntax-only template check.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// Engine renders template sources against issue data. The helper surface
// available to templates is fixed at construction and never grows at
// render time.
type Engine struct {
	funcs template.FuncMap
}

// NewEngine creates an engine with the whitelisted helper functions.
func NewEngine() *Engine {
	return &Engine{funcs: builtins()}
}

// Render executes source against data and returns the rendered text.
// Parse failures are reported as ErrSyntax; execution failures (bad helper
// arguments, marshalling errors) are returned as-is.
func (e *Engine) Render(source string, data map[string]any) (string, error) {
	tmpl, err := e.parse(source)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// Validate checks source for syntax errors without requiring issue data.
func (e *Engine) Validate(source string) ValidationResult {
	if _, err := e.parse(source); err != nil {
		return ValidationResult{Valid: false, Message: err.Error()}
	}
	return ValidationResult{Valid: true}
}

// TestRender renders source against a caller-supplied JSON sample. It
// exists for interactive template development and touches no stores.
func (e *Engine) TestRender(source, sampleJSON string) (string, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(sampleJSON), &data); err != nil {
		return "", fmt.Errorf("parse sample JSON: %w", err)
	}
	return e.Render(source, data)
}

func (e *Engine) parse(source string) (*template.Template, error) {
	tmpl, err := template.New("canonical").
		Option("missingkey=zero").
		Funcs(e.funcs).
		Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return tmpl, nil
}
