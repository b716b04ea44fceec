package render

import (
	"bytes"
	"embed"
	"fmt"
	"reflect"
	"strings"
	"text/template"

	"labwatch/pkg/backend"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Page is the data every view template receives.
type Page struct {
	Wallet string
	Job    backend.JobSnapshot
	// HaveJob is false until the first snapshot arrived.
	HaveJob  bool
	JobError string

	Logs      string
	LogState  string
	LogError  string
	LogsJobID string

	Checkpoints     []backend.CheckpointRecord
	Points          []backend.PlotPoint
	CheckpointCycle uint64
	CheckpointError string

	Target *Target
}

// Target is the structure selected for visualization.
type Target struct {
	StructureRef string
	Cycle        int
	Proposal     int
	FileName     string
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"humanize": humanize,
		"display":  display,
		"truncate": truncate,
		"factor":   factor,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Has reports whether a template called name exists.
func (e *Engine) Has(name string) bool {
	return e != nil && e.templates != nil && e.templates.Lookup(name) != nil
}

func humanize(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}

// display renders a parameter value; empty and zero values read n/a.
func display(v any) string {
	if v == nil {
		return "n/a"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		if rv.Len() == 0 {
			return "n/a"
		}
	default:
		if rv.IsZero() {
			return "n/a"
		}
	}
	return truncate(10, fmt.Sprint(v))
}

// truncate shortens s to about n runes, keeping both ends.
func truncate(n int, s string) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	head := (n + 1) / 2
	tail := n / 2
	return string(r[:head]) + "…" + string(r[len(r)-tail:])
}

func factor(rec backend.CheckpointRecord, i int) string {
	if i < 0 || i >= len(rec.Factors) {
		return "-"
	}
	return fmt.Sprintf("%.3f", rec.Factors[i])
}
