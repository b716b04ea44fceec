package view

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"labwatch/pkg/backend"
	"labwatch/pkg/metrics"
)

// View is the panel the console shows.
type View string

const (
	Parameters  View = "parameters"
	Outputs     View = "outputs"
	Inputs      View = "inputs"
	Logs        View = "logs"
	Checkpoints View = "checkpoints"
	Visualize   View = "visualize"
)

// Views lists every view in display order.
func Views() []View {
	return []View{Parameters, Outputs, Inputs, Logs, Checkpoints, Visualize}
}

// ParseView accepts a view name in any case.
func ParseView(s string) (View, error) {
	v := View(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Views() {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown view %q", s)
}

// Target is the structure chosen for visualization.
type Target struct {
	StructureRef string    `json:"structure_ref" yaml:"structure_ref"`
	Cycle        int       `json:"cycle" yaml:"cycle"`
	Proposal     int       `json:"proposal" yaml:"proposal"`
	FileName     string    `json:"file_name,omitempty" yaml:"file_name,omitempty"`
	SelectedAt   time.Time `json:"selected_at" yaml:"selected_at"`
}

// Bridge turns user interactions into view transitions. It does no I/O
// and shares no lock with the pollers.
type Bridge struct {
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	active View
	target *Target
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics counts view transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithNow overrides the selection timestamp source.
func WithNow(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBridge returns a bridge showing the parameters view.
func NewBridge(opts ...Option) *Bridge {
	b := &Bridge{active: Parameters, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Select makes rec's structure the visualization target and switches
// to the visualize view. A record without a structure reference still
// becomes the target; the visualize view then shows no structure.
func (b *Bridge) Select(rec backend.CheckpointRecord) (Target, error) {
	if b == nil {
		return Target{}, errors.New("nil bridge")
	}
	t := Target{
		StructureRef: strings.TrimSpace(rec.StructureRef),
		Cycle:        rec.Cycle,
		Proposal:     rec.Proposal,
		FileName:     rec.FileName,
		SelectedAt:   b.now(),
	}

	b.mu.Lock()
	b.target = &t
	b.active = Visualize
	b.mu.Unlock()

	b.metrics.ViewTransition(string(Visualize))
	return t, nil
}

// SelectPoint selects the checkpoint behind a plot point.
func (b *Bridge) SelectPoint(p backend.PlotPoint) (Target, error) {
	return b.Select(p.Record)
}

// SetView switches to v. The visualization target is kept.
func (b *Bridge) SetView(v View) error {
	if b == nil {
		return errors.New("nil bridge")
	}
	v, err := ParseView(string(v))
	if err != nil {
		return err
	}

	b.mu.Lock()
	changed := b.active != v
	b.active = v
	b.mu.Unlock()

	if changed {
		b.metrics.ViewTransition(string(v))
	}
	return nil
}

// Active returns the current view.
func (b *Bridge) Active() View {
	if b == nil {
		return Parameters
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Target returns the current visualization target.
func (b *Bridge) Target() (Target, bool) {
	if b == nil {
		return Target{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.target == nil {
		return Target{}, false
	}
	return *b.target, true
}

// Reset returns to the parameters view and clears the target, as when
// another job is selected.
func (b *Bridge) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.active = Parameters
	b.target = nil
	b.mu.Unlock()
}
