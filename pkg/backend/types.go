package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LifecycleState is the phase a job reports through the status endpoint.
type LifecycleState string

const (
	StatePending   LifecycleState = "pending"
	StateQueued    LifecycleState = "queued"
	StateRunning   LifecycleState = "running"
	StateCompleted LifecycleState = "completed"
	StateFailed    LifecycleState = "failed"
)

// Normalize lowercases the state and folds queued and empty values into pending.
func (s LifecycleState) Normalize() LifecycleState {
	v := LifecycleState(strings.ToLower(strings.TrimSpace(string(s))))
	switch v {
	case "", StateQueued:
		return StatePending
	default:
		return v
	}
}

// IsRunning reports whether the job is actively executing.
func (s LifecycleState) IsRunning() bool { return s.Normalize() == StateRunning }

// IsTerminal reports whether s is one of the built-in terminal states.
// Callers that know about additional terminal states layer them on top.
func (s LifecycleState) IsTerminal() bool {
	switch s.Normalize() {
	case StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Tag classifies an artifact.
type Tag struct {
	Name string `json:"Name" yaml:"name"`
	Type string `json:"Type" yaml:"type"`
}

// ArtifactReference points at a content-addressed file.
type ArtifactReference struct {
	CID      string `json:"CID" yaml:"cid"`
	Filename string `json:"Filename" yaml:"filename"`
	Tags     []Tag  `json:"Tags,omitempty" yaml:"tags,omitempty"`
}

// DisplayName returns the file name, falling back to "download".
func (a ArtifactReference) DisplayName() string {
	if name := strings.TrimSpace(a.Filename); name != "" {
		return name
	}
	return "download"
}

// JobSnapshot is one observation of a job. Snapshots are never mutated
// after construction; every poll yields a new one.
type JobSnapshot struct {
	ID              string              `json:"id" yaml:"id"`
	ExternalID      string              `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	UUID            string              `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	State           LifecycleState      `json:"state" yaml:"state"`
	Error           string              `json:"error,omitempty" yaml:"error,omitempty"`
	ToolID          string              `json:"tool_id,omitempty" yaml:"tool_id,omitempty"`
	FlowID          string              `json:"flow_id,omitempty" yaml:"flow_id,omitempty"`
	Inputs          map[string]any      `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	InputArtifacts  []ArtifactReference `json:"input_artifacts,omitempty" yaml:"input_artifacts,omitempty"`
	OutputArtifacts []ArtifactReference `json:"output_artifacts,omitempty" yaml:"output_artifacts,omitempty"`
	ObservedAt      time.Time           `json:"observed_at" yaml:"observed_at"`
}

// Clone returns a copy of s that shares no maps or slices with it.
func (s JobSnapshot) Clone() JobSnapshot {
	out := s
	if s.Inputs != nil {
		out.Inputs = cloneValue(s.Inputs).(map[string]any)
	}
	out.InputArtifacts = cloneArtifacts(s.InputArtifacts)
	out.OutputArtifacts = cloneArtifacts(s.OutputArtifacts)
	return out
}

func cloneArtifacts(refs []ArtifactReference) []ArtifactReference {
	if refs == nil {
		return nil
	}
	out := make([]ArtifactReference, len(refs))
	for i, ref := range refs {
		out[i] = ref
		if ref.Tags != nil {
			out[i].Tags = append([]Tag(nil), ref.Tags...)
		}
	}
	return out
}

// cloneValue copies the maps and slices a decoded JSON value is built from.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

type jobPayload struct {
	ID            flexString          `json:"ID"`
	JobID         string              `json:"JobID"`
	BacalhauJobID string              `json:"BacalhauJobID"`
	JobUUID       string              `json:"JobUUID"`
	State         string              `json:"State"`
	Error         string              `json:"Error"`
	ToolID        string              `json:"ToolID"`
	FlowID        flexString          `json:"FlowID"`
	Inputs        map[string]any      `json:"Inputs"`
	InputFiles    []ArtifactReference `json:"InputFiles"`
	OutputFiles   []ArtifactReference `json:"OutputFiles"`
}

func (p jobPayload) snapshot(observedAt time.Time) *JobSnapshot {
	external := strings.TrimSpace(p.BacalhauJobID)
	if external == "" {
		external = strings.TrimSpace(p.JobID)
	}
	if external == "" {
		external = strings.TrimSpace(p.JobUUID)
	}

	state := LifecycleState(p.State).Normalize()
	snap := &JobSnapshot{
		ID:              string(p.ID),
		ExternalID:      external,
		UUID:            p.JobUUID,
		State:           state,
		ToolID:          p.ToolID,
		FlowID:          string(p.FlowID),
		Inputs:          p.Inputs,
		InputArtifacts:  p.InputFiles,
		OutputArtifacts: p.OutputFiles,
		ObservedAt:      observedAt,
	}
	if state == StateFailed {
		snap.Error = p.Error
	}
	return snap
}

// flexString accepts either a JSON string or a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", trimmed)
	}
	*f = flexString(n.String())
	return nil
}

// CheckpointRecord is one checkpoint reported by the checkpoint store.
// Factors holds factor1, factor2, ... in index order.
type CheckpointRecord struct {
	Cycle        int       `json:"cycle" yaml:"cycle"`
	Proposal     int       `json:"proposal" yaml:"proposal"`
	Factors      []float64 `json:"factors,omitempty" yaml:"factors,omitempty"`
	Dim1         float64   `json:"dim1" yaml:"dim1"`
	Dim2         float64   `json:"dim2" yaml:"dim2"`
	StructureRef string    `json:"structure_ref,omitempty" yaml:"structure_ref,omitempty"`
	FileName     string    `json:"file_name,omitempty" yaml:"file_name,omitempty"`
	URL          string    `json:"url,omitempty" yaml:"url,omitempty"`
}

// UnmarshalJSON decodes the checkpoint payload, collecting every
// factorN key into Factors.
func (r *CheckpointRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out CheckpointRecord
	type indexed struct {
		index int
		value float64
	}
	var factors []indexed

	for key, value := range raw {
		var err error
		switch key {
		case "cycle":
			err = json.Unmarshal(value, &out.Cycle)
		case "proposal":
			err = json.Unmarshal(value, &out.Proposal)
		case "dim1":
			err = json.Unmarshal(value, &out.Dim1)
		case "dim2":
			err = json.Unmarshal(value, &out.Dim2)
		case "PdbFilePath", "pdbFilePath", "pdb_file_path", "structure_ref":
			err = json.Unmarshal(value, &out.StructureRef)
		case "fileName", "FileName", "filename", "file_name":
			err = json.Unmarshal(value, &out.FileName)
		case "url", "URL":
			err = json.Unmarshal(value, &out.URL)
		case "factors":
			var list []float64
			err = json.Unmarshal(value, &list)
			for i, f := range list {
				factors = append(factors, indexed{index: i + 1, value: f})
			}
		default:
			suffix, ok := strings.CutPrefix(key, "factor")
			if !ok {
				continue
			}
			index, convErr := strconv.Atoi(suffix)
			if convErr != nil {
				continue
			}
			var f float64
			err = json.Unmarshal(value, &f)
			factors = append(factors, indexed{index: index, value: f})
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}

	sort.Slice(factors, func(i, j int) bool { return factors[i].index < factors[j].index })
	for _, f := range factors {
		out.Factors = append(out.Factors, f.value)
	}

	*r = out
	return nil
}

// PlotPoint places a checkpoint on the factor1/factor2 plane.
type PlotPoint struct {
	X      float64          `json:"x" yaml:"x"`
	Y      float64          `json:"y" yaml:"y"`
	Record CheckpointRecord `json:"record" yaml:"record"`
}

// NewPlotPoint projects a record onto its first two factors.
func NewPlotPoint(rec CheckpointRecord) (PlotPoint, error) {
	if len(rec.Factors) < 2 {
		return PlotPoint{}, fmt.Errorf("checkpoint cycle %d proposal %d has %d factors, need 2", rec.Cycle, rec.Proposal, len(rec.Factors))
	}
	return PlotPoint{X: rec.Factors[0], Y: rec.Factors[1], Record: rec}, nil
}
