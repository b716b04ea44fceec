package console

import (
	"labwatch/pkg/backend"
	"labwatch/pkg/render"
	"labwatch/services/monitor"
	"labwatch/services/view"
)

// StateView is a point-in-time copy of everything the console shows.
type StateView struct {
	Wallet          string                 `json:"wallet,omitempty" yaml:"wallet,omitempty"`
	JobID           string                 `json:"job_id" yaml:"job_id"`
	View            view.View              `json:"view" yaml:"view"`
	Job             *backend.JobSnapshot   `json:"job,omitempty" yaml:"job,omitempty"`
	JobError        string                 `json:"job_error,omitempty" yaml:"job_error,omitempty"`
	Checkpoints     *monitor.CheckpointSet `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
	CheckpointError string                 `json:"checkpoint_error,omitempty" yaml:"checkpoint_error,omitempty"`
	Logs            LogState               `json:"logs" yaml:"logs"`
	Target          *view.Target           `json:"target,omitempty" yaml:"target,omitempty"`
}

// LogState describes the log stream without its text.
type LogState struct {
	ExternalID string `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	State      string `json:"state" yaml:"state"`
	Bytes      int    `json:"bytes" yaml:"bytes"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// State returns a copy of the console state.
func (c *Console) State() StateView {
	st := StateView{
		Wallet:          c.shared.Wallet(),
		JobID:           c.shared.SelectedJob(),
		View:            c.bridge.Active(),
		JobError:        errString(c.jobs.LastError()),
		CheckpointError: errString(c.checkpoints.LastError()),
		Logs: LogState{
			ExternalID: c.logs.JobID(),
			State:      c.logs.State().String(),
			Bytes:      len(c.logs.Buffer()),
			Error:      errString(c.logs.Err()),
		},
	}
	if snap, ok := c.jobs.Current(); ok {
		st.Job = &snap
	}
	if set, ok := c.checkpoints.Current(); ok {
		st.Checkpoints = &set
	}
	if target, ok := c.bridge.Target(); ok {
		st.Target = &target
	}
	return st
}

// Render renders v as text.
func (c *Console) Render(v view.View) (string, error) {
	return c.renderer.Render(string(v), c.page())
}

// RenderActive renders the active view.
func (c *Console) RenderActive() (string, error) {
	return c.Render(c.bridge.Active())
}

func (c *Console) page() render.Page {
	st := c.State()
	page := render.Page{
		Wallet:          st.Wallet,
		JobError:        st.JobError,
		Logs:            c.logs.Buffer(),
		LogState:        st.Logs.State,
		LogError:        st.Logs.Error,
		LogsJobID:       st.Logs.ExternalID,
		CheckpointError: st.CheckpointError,
	}
	if st.Job != nil {
		page.Job = *st.Job
		page.HaveJob = true
	}
	if st.Checkpoints != nil {
		page.Checkpoints = st.Checkpoints.Records
		page.Points = st.Checkpoints.Points
		page.CheckpointCycle = st.Checkpoints.Cycle
	}
	if st.Target != nil {
		page.Target = &render.Target{
			StructureRef: st.Target.StructureRef,
			Cycle:        st.Target.Cycle,
			Proposal:     st.Target.Proposal,
			FileName:     st.Target.FileName,
		}
	}
	return page
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
