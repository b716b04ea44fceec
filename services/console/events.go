package console

import (
	"context"
	"time"

	"labwatch/pkg/backend"
	"labwatch/services/artifacts"
)

// Event subjects.
const (
	SubjectJobSnapshot        = "labwatch.jobs.snapshot"
	SubjectCheckpointsUpdated = "labwatch.checkpoints.updated"
	SubjectLogsClosed         = "labwatch.logs.closed"
	SubjectDownloadsCompleted = "labwatch.downloads.completed"
	// SubjectAll matches every labwatch subject.
	SubjectAll = "labwatch.>"
)

// Subjects lists the subjects a labwatch stream must capture.
func Subjects() []string {
	return []string{SubjectAll}
}

// Publisher sends monitor events to the bus.
type Publisher interface {
	Publish(ctx context.Context, subj, msgID string, v any) error
}

// Event is the payload published on every subject.
type Event struct {
	Type        string               `json:"type" yaml:"type"`
	SessionID   string               `json:"session_id" yaml:"session_id"`
	Wallet      string               `json:"wallet,omitempty" yaml:"wallet,omitempty"`
	JobID       string               `json:"job_id" yaml:"job_id"`
	At          time.Time            `json:"at" yaml:"at"`
	Snapshot    *backend.JobSnapshot `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Checkpoints *CheckpointSummary   `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
	Logs        *LogSummary          `json:"logs,omitempty" yaml:"logs,omitempty"`
	Download    *artifacts.Result    `json:"download,omitempty" yaml:"download,omitempty"`
}

// CheckpointSummary describes one checkpoint cycle.
type CheckpointSummary struct {
	Cycle       uint64 `json:"cycle" yaml:"cycle"`
	Checkpoints int    `json:"checkpoints" yaml:"checkpoints"`
	Points      int    `json:"points" yaml:"points"`
}

// LogSummary describes a closed log stream.
type LogSummary struct {
	ExternalID string `json:"external_id" yaml:"external_id"`
	ConnID     string `json:"conn_id" yaml:"conn_id"`
	Bytes      int    `json:"bytes" yaml:"bytes"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	Archive    string `json:"archive,omitempty" yaml:"archive,omitempty"`
}
