package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit caps list queries when no limit is given.
const DefaultLimit = 50

// Transition is one observed change of a job's lifecycle state.
type Transition struct {
	ID         int64     `db:"id" json:"id" yaml:"id"`
	SessionID  uuid.UUID `db:"session_id" json:"session_id" yaml:"session_id"`
	JobID      string    `db:"job_id" json:"job_id" yaml:"job_id"`
	ExternalID string    `db:"external_id" json:"external_id" yaml:"external_id"`
	FromState  string    `db:"from_state" json:"from_state" yaml:"from_state"`
	ToState    string    `db:"to_state" json:"to_state" yaml:"to_state"`
	Error      string    `db:"error" json:"error,omitempty" yaml:"error,omitempty"`
	ObservedAt time.Time `db:"observed_at" json:"observed_at" yaml:"observed_at"`
}

// CheckpointPoll summarises one successful checkpoint cycle.
type CheckpointPoll struct {
	ID          int64     `db:"id" json:"id" yaml:"id"`
	SessionID   uuid.UUID `db:"session_id" json:"session_id" yaml:"session_id"`
	JobID       string    `db:"job_id" json:"job_id" yaml:"job_id"`
	Cycle       int64     `db:"cycle" json:"cycle" yaml:"cycle"`
	Checkpoints int       `db:"checkpoints" json:"checkpoints" yaml:"checkpoints"`
	Points      int       `db:"points" json:"points" yaml:"points"`
	FetchedAt   time.Time `db:"fetched_at" json:"fetched_at" yaml:"fetched_at"`
}

// Store persists monitoring history. List methods return newest first.
type Store interface {
	RecordTransition(ctx context.Context, t Transition) error
	RecordCheckpointPoll(ctx context.Context, p CheckpointPoll) error
	Transitions(ctx context.Context, jobID string, limit int) ([]Transition, error)
	CheckpointPolls(ctx context.Context, jobID string, limit int) ([]CheckpointPoll, error)
}

// MemoryStore keeps history for the lifetime of the process.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	transitions []Transition
	polls       []CheckpointPoll
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordTransition(_ context.Context, t Transition) error {
	if t.JobID == "" || t.ToState == "" {
		return errors.New("job id and state are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t.ID = s.nextID
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *MemoryStore) RecordCheckpointPoll(_ context.Context, p CheckpointPoll) error {
	if p.JobID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.polls = append(s.polls, p)
	return nil
}

func (s *MemoryStore) Transitions(_ context.Context, jobID string, limit int) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transition
	for _, t := range s.transitions {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, limit), nil
}

func (s *MemoryStore) CheckpointPolls(_ context.Context, jobID string, limit int) ([]CheckpointPoll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CheckpointPoll
	for _, p := range s.polls {
		if p.JobID == jobID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, limit), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
