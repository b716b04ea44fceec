package history

import (
	"context"
	"errors"
	"fmt"

	"labwatch/pkg/db"
)

// PostgresStore keeps history in the job_transitions and
// checkpoint_polls tables.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore wraps a migrated database handle.
func NewPostgresStore(handle *db.DB) (*PostgresStore, error) {
	if handle == nil {
		return nil, errors.New("database is required")
	}
	return &PostgresStore{db: handle}, nil
}

func (s *PostgresStore) RecordTransition(ctx context.Context, t Transition) error {
	if t.JobID == "" || t.ToState == "" {
		return errors.New("job id and state are required")
	}
	err := s.db.Exec(ctx, `
		INSERT INTO job_transitions (session_id, job_id, external_id, from_state, to_state, error, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.SessionID, t.JobID, t.ExternalID, t.FromState, t.ToState, t.Error, t.ObservedAt)
	if err != nil {
		return fmt.Errorf("insert job transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordCheckpointPoll(ctx context.Context, p CheckpointPoll) error {
	if p.JobID == "" {
		return errors.New("job id is required")
	}
	err := s.db.Exec(ctx, `
		INSERT INTO checkpoint_polls (session_id, job_id, cycle, checkpoints, points, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.SessionID, p.JobID, p.Cycle, p.Checkpoints, p.Points, p.FetchedAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint poll: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transitions(ctx context.Context, jobID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out []Transition
	err := s.db.Select(ctx, &out, `
		SELECT id, session_id, job_id, external_id, from_state, to_state, error, observed_at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY observed_at DESC, id DESC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job transitions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CheckpointPolls(ctx context.Context, jobID string, limit int) ([]CheckpointPoll, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out []CheckpointPoll
	err := s.db.Select(ctx, &out, `
		SELECT id, session_id, job_id, cycle, checkpoints, points, fetched_at
		FROM checkpoint_polls
		WHERE job_id = $1
		ORDER BY fetched_at DESC, id DESC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint polls: %w", err)
	}
	return out, nil
}
