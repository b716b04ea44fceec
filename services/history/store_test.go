package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"labwatch/pkg/db"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	session := uuid.New()
	jobID := "job-" + uuid.NewString()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	states := []string{"pending", "running", "completed"}
	from := ""
	for i, st := range states {
		err := store.RecordTransition(ctx, Transition{
			SessionID:  session,
			JobID:      jobID,
			ExternalID: "bj-1",
			FromState:  from,
			ToState:    st,
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordTransition(%s): %v", st, err)
		}
		from = st
	}
	if err := store.RecordTransition(ctx, Transition{JobID: "other", ToState: "running", SessionID: session, ObservedAt: base}); err != nil {
		t.Fatalf("RecordTransition(other): %v", err)
	}
	if err := store.RecordTransition(ctx, Transition{JobID: jobID}); err == nil {
		t.Fatalf("expected error for transition without state")
	}

	got, err := store.Transitions(ctx, jobID, 2)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(got) != 2 || got[0].ToState != "completed" || got[1].ToState != "running" {
		t.Fatalf("Transitions = %+v", got)
	}
	if got[0].FromState != "running" || got[0].SessionID != session {
		t.Fatalf("newest transition = %+v", got[0])
	}

	for cycle := int64(1); cycle <= 3; cycle++ {
		err := store.RecordCheckpointPoll(ctx, CheckpointPoll{
			SessionID:   session,
			JobID:       jobID,
			Cycle:       cycle,
			Checkpoints: int(cycle) * 2,
			Points:      int(cycle) * 2,
			FetchedAt:   base.Add(time.Duration(cycle) * 5 * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordCheckpointPoll: %v", err)
		}
	}
	polls, err := store.CheckpointPolls(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("CheckpointPolls: %v", err)
	}
	if len(polls) != 3 || polls[0].Cycle != 3 || polls[0].Checkpoints != 6 {
		t.Fatalf("CheckpointPolls = %+v", polls)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LABWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LABWATCH_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	handle, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer handle.Close()
	if err := handle.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	store, err := NewPostgresStore(handle)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	exerciseStore(t, store)
}

func TestNewPostgresStoreRequiresDB(t *testing.T) {
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil database")
	}
}
