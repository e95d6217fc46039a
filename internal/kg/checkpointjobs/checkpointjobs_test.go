package checkpointjobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"memento/internal/kg/history"
	"memento/internal/kg/session"
	"memento/pkg/storex"
)

// memRelStore is an in-process fake of storex.RelationalStore holding a
// single session_checkpoint_jobs table, enough to exercise the upsert
// and status-filtered SELECTs the runner issues.
type memRelStore struct {
	mu   sync.Mutex
	rows map[string]storex.Row
}

func newMemRelStore() *memRelStore { return &memRelStore{rows: map[string]storex.Row{}} }

func (m *memRelStore) Initialize(ctx context.Context) error { return nil }
func (m *memRelStore) Close() error                          { return nil }
func (m *memRelStore) IsInitialized() bool                   { return true }
func (m *memRelStore) HealthCheck(ctx context.Context) error { return nil }
func (m *memRelStore) SetupSchema(ctx context.Context) error { return nil }
func (m *memRelStore) Transaction(ctx context.Context, fn func(tx storex.RelationalTx) error, opts storex.QueryOptions) error {
	return fmt.Errorf("not implemented")
}
func (m *memRelStore) BulkQuery(ctx context.Context, statements []storex.BulkStatement) error {
	return fmt.Errorf("not implemented")
}

func (m *memRelStore) Query(ctx context.Context, sql string, params []interface{}, opts storex.QueryOptions) ([]storex.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case containsAll(sql, "INSERT INTO session_checkpoint_jobs"):
		jobID := params[0].(string)
		row := storex.Row{
			"job_id": jobID, "session_id": params[1].(string), "payload": params[2].(string),
			"status": params[3].(string), "attempts": params[4].(int), "last_error": params[5].(string),
			"queued_at": params[6].(time.Time), "updated_at": params[7].(time.Time),
		}
		if existing, ok := m.rows[jobID]; ok {
			row["queued_at"] = existing["queued_at"]
		}
		m.rows[jobID] = row
		return nil, nil

	case containsAll(sql, "DELETE FROM session_checkpoint_jobs"):
		delete(m.rows, params[0].(string))
		return nil, nil

	case containsAll(sql, "WHERE status IN"):
		var out []storex.Row
		for _, row := range m.rows {
			s := row["status"].(string)
			if s == "queued" || s == "pending" || s == "running" {
				out = append(out, row)
			}
		}
		return out, nil

	case containsAll(sql, "WHERE status = 'manual_intervention'"):
		var out []storex.Row
		for _, row := range m.rows {
			if row["status"].(string) == "manual_intervention" {
				out = append(out, row)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func containsAll(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

type fakeCheckpointer struct {
	mu       sync.Mutex
	calls    int
	failN    int
	lastSeed []string
}

func (f *fakeCheckpointer) CreateCheckpoint(ctx context.Context, seedEntities []string, opts history.CheckpointOptions) (*history.CheckpointResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSeed = seedEntities
	if f.calls <= f.failN {
		return nil, fmt.Errorf("simulated checkpoint failure")
	}
	return &history.CheckpointResult{CheckpointID: "cp-1", MemberCount: len(seedEntities)}, nil
}

func TestEnqueuePersistsQueuedJob(t *testing.T) {
	ctx := context.Background()
	store := newMemRelStore()
	runner := New(store, &fakeCheckpointer{}, 0)

	jobID, err := runner.Enqueue(ctx, session.CheckpointJobPayload{SessionID: "s1", SeedEntityIDs: []string{"e1"}, Reason: history.ReasonManual})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a non-empty job id")
	}

	pending, err := runner.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending: %v", err)
	}
	if len(pending) != 1 || pending[0].JobID != jobID {
		t.Fatalf("expected the enqueued job to be pending, got %+v", pending)
	}
	if pending[0].Payload.SessionID != "s1" {
		t.Fatalf("expected payload to round-trip, got %+v", pending[0].Payload)
	}
}

func TestEnqueuePersistsFullPayloadIncludingWindow(t *testing.T) {
	ctx := context.Background()
	store := newMemRelStore()
	runner := New(store, &fakeCheckpointer{}, 0)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	want := session.CheckpointJobPayload{
		SessionID:     "s1",
		SeedEntityIDs: []string{"e1", "e2"},
		Reason:        history.ReasonManual,
		HopCount:      2,
		Window:        &history.TimeWindow{Since: since, Until: until},
	}

	jobID, err := runner.Enqueue(ctx, want)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, err := runner.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending: %v", err)
	}
	if len(pending) != 1 || pending[0].JobID != jobID {
		t.Fatalf("expected the enqueued job to be pending, got %+v", pending)
	}
	if diff := cmp.Diff(want, pending[0].Payload); diff != "" {
		t.Fatalf("payload round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStartCompletesJobOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := newMemRelStore()
	checkpointer := &fakeCheckpointer{}
	runner := New(store, checkpointer, 3)

	jobID, err := runner.Enqueue(ctx, session.CheckpointJobPayload{SessionID: "s1", SeedEntityIDs: []string{"e1", "e2"}, Reason: history.ReasonManual, HopCount: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pending, err := runner.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending jobs after a successful run, got %+v", pending)
	}
	row := store.rows[jobID]
	if row["status"].(string) != string(StatusCompleted) {
		t.Fatalf("expected job to be completed, got %v", row["status"])
	}
	if checkpointer.calls != 1 {
		t.Fatalf("expected exactly one checkpoint attempt, got %d", checkpointer.calls)
	}
}

func TestStartDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := newMemRelStore()
	checkpointer := &fakeCheckpointer{failN: 10}
	runner := New(store, checkpointer, 2)

	jobID, err := runner.Enqueue(ctx, session.CheckpointJobPayload{SessionID: "s1", SeedEntityIDs: []string{"e1"}, Reason: history.ReasonManual})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := runner.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	row := store.rows[jobID]
	if row["status"].(string) != string(StatusManualIntervention) {
		t.Fatalf("expected job to be dead-lettered after %d failed attempts, got %v", checkpointer.calls, row["status"])
	}

	deadLetters, err := runner.LoadDeadLetters(ctx)
	if err != nil {
		t.Fatalf("LoadDeadLetters: %v", err)
	}
	if len(deadLetters) != 1 || deadLetters[0].JobID != jobID {
		t.Fatalf("expected the dead-lettered job to be returned, got %+v", deadLetters)
	}
}

func TestDeleteRemovesJob(t *testing.T) {
	ctx := context.Background()
	store := newMemRelStore()
	runner := New(store, &fakeCheckpointer{}, 0)

	jobID, err := runner.Enqueue(ctx, session.CheckpointJobPayload{SessionID: "s1", Reason: history.ReasonManual})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := runner.Delete(ctx, jobID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	pending, err := runner.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no rows after delete, got %+v", pending)
	}
}
