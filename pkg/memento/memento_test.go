package memento

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"memento/internal/config"
	"memento/internal/ingest/queue"
	"memento/internal/ingest/workerpool"
	"memento/internal/kg/analysis"
	"memento/internal/kg/checkpointjobs"
	"memento/internal/kg/embedding"
	"memento/internal/kg/entity"
	"memento/internal/kg/history"
	"memento/internal/kg/relationship"
	"memento/internal/kg/search"
	"memento/internal/kg/validator"
	"memento/internal/storex/graphstore"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

// memRelStore is a minimal in-process fake of storex.RelationalStore,
// enough to satisfy the facade's Close/Checkpoints wiring in tests that
// don't exercise the checkpoint job runner itself.
type memRelStore struct{ mu sync.Mutex }

func (m *memRelStore) Initialize(ctx context.Context) error { return nil }
func (m *memRelStore) Close() error                          { return nil }
func (m *memRelStore) IsInitialized() bool                   { return true }
func (m *memRelStore) HealthCheck(ctx context.Context) error { return nil }
func (m *memRelStore) SetupSchema(ctx context.Context) error { return nil }
func (m *memRelStore) Query(ctx context.Context, sql string, params []interface{}, opts storex.QueryOptions) ([]storex.Row, error) {
	return nil, nil
}
func (m *memRelStore) Transaction(ctx context.Context, fn func(tx storex.RelationalTx) error, opts storex.QueryOptions) error {
	return fmt.Errorf("not implemented")
}
func (m *memRelStore) BulkQuery(ctx context.Context, statements []storex.BulkStatement) error {
	return nil
}

// fakeAST returns one entity and one relationship for any file, letting
// tests drive the full parse -> upsert -> embedding chain without a real
// parser.
type fakeAST struct{ prefix string }

func (f *fakeAST) Parse(ctx context.Context, file string) (*ParseResult, error) {
	id := f.prefix + file
	return &ParseResult{
		Entities: []*graph.Entity{{ID: id, Type: graph.EntitySymbol, Path: file, Hash: "h1", Language: "go"}},
		Relationships: []*graph.Relationship{
			{FromEntityID: id, ToEntityID: id, Type: graph.RelDefines},
		},
	}, nil
}

func newTestFacade(t *testing.T, ast ASTProvider) *Facade {
	t.Helper()
	ctx := context.Background()

	gs, err := graphstore.New(":memory:")
	if err != nil {
		t.Fatalf("graphstore.New: %v", err)
	}
	if err := gs.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := gs.SetupGraph(ctx); err != nil {
		t.Fatalf("SetupGraph: %v", err)
	}
	if err := gs.SetupVectorIndexes(ctx, 8); err != nil {
		t.Fatalf("SetupVectorIndexes: %v", err)
	}
	t.Cleanup(func() { gs.Close() })

	entities := entity.New(gs)
	relationships := relationship.New(gs)
	hist := history.New(gs, entities, relationships)
	embed := embedding.New(config.EmbeddingConfig{Dimensions: 8}, nil)
	srch := search.New(gs, entities, embed, config.SearchConfig{StructuralWeight: 0.6, SemanticWeight: 0.4, CacheSize: 10})
	an := analysis.New(gs, entities)
	val := validator.New(entities, hist)

	rs := &memRelStore{}
	jobs := checkpointjobs.New(rs, hist, 3)
	if err := jobs.Initialize(ctx); err != nil {
		t.Fatalf("checkpointjobs Initialize: %v", err)
	}

	qm := queue.New(queue.Config{Partitions: 1, DefaultRetryDelay: time.Millisecond})
	pool := workerpool.New(qm, workerpool.Config{MinWorkers: 1})

	f := &Facade{
		cfg: config.DefaultConfig(), log: zap.NewNop(),
		graphStore: gs, relStore: rs,
		Entities: entities, Relationships: relationships, History: hist,
		Search: srch, Embedding: embed, Analysis: an, Validator: val,
		Checkpoints: jobs, Queue: qm, Pool: pool, ast: ast,
	}
	f.registerHandlers()
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestIngestFileDrivesEntityRelationshipAndEmbedding(t *testing.T) {
	f := newTestFacade(t, &fakeAST{prefix: "sym:"})
	if err := f.Pool.Start(); err != nil {
		t.Fatalf("Pool.Start: %v", err)
	}
	defer f.Pool.Stop()

	if err := f.IngestFile("a.go", "cs1", 5); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	entityID := "sym:a.go"
	ctx := context.Background()
	waitFor(t, 2*time.Second, func() bool {
		e, err := f.Entities.GetEntity(ctx, entityID)
		return err == nil && e != nil
	})

	waitFor(t, 2*time.Second, func() bool {
		timeline, err := f.History.GetEntityTimeline(ctx, entityID, history.TimelineOptions{})
		return err == nil && len(timeline) == 1
	})

	waitFor(t, 2*time.Second, func() bool {
		matches, err := f.graphStore.SearchVector(ctx, vectorCollection, make([]float32, 8), 5, nil)
		if err != nil {
			return false
		}
		for _, m := range matches {
			if m.ID == entityID {
				return true
			}
		}
		return false
	})

	rels, err := f.Relationships.ListRelationships(ctx, relationship.ListFilter{FromEntity: entityID})
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(rels.Items) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(rels.Items))
	}
}

func TestHandleParseFailsWithoutASTProvider(t *testing.T) {
	f := newTestFacade(t, nil)
	err := f.handleParse(context.Background(), &queue.Task{Data: ParseTaskData{File: "x.go"}})
	if err == nil {
		t.Fatal("expected an error when no ASTProvider is configured")
	}
}

func TestHandleEntityUpsertRejectsWrongPayloadType(t *testing.T) {
	f := newTestFacade(t, nil)
	err := f.handleEntityUpsert(context.Background(), &queue.Task{Data: "not the right type"})
	if err == nil {
		t.Fatal("expected an error for a malformed entity_upsert payload")
	}
}
