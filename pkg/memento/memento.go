// Package memento is the Knowledge Graph Facade: the single
// consumer-facing type that wires the Entity, Relationship, History,
// Search, Embedding, and Analysis services (and their storage adapters)
// together with the ingestion pipeline that feeds them. It is the only
// package an embedder or transport layer needs to import.
//
// The facade also constructs the temporal history Validator and the
// durable checkpoint job runner (Checkpoints, from
// internal/kg/checkpointjobs), whose pending jobs Start resumes.
// Session state is owned by internal/kg/session and is not constructed
// here.
package memento

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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
	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/internal/storex/graphstore"
	"memento/internal/storex/relstore"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

// vectorCollection names the sqlite-vec/vector-index collection the
// embedding handler writes into and SemanticSearch reads from.
const vectorCollection = "code_embeddings"

// ASTProvider parses one file into graph entities and relationships.
// Parsing source code is explicitly out of scope for the knowledge
// graph itself; a real provider is injected by the embedder.
type ASTProvider interface {
	Parse(ctx context.Context, file string) (*ParseResult, error)
}

// ParseResult is an ASTProvider's output for one file.
type ParseResult struct {
	Entities      []*graph.Entity
	Relationships []*graph.Relationship
}

// ParseTaskData is the queue.Task.Data payload for a parse task.
type ParseTaskData struct {
	File        string
	ChangeSetID string
}

// EntityUpsertTaskData is the queue.Task.Data payload for an
// entity_upsert task.
type EntityUpsertTaskData struct {
	Entities    []*graph.Entity
	ChangeSetID string
}

// RelationshipUpsertTaskData is the queue.Task.Data payload for a
// relationship_upsert task.
type RelationshipUpsertTaskData struct {
	Relationships []*graph.Relationship
}

// EmbeddingTaskData is the queue.Task.Data payload for an embedding
// task.
type EmbeddingTaskData struct {
	EntityID string
	Content  string
}

// Options customizes facade construction beyond what Config carries.
type Options struct {
	// EmbeddingProvider backs the Embedding Service; nil runs entirely on
	// its deterministic pseudo-embedding fallback.
	EmbeddingProvider embedding.Provider
	// ASTProvider backs parse tasks; nil makes parse tasks fail, which
	// is a valid configuration for an embedder that only drives
	// entity_upsert/relationship_upsert tasks directly.
	ASTProvider ASTProvider
	// MaxJobRetries bounds the checkpoint job runner's retry count
	// before a job is moved to manual_intervention. 0 uses the runner's
	// own default.
	MaxJobRetries int
}

// Facade is the Knowledge Graph Facade. Construct with New, call Start
// before enqueuing ingestion work, and Close when done.
type Facade struct {
	cfg *config.Config
	log *zap.Logger

	graphStore storex.GraphStore
	relStore   storex.RelationalStore

	Entities      *entity.Service
	Relationships *relationship.Service
	History       *history.Service
	Search        *search.Service
	Embedding     *embedding.Service
	Analysis      *analysis.Service
	Validator     *validator.Validator
	Checkpoints   *checkpointjobs.Runner

	Queue *queue.Manager
	Pool  *workerpool.Pool

	ast ASTProvider
}

// New opens the graph and relational stores, wires every facade-owned
// service, and registers the ingestion pipeline's task handlers. The two
// stores are initialized and schema'd concurrently since neither depends
// on the other. Start must still be called to launch the worker pool.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Facade, error) {
	zlog, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("build facade logger: %w", err)
	}

	gs, err := graphstore.New(cfg.Stores.GraphPath)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	rs := relstore.New(cfg.Stores.RelationalDSN)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gs.Initialize(gctx); err != nil {
			return fmt.Errorf("initialize graph store: %w", err)
		}
		if err := gs.SetupGraph(gctx); err != nil {
			return fmt.Errorf("setup graph schema: %w", err)
		}
		if err := gs.SetupVectorIndexes(gctx, cfg.Stores.VectorDims); err != nil {
			return fmt.Errorf("setup vector indexes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rs.Initialize(gctx); err != nil {
			return fmt.Errorf("initialize relational store: %w", err)
		}
		return rs.SetupSchema(gctx)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entities := entity.New(gs)
	relationships := relationship.New(gs)
	hist := history.New(gs, entities, relationships)
	embed := embedding.New(cfg.Embedding, opts.EmbeddingProvider)
	srch := search.New(gs, entities, embed, cfg.Search)
	an := analysis.New(gs, entities)
	val := validator.New(entities, hist)

	jobs := checkpointjobs.New(rs, hist, opts.MaxJobRetries)
	if err := jobs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize checkpoint job runner: %w", err)
	}

	qm := queue.New(queue.Config{
		Partitions:            cfg.Queue.PartitionCount,
		Strategy:              queue.Strategy(cfg.Queue.PartitionStrategy),
		MaxSize:               cfg.Queue.MaxSize,
		BackpressureThreshold: cfg.Queue.BackpressureThreshold,
		DefaultRetryDelay:     cfg.Queue.BaseRetryDelay,
		MetricsInterval:       cfg.Queue.MetricsInterval,
	})
	pool := workerpool.New(qm, workerpool.Config{
		MinWorkers:          cfg.Workers.Min,
		MaxWorkers:          cfg.Workers.Max,
		WorkerTimeout:       cfg.Workers.Timeout,
		HealthCheckInterval: cfg.Workers.HealthCheckPeriod,
		RestartThreshold:    cfg.Workers.RestartThreshold,
		AutoScale:           cfg.AutoScale.Enabled,
		ScalingRules: workerpool.ScalingRules{
			ScaleUpThreshold:   cfg.AutoScale.ScaleUpThreshold,
			ScaleDownThreshold: cfg.AutoScale.ScaleDownThreshold,
			ScaleUpCooldown:    cfg.AutoScale.ScaleUpCooldown,
			ScaleDownCooldown:  cfg.AutoScale.ScaleDownCooldown,
		},
	})

	f := &Facade{
		cfg: cfg, log: zlog,
		graphStore: gs, relStore: rs,
		Entities: entities, Relationships: relationships, History: hist,
		Search: srch, Embedding: embed, Analysis: an, Validator: val,
		Checkpoints: jobs, Queue: qm, Pool: pool, ast: opts.ASTProvider,
	}
	f.registerHandlers()
	return f, nil
}

// Start launches the ingestion pipeline's worker pool and resumes any
// checkpoint jobs left pending from a prior run.
func (f *Facade) Start(ctx context.Context) error {
	if err := f.Pool.Start(); err != nil {
		return err
	}
	if err := f.Checkpoints.Start(ctx); err != nil {
		return fmt.Errorf("resume pending checkpoint jobs: %w", err)
	}
	f.log.Info("knowledge graph facade started",
		zap.Int("partitions", f.Queue.Partitions()),
		zap.Int("workers", f.Pool.WorkerCount()))
	return nil
}

// Close stops the worker pool and releases both storage adapters.
// Enqueue, IngestFile, and the facade's services must not be called
// after Close returns.
func (f *Facade) Close() error {
	if err := f.Pool.Stop(); err != nil {
		logging.Get(logging.CategoryFacade).Warn("worker pool stop: %v", err)
	}
	var firstErr error
	if err := f.graphStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := f.relStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = f.log.Sync()
	return firstErr
}

// IngestFile enqueues a parse task for file, the entrypoint for a file
// add/modify change event per the ingestion pipeline's data flow.
func (f *Facade) IngestFile(file, changeSetID string, priority int) error {
	return f.Queue.Enqueue(&queue.Task{
		ID:           fmt.Sprintf("parse:%s:%d", file, time.Now().UnixNano()),
		Type:         queue.TaskParse,
		Priority:     priority,
		PartitionKey: file,
		Data:         ParseTaskData{File: file, ChangeSetID: changeSetID},
		MaxRetries:   3,
		CreatedAt:    time.Now().UTC(),
	})
}

func (f *Facade) enqueueFollowOn(typ queue.TaskType, data interface{}, priority int, partitionKey string) error {
	return f.Queue.Enqueue(&queue.Task{
		ID:           fmt.Sprintf("%s:%s:%d", typ, partitionKey, time.Now().UnixNano()),
		Type:         typ,
		Priority:     priority,
		PartitionKey: partitionKey,
		Data:         data,
		MaxRetries:   3,
		CreatedAt:    time.Now().UTC(),
	})
}

// registerHandlers binds the ingestion pipeline's four task types to the
// facade's services, implementing the parse -> bulk-upsert ->
// (embedding, version, temporal edge) data flow.
func (f *Facade) registerHandlers() {
	f.Pool.RegisterHandler(queue.TaskParse, f.handleParse)
	f.Pool.RegisterHandler(queue.TaskEntityUpsert, f.handleEntityUpsert)
	f.Pool.RegisterHandler(queue.TaskRelationshipUpsert, f.handleRelationshipUpsert)
	f.Pool.RegisterHandler(queue.TaskEmbedding, f.handleEmbedding)
}

func (f *Facade) handleParse(ctx context.Context, task *queue.Task) error {
	data, ok := task.Data.(ParseTaskData)
	if !ok {
		return merrors.InputValidation("parse task missing ParseTaskData")
	}
	if f.ast == nil {
		return merrors.New(merrors.KindInternal, "no AST provider configured")
	}

	result, err := f.ast.Parse(ctx, data.File)
	if err != nil {
		return err
	}

	if len(result.Entities) > 0 {
		if err := f.enqueueFollowOn(queue.TaskEntityUpsert,
			EntityUpsertTaskData{Entities: result.Entities, ChangeSetID: data.ChangeSetID},
			task.Priority, data.File); err != nil {
			return err
		}
	}
	if len(result.Relationships) > 0 {
		if err := f.enqueueFollowOn(queue.TaskRelationshipUpsert,
			RelationshipUpsertTaskData{Relationships: result.Relationships},
			task.Priority, data.File); err != nil {
			return err
		}
	}
	return nil
}

func (f *Facade) handleEntityUpsert(ctx context.Context, task *queue.Task) error {
	data, ok := task.Data.(EntityUpsertTaskData)
	if !ok {
		return merrors.InputValidation("entity_upsert task missing EntityUpsertTaskData")
	}

	result := f.Entities.CreateEntitiesBulk(ctx, data.Entities, entity.BulkOptions{UpdateExisting: true})
	if result.Failed > 0 && result.Created == 0 && result.Updated == 0 {
		return merrors.Wrap(firstOrNil(result.Errors), merrors.KindStoreUnavailable, "entity bulk upsert failed entirely")
	}

	for _, e := range data.Entities {
		if e.Hash == "" {
			continue
		}
		if _, err := f.History.AppendVersion(ctx, e.ID, e.Hash, e.Path, e.Language, data.ChangeSetID); err != nil {
			logging.Get(logging.CategoryFacade).Warn("append version for %s: %v", e.ID, err)
			continue
		}
		if err := f.enqueueFollowOn(queue.TaskEmbedding,
			EmbeddingTaskData{EntityID: e.ID, Content: embeddingContent(e)},
			task.Priority, e.ID); err != nil {
			logging.Get(logging.CategoryFacade).Warn("enqueue embedding for %s: %v", e.ID, err)
		}
	}
	return nil
}

func (f *Facade) handleRelationshipUpsert(ctx context.Context, task *queue.Task) error {
	data, ok := task.Data.(RelationshipUpsertTaskData)
	if !ok {
		return merrors.InputValidation("relationship_upsert task missing RelationshipUpsertTaskData")
	}
	result := f.Relationships.CreateRelationshipsBulk(ctx, data.Relationships)
	if result.Skipped > 0 && result.Created == 0 && result.Updated == 0 {
		return merrors.New(merrors.KindStoreUnavailable, "relationship bulk upsert failed entirely")
	}
	return nil
}

func (f *Facade) handleEmbedding(ctx context.Context, task *queue.Task) error {
	data, ok := task.Data.(EmbeddingTaskData)
	if !ok {
		return merrors.InputValidation("embedding task missing EmbeddingTaskData")
	}
	res, err := f.Embedding.GenerateEmbedding(ctx, data.Content, data.EntityID)
	if err != nil {
		return err
	}
	if err := f.graphStore.UpsertVector(ctx, vectorCollection, data.EntityID, res.Embedding, map[string]interface{}{
		"model": res.Model,
	}); err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	f.Search.InvalidateEntity(data.EntityID)
	return nil
}

// embeddingContent derives embeddable text from an entity's identifying
// fields. Raw source text isn't part of the entity model, so this is a
// stand-in signal until a richer content source is wired in.
func embeddingContent(e *graph.Entity) string {
	return fmt.Sprintf("%s %s %s", e.Type, e.Path, e.ID)
}

func firstOrNil(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
