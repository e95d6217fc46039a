// Package search implements the Search Service: structural, semantic,
// hybrid, dependency, and usage search strategies over the knowledge
// graph, fronted by a process-local LRU result cache.
package search

import (
	"container/list"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"memento/internal/config"
	"memento/internal/kg/embedding"
	"memento/internal/kg/entity"
	"memento/internal/merrors"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

// Strategy selects how Search resolves a query.
type Strategy string

const (
	StrategyStructural Strategy = "structural"
	StrategySemantic   Strategy = "semantic"
	StrategyHybrid      Strategy = "hybrid"
	StrategyDependency Strategy = "dependency"
	StrategyUsage      Strategy = "usage"
)

// defaultVectorCollection is the collection semantic search reads from
// when the caller doesn't specify one.
const defaultVectorCollection = "code_embeddings"

var dependencyEdges = map[graph.RelationshipType]bool{
	graph.RelCalls:     true,
	graph.RelImports:   true,
	graph.RelDependsOn: true,
	graph.RelUses:      true,
	graph.RelExtends:   true,
	graph.RelImplements: true,
}

// Query describes a single search request.
type Query struct {
	Text       string
	Strategy   Strategy
	Type       graph.EntityType
	Collection string
	Limit      int
}

// Result pairs an entity with its relevance score.
type Result struct {
	Entity *graph.Entity
	Score  float64
}

// Service implements the Search Service operations.
type Service struct {
	store      storex.GraphStore
	entities   *entity.Service
	embeddings *embedding.Service
	cfg        config.SearchConfig

	cache *resultCache
}

// New creates a Search Service over store, backed by entities for
// payload hydration and embeddings for semantic queries.
func New(store storex.GraphStore, entities *entity.Service, embeddings *embedding.Service, cfg config.SearchConfig) *Service {
	size := cfg.CacheSize
	if size <= 0 {
		size = 500
	}
	return &Service{store: store, entities: entities, embeddings: embeddings, cfg: cfg, cache: newResultCache(size)}
}

func weights(cfg config.SearchConfig) (structural, semantic float64) {
	structural, semantic = cfg.StructuralWeight, cfg.SemanticWeight
	if structural == 0 && semantic == 0 {
		structural, semantic = 0.6, 0.4
	}
	return
}

// Search dispatches q to the strategy it names.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if key, ok := s.cacheKey(q); ok {
		if cached, hit := s.cache.get(key); hit {
			return cached, nil
		}
		results, err := s.dispatch(ctx, q)
		if err != nil {
			return nil, err
		}
		s.cache.put(key, results)
		return results, nil
	}
	return s.dispatch(ctx, q)
}

func (s *Service) dispatch(ctx context.Context, q Query) ([]Result, error) {
	switch q.Strategy {
	case StrategySemantic:
		return s.SemanticSearch(ctx, q.Text, q.Collection, q.Limit)
	case StrategyHybrid:
		return s.HybridSearch(ctx, q.Text, q.Collection, q.Limit)
	case StrategyDependency:
		return s.DependencySearch(ctx, q.Text, q.Limit)
	case StrategyUsage:
		return s.UsageSearch(ctx, q.Text, q.Limit)
	case StrategyStructural, "":
		return s.StructuralSearch(ctx, q.Text, q.Type, q.Limit)
	default:
		return nil, merrors.InputValidation(fmt.Sprintf("unknown search strategy %q", q.Strategy))
	}
}

func (s *Service) cacheKey(q Query) (string, bool) {
	if q.Text == "" {
		return "", false
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d", q.Strategy, q.Text, q.Type, q.Collection, q.Limit), true
}

// StructuralSearch matches entities whose path or name satisfies a glob
// pattern (`*`/`?`), falling back to a plain substring match when the
// pattern carries no glob metacharacters.
func (s *Service) StructuralSearch(ctx context.Context, pattern string, t graph.EntityType, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	matcher, err := globMatcher(pattern)
	if err != nil {
		return nil, merrors.InputValidation(err.Error())
	}

	res, err := s.entities.ListEntities(ctx, entity.ListFilter{Type: t, Limit: 10000})
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, e := range res.Items {
		if matcher(e.Path) || matcher(filepath.Base(e.Path)) {
			out = append(out, Result{Entity: e, Score: 1.0})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Entity.Path < out[j].Entity.Path })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// globMatcher compiles a shell glob (`*` any run, `?` single char) into
// a case-insensitive regex matcher. Patterns with no glob metacharacters
// match as a plain substring.
func globMatcher(pattern string) (func(string) bool, error) {
	if pattern == "" {
		return func(string) bool { return true }, nil
	}
	if !strings.ContainsAny(pattern, "*?") {
		needle := strings.ToLower(pattern)
		return func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }, nil
	}
	var b strings.Builder
	b.WriteString("(?i)")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString, nil
}

// SemanticSearch embeds query and ranks entities by cosine similarity
// in the named vector collection (defaultVectorCollection if empty).
func (s *Service) SemanticSearch(ctx context.Context, query, collection string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	if collection == "" {
		collection = defaultVectorCollection
	}

	embedded, err := s.embeddings.GenerateEmbedding(ctx, query, "")
	if err != nil {
		return nil, merrors.Wrap(err, merrors.KindProviderUnavailable, "failed to embed search query")
	}

	matches, err := s.store.SearchVector(ctx, collection, embedded.Embedding, limit, nil)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	return s.hydrate(ctx, matches)
}

func (s *Service) hydrate(ctx context.Context, matches []storex.VectorMatch) ([]Result, error) {
	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		e, err := s.entities.GetEntity(ctx, m.ID)
		if err != nil {
			continue
		}
		out = append(out, Result{Entity: e, Score: m.Score})
	}
	return out, nil
}

// HybridSearch blends structural and semantic scores using the
// configured StructuralWeight/SemanticWeight (0.6/0.4 by default).
func (s *Service) HybridSearch(ctx context.Context, query, collection string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	structuralWeight, semanticWeight := weights(s.cfg)

	structural, err := s.StructuralSearch(ctx, query, "", limit*2)
	if err != nil {
		return nil, err
	}
	semantic, err := s.SemanticSearch(ctx, query, collection, limit*2)
	if err != nil {
		return nil, err
	}

	blended := make(map[string]*Result)
	for _, r := range structural {
		blended[r.Entity.ID] = &Result{Entity: r.Entity, Score: r.Score * structuralWeight}
	}
	for _, r := range semantic {
		if existing, ok := blended[r.Entity.ID]; ok {
			existing.Score += r.Score * semanticWeight
		} else {
			blended[r.Entity.ID] = &Result{Entity: r.Entity, Score: r.Score * semanticWeight}
		}
	}

	out := make([]Result, 0, len(blended))
	for _, r := range blended {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) neighborsByEdgeSet(ctx context.Context, entityID string, edges map[graph.RelationshipType]bool, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.store.Query(ctx, "neighbors", map[string]interface{}{"entityId": entityID})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	var out []Result
	seen := make(map[string]bool)
	for _, row := range rows {
		typ, _ := row["type"].(string)
		if len(edges) > 0 && !edges[graph.RelationshipType(typ)] {
			continue
		}
		id, _ := row["neighbor"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		e, err := s.entities.GetEntity(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, Result{Entity: e, Score: 1.0})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DependencySearch returns the entities entityID structurally depends on
// (calls, imports, extends, implements, uses, depends_on edges).
func (s *Service) DependencySearch(ctx context.Context, entityID string, limit int) ([]Result, error) {
	return s.neighborsByEdgeSet(ctx, entityID, dependencyEdges, limit)
}

// UsageSearch returns every entity with any active edge touching
// entityID, structural or not.
func (s *Service) UsageSearch(ctx context.Context, entityID string, limit int) ([]Result, error) {
	return s.neighborsByEdgeSet(ctx, entityID, nil, limit)
}

// InvalidateEntity drops every cached result; invalidation is coarse,
// by predicate, rather than a targeted per-key eviction, since cached
// queries don't record which entity ids contributed to their results.
func (s *Service) InvalidateEntity(id string) {
	s.cache.clear()
}

// resultCache is a small mutex-guarded LRU keyed by serialized query.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheItem struct {
	key     string
	results []Result
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *resultCache) get(key string) ([]Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheItem).results, true
}

func (c *resultCache) put(key string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).results = results
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheItem{key: key, results: results})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheItem).key)
		}
	}
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}
