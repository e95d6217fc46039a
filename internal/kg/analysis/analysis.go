// Package analysis implements the Analysis Service: read-only graph
// queries that reason about impact, paths, and structural importance over
// the relationship edges already stored by the graph adapter. Unbounded
// reachability is delegated to a small Mangle Datalog program evaluated
// to fixpoint; everything that needs hop-bounding, weighting, or ranking
// is plain Go over the one-hop adjacency primitive the graph store
// already exposes.
package analysis

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"memento/internal/kg/entity"
	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

// ChangeKind enumerates the mutation analyzeImpact is reasoning about.
type ChangeKind string

const (
	ChangeDelete ChangeKind = "delete"
	ChangeRename ChangeKind = "rename"
	ChangeModify ChangeKind = "modify"
)

// severityWeight ranks how disruptive a change kind is; delete carries the
// most cascading risk, modify the least.
var severityWeight = map[ChangeKind]float64{
	ChangeDelete: 1.0,
	ChangeRename: 0.6,
	ChangeModify: 0.3,
}

// relationshipWeight ranks how tightly coupled a relationship type makes
// two entities for impact purposes. EXTENDS/IMPLEMENTS are the tightest
// (a deleted interface breaks every implementer); CALLS/REFERENCES are
// looser; USES is the loosest "just touches it" edge.
var relationshipWeight = map[graph.RelationshipType]float64{
	graph.RelExtends:     1.0,
	graph.RelImplements:  1.0,
	graph.RelCalls:       0.8,
	graph.RelDependsOn:   0.8,
	graph.RelReferences:  0.5,
	graph.RelUses:        0.3,
	graph.RelImports:     0.5,
	graph.RelContains:    0.4,
	graph.RelBelongsTo:   0.4,
}

func weightFor(t graph.RelationshipType) float64 {
	if w, ok := relationshipWeight[t]; ok {
		return w
	}
	return 0.2
}

// Impact is one entity reached while analyzing the fallout of a change,
// scored by depth and the relationship weights along the path that found
// it.
type Impact struct {
	Entity   *graph.Entity
	Depth    int
	Score    float64
	ViaPath  []string
}

// ImpactResult is the outcome of analyzeImpact.
type ImpactResult struct {
	Direct    []Impact
	Cascading []Impact
}

// Path is a sequence of entity ids connected by edges, in traversal order.
type Path struct {
	EntityIDs []string
	Length    int
}

// BottleneckNode is an entity that recurs across many enumerated paths.
type BottleneckNode struct {
	EntityID string
	Count    int
}

// PathCharacteristics summarizes the set of paths between two entities.
type PathCharacteristics struct {
	PathCount int
	MinLength int
	MaxLength int
	MeanLength float64
}

const (
	defaultMaxDepth = 5
	defaultMaxPaths = 10
)

// Service implements the Analysis Service operations. All methods are
// read-only: they never write to store, so results are safe to cache by
// the caller.
type Service struct {
	store    storex.GraphStore
	entities *entity.Service
}

// New creates an Analysis Service backed by store and entities.
func New(store storex.GraphStore, entities *entity.Service) *Service {
	return &Service{store: store, entities: entities}
}

type edge struct {
	to   string
	typ  graph.RelationshipType
}

// neighbors returns the outgoing+incoming one-hop edges of id, using the
// same "neighbors" query relied on by the history and search services.
func (s *Service) neighbors(ctx context.Context, id string) ([]edge, error) {
	rows, err := s.store.Query(ctx, "neighbors", map[string]interface{}{"entityId": id})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	edges := make([]edge, 0, len(rows))
	for _, row := range rows {
		neighbor, _ := row["neighbor"].(string)
		typ, _ := row["type"].(string)
		if neighbor == "" {
			continue
		}
		edges = append(edges, edge{to: neighbor, typ: graph.RelationshipType(typ)})
	}
	return edges, nil
}

// AnalyzeImpact walks outward from entityID, splitting reached entities
// into direct (one hop) and cascading (further hops, up to maxDepth) sets,
// each scored by severityWeight(kind) * product of relationship weights
// along the path that first reached them.
func (s *Service) AnalyzeImpact(ctx context.Context, entityID string, kind ChangeKind, maxDepth int) (*ImpactResult, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	base := severityWeight[kind]
	if base == 0 {
		base = severityWeight[ChangeModify]
	}

	visited := map[string]bool{entityID: true}
	result := &ImpactResult{}

	type frontierEntry struct {
		id    string
		depth int
		score float64
		path  []string
	}
	frontier := []frontierEntry{{id: entityID, depth: 0, score: base, path: []string{entityID}}}

	for len(frontier) > 0 {
		var next []frontierEntry
		for _, cur := range frontier {
			if cur.depth >= maxDepth {
				continue
			}
			edges, err := s.neighbors(ctx, cur.id)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if visited[e.to] {
					continue
				}
				visited[e.to] = true
				ent, err := s.entities.GetEntity(ctx, e.to)
				if err != nil {
					continue
				}
				path := append(append([]string(nil), cur.path...), e.to)
				impact := Impact{Entity: ent, Depth: cur.depth + 1, Score: cur.score * weightFor(e.typ), ViaPath: path}
				if impact.Depth == 1 {
					result.Direct = append(result.Direct, impact)
				} else {
					result.Cascading = append(result.Cascading, impact)
				}
				next = append(next, frontierEntry{id: e.to, depth: cur.depth + 1, score: impact.Score, path: path})
			}
		}
		frontier = next
	}

	sort.Slice(result.Direct, func(i, j int) bool { return result.Direct[i].Score > result.Direct[j].Score })
	sort.Slice(result.Cascading, func(i, j int) bool { return result.Cascading[i].Score > result.Cascading[j].Score })
	logging.Get(logging.CategoryAnalysis).Debug("analyzeImpact %s (%s): %d direct, %d cascading", entityID, kind, len(result.Direct), len(result.Cascading))
	return result, nil
}

// pqItem is one entry in the Dijkstra priority queue.
type pqItem struct {
	id   string
	dist int
	path []string
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// FindPaths returns up to maxPaths shortest simple paths from start to end
// over unit-weight edges, restricted to relTypes when non-empty, sorted
// ascending by length. Uses Dijkstra rather than plain BFS so the
// algorithm generalizes if edge weights stop being uniform later; each
// node is settled up to maxPaths times so that more than one path can
// reach end.
func (s *Service) FindPaths(ctx context.Context, start, end string, relTypes []graph.RelationshipType, maxPaths int) ([]Path, error) {
	if maxPaths <= 0 {
		maxPaths = defaultMaxPaths
	}
	allowed := relationshipSet(relTypes)

	pops := map[string]int{}
	seen := map[string]bool{}
	pq := &priorityQueue{{id: start, dist: 0, path: []string{start}}}
	heap.Init(pq)

	var found []Path
	for pq.Len() > 0 && len(found) < maxPaths {
		cur := heap.Pop(pq).(pqItem)
		if pops[cur.id] >= maxPaths {
			continue
		}
		pops[cur.id]++
		if cur.id == end {
			if key := strings.Join(cur.path, "\x00"); !seen[key] {
				seen[key] = true
				found = append(found, Path{EntityIDs: cur.path, Length: cur.dist})
			}
			continue
		}
		edges, err := s.neighbors(ctx, cur.id)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if allowed != nil && !allowed[e.typ] {
				continue
			}
			onPath := false
			for _, id := range cur.path {
				onPath = onPath || id == e.to
			}
			if onPath {
				continue
			}
			path := append(append([]string(nil), cur.path...), e.to)
			heap.Push(pq, pqItem{id: e.to, dist: cur.dist + 1, path: path})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Length < found[j].Length })
	return found, nil
}

func relationshipSet(types []graph.RelationshipType) map[graph.RelationshipType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[graph.RelationshipType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// FindAllPaths enumerates up to maxPaths distinct simple paths from start
// to end, bounded to maxDepth hops, via depth-first search. Unlike
// FindPaths this does not stop at the first maxPaths shortest paths — it
// returns whatever simple paths DFS discovers first, which may include
// longer paths before all shortest ones if the graph is wide.
func (s *Service) FindAllPaths(ctx context.Context, start, end string, maxDepth, maxPaths int, relTypes []graph.RelationshipType) ([]Path, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if maxPaths <= 0 {
		maxPaths = defaultMaxPaths
	}
	allowed := relationshipSet(relTypes)

	var results []Path
	onPath := map[string]bool{start: true}
	var dfs func(cur string, path []string) error
	dfs = func(cur string, path []string) error {
		if len(results) >= maxPaths {
			return nil
		}
		if cur == end && len(path) > 1 {
			results = append(results, Path{EntityIDs: append([]string(nil), path...), Length: len(path) - 1})
			return nil
		}
		if len(path)-1 >= maxDepth {
			return nil
		}
		edges, err := s.neighbors(ctx, cur)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if allowed != nil && !allowed[e.typ] {
				continue
			}
			if onPath[e.to] {
				continue
			}
			if len(results) >= maxPaths {
				return nil
			}
			onPath[e.to] = true
			if err := dfs(e.to, append(path, e.to)); err != nil {
				onPath[e.to] = false
				return err
			}
			onPath[e.to] = false
		}
		return nil
	}
	if err := dfs(start, []string{start}); err != nil {
		return nil, err
	}
	return results, nil
}

// targetTypeOf reports the classifier used to match targetTypes: an
// entity's own Type, or its symbol kind when it is a symbol.
func targetTypeOf(e *graph.Entity) string {
	if e.Type == graph.EntitySymbol && e.Symbol != nil {
		return string(e.Symbol.Kind)
	}
	return string(e.Type)
}

// FindCriticalPaths ranks paths from startIDs that reach an entity whose
// type (or symbol kind) is in targetTypes, using unbounded transitive
// closure reachability computed by a small Datalog program to decide
// which targets are reachable at all, then enumerating and ranking the
// actual bounded-depth paths to those targets in Go.
func (s *Service) FindCriticalPaths(ctx context.Context, startIDs []string, targetTypes []string, maxDepth int) ([]Path, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	wanted := make(map[string]bool, len(targetTypes))
	for _, t := range targetTypes {
		wanted[t] = true
	}

	edges, err := s.collectEdges(ctx, startIDs, maxDepth)
	if err != nil {
		return nil, err
	}
	reachable, err := reachabilityClosure(edges)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.KindInternal, "reachability evaluation failed")
	}

	var criticalPaths []Path
	for _, start := range startIDs {
		targets := reachable[start]
		for target := range targets {
			ent, err := s.entities.GetEntity(ctx, target)
			if err != nil || !wanted[targetTypeOf(ent)] {
				continue
			}
			paths, err := s.FindAllPaths(ctx, start, target, maxDepth, 1, nil)
			if err != nil {
				return nil, err
			}
			criticalPaths = append(criticalPaths, paths...)
		}
	}
	sort.Slice(criticalPaths, func(i, j int) bool { return criticalPaths[i].Length < criticalPaths[j].Length })
	return criticalPaths, nil
}

// collectEdges performs a bounded-depth BFS from every seed and returns
// the (from,to) edges discovered, the EDB for the reachability program.
func (s *Service) collectEdges(ctx context.Context, seeds []string, maxDepth int) ([][2]string, error) {
	visited := map[string]bool{}
	var pairs [][2]string
	type item struct {
		id    string
		depth int
	}
	var queue []item
	for _, seed := range seeds {
		if !visited[seed] {
			visited[seed] = true
			queue = append(queue, item{id: seed, depth: 0})
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		edges, err := s.neighbors(ctx, cur.id)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			pairs = append(pairs, [2]string{cur.id, e.to})
			if !visited[e.to] {
				visited[e.to] = true
				queue = append(queue, item{id: e.to, depth: cur.depth + 1})
			}
		}
	}
	return pairs, nil
}

// reachabilityProgram is the unbounded transitive-closure rule set:
// reachable(X,Y) holds for every (X,Y) pair connected by a chain of edge
// facts, of any length. Hop-bounding happens before this is evaluated, in
// collectEdges, since Mangle has no notion of "shortest" or "within N
// hops" built in without hand-written arithmetic we cannot verify here.
const reachabilityProgram = `
edge(X, Y) :- edge_fact(X, Y).
reachable(X, Y) :- edge(X, Y).
reachable(X, Y) :- edge(X, Z), reachable(Z, Y).
`

// reachabilityClosure evaluates reachabilityProgram over the given edge
// list and returns, for every node that appears as a source, the set of
// nodes reachable from it.
func reachabilityClosure(edges [][2]string) (map[string]map[string]bool, error) {
	parsed, err := parse.Unit(strings.NewReader(reachabilityProgram))
	if err != nil {
		return nil, fmt.Errorf("parse reachability program: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze reachability program: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	for _, pair := range edges {
		atom := ast.NewAtom("edge_fact", ast.String(pair[0]), ast.String(pair[1]))
		store.Add(atom)
	}

	if _, err := engine.EvalProgramWithStats(programInfo, store, engine.WithCreatedFactLimit(500000)); err != nil {
		return nil, fmt.Errorf("evaluate reachability program: %w", err)
	}

	result := map[string]map[string]bool{}
	for pred := range programInfo.Decls {
		if pred.Symbol != "reachable" {
			continue
		}
		store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			if len(a.Args) != 2 {
				return nil
			}
			from, ok1 := a.Args[0].(ast.Constant)
			to, ok2 := a.Args[1].(ast.Constant)
			if !ok1 || !ok2 {
				return nil
			}
			if result[from.Symbol] == nil {
				result[from.Symbol] = map[string]bool{}
			}
			result[from.Symbol][to.Symbol] = true
			return nil
		})
	}
	return result, nil
}

// FindBottleneckNodes enumerates bounded-depth paths from every seed
// entity to every other seed entity and counts how often each
// intermediate node recurs across those paths; nodes at or above
// threshold occurrences are structural bottlenecks.
func (s *Service) FindBottleneckNodes(ctx context.Context, entityIDs []string, threshold int) ([]BottleneckNode, error) {
	if threshold <= 0 {
		threshold = 10
	}
	counts := map[string]int{}
	for _, start := range entityIDs {
		for _, end := range entityIDs {
			if start == end {
				continue
			}
			paths, err := s.FindAllPaths(ctx, start, end, defaultMaxDepth, defaultMaxPaths, nil)
			if err != nil {
				return nil, err
			}
			for _, p := range paths {
				for _, id := range p.EntityIDs[1 : len(p.EntityIDs)-1] {
					counts[id]++
				}
			}
		}
	}
	var nodes []BottleneckNode
	for id, c := range counts {
		if c >= threshold {
			nodes = append(nodes, BottleneckNode{EntityID: id, Count: c})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Count > nodes[j].Count })
	return nodes, nil
}

// AnalyzePathCharacteristics summarizes the bounded-depth simple paths
// between start and end: how many there are, and their length
// distribution.
func (s *Service) AnalyzePathCharacteristics(ctx context.Context, start, end string) (*PathCharacteristics, error) {
	paths, err := s.FindAllPaths(ctx, start, end, defaultMaxDepth, defaultMaxPaths, nil)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return &PathCharacteristics{}, nil
	}
	minLen, maxLen, sum := paths[0].Length, paths[0].Length, 0
	for _, p := range paths {
		if p.Length < minLen {
			minLen = p.Length
		}
		if p.Length > maxLen {
			maxLen = p.Length
		}
		sum += p.Length
	}
	return &PathCharacteristics{
		PathCount:  len(paths),
		MinLength:  minLen,
		MaxLength:  maxLen,
		MeanLength: float64(sum) / float64(len(paths)),
	}, nil
}
