// Package entity implements the Entity Service: CRUD, bulk upsert, and
// listing over the graph store, with idempotent-on-id upsert semantics
// and entity lifecycle events for subscribers.
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

// EventType enumerates the lifecycle events the Entity Service publishes.
type EventType string

const (
	EventCreated EventType = "entity:created"
	EventUpdated EventType = "entity:updated"
	EventDeleted EventType = "entity:deleted"
)

// Event is published to subscribers on every successful write.
type Event struct {
	Type     EventType
	Entity   *graph.Entity
	EntityID string
}

// Subscriber receives entity lifecycle events.
type Subscriber func(Event)

// ListFilter narrows a listEntities call.
type ListFilter struct {
	Type     graph.EntityType
	Path     string
	Name     string
	Language string
	Tags     []string
	Limit    int
	Offset   int
	Cursor   string
}

// ListResult is the page returned by ListEntities.
type ListResult struct {
	Items      []*graph.Entity
	Total      int
	NextCursor string
}

// BulkOptions controls CreateEntitiesBulk behavior.
type BulkOptions struct {
	SkipExisting   bool
	UpdateExisting bool
}

// BulkResult tallies a bulk upsert outcome.
type BulkResult struct {
	Created int
	Updated int
	Failed  int
	Errors  []error
}

// Service implements the Entity Service operations.
type Service struct {
	store storex.GraphStore

	mu          sync.RWMutex
	subscribers []Subscriber
}

// New creates an Entity Service backed by store.
func New(store storex.GraphStore) *Service {
	return &Service{store: store}
}

// Subscribe registers fn to be called on every entity lifecycle event.
func (s *Service) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) publish(evt Event) {
	s.mu.RLock()
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(evt)
	}
}

func entityPayload(e *graph.Entity) (map[string]interface{}, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entity payload: %w", err)
	}
	return map[string]interface{}{
		"id": e.ID, "type": string(e.Type), "path": e.Path, "hash": e.Hash,
		"language": e.Language, "created": e.Created, "lastModified": e.LastModified,
		"payload": string(payload),
	}, nil
}

func rowToEntity(row storex.Row) (*graph.Entity, error) {
	raw, ok := row["payload"].(string)
	if !ok {
		if b, ok := row["payload"].([]byte); ok {
			raw = string(b)
		} else {
			return nil, fmt.Errorf("entity row missing payload")
		}
	}
	var e graph.Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entity payload: %w", err)
	}
	return &e, nil
}

// CreateEntity creates a new entity, failing with Conflict if one with
// the same id already exists.
func (s *Service) CreateEntity(ctx context.Context, e *graph.Entity) error {
	if err := graph.ValidateEntity(e); err != nil {
		return merrors.InputValidation(err.Error())
	}
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	e.LastModified = e.Created
	return s.upsert(ctx, e, true)
}

// UpsertEntity is idempotent on id: lastModified only advances when hash
// differs from the stored version.
func (s *Service) UpsertEntity(ctx context.Context, e *graph.Entity) error {
	if err := graph.ValidateEntity(e); err != nil {
		return merrors.InputValidation(err.Error())
	}
	return s.upsert(ctx, e, false)
}

func (s *Service) upsert(ctx context.Context, e *graph.Entity, createOnly bool) error {
	existing, err := s.getRaw(ctx, e.ID)
	if err != nil && merrors.KindOf(err) != merrors.KindNotFound {
		return err
	}

	now := time.Now().UTC()
	isNew := existing == nil
	if createOnly && !isNew {
		return merrors.Conflict(fmt.Sprintf("entity %s already exists", e.ID))
	}

	if isNew {
		if e.Created.IsZero() {
			e.Created = now
		}
		e.LastModified = now
	} else if existing.Hash != e.Hash {
		e.Created = existing.Created
		e.LastModified = now
	} else {
		e.Created = existing.Created
		e.LastModified = existing.LastModified
	}

	params, err := entityPayload(e)
	if err != nil {
		return merrors.Wrap(err, merrors.KindInternal, "failed to encode entity")
	}

	if _, err := s.store.Query(ctx, "upsert_entity", params); err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}

	evtType := EventUpdated
	if isNew {
		evtType = EventCreated
	}
	s.publish(Event{Type: evtType, Entity: e, EntityID: e.ID})
	logging.Get(logging.CategoryEntity).Debug("upserted entity %s (new=%v)", e.ID, isNew)
	return nil
}

func (s *Service) getRaw(ctx context.Context, id string) (*graph.Entity, error) {
	rows, err := s.store.Query(ctx, "get_entity", map[string]interface{}{"id": id})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	if len(rows) == 0 {
		return nil, merrors.NotFound(fmt.Sprintf("entity %s", id))
	}
	return rowToEntity(rows[0])
}

// GetEntity fetches an entity by id.
func (s *Service) GetEntity(ctx context.Context, id string) (*graph.Entity, error) {
	return s.getRaw(ctx, id)
}

// EntityExists reports whether id is present without decoding the payload.
func (s *Service) EntityExists(ctx context.Context, id string) (bool, error) {
	rows, err := s.store.Query(ctx, "entity_exists", map[string]interface{}{"id": id})
	if err != nil {
		return false, merrors.StoreUnavailable(err, "graph")
	}
	return len(rows) > 0, nil
}

// UpdateEntity applies patch fields to an existing entity and persists
// the merged result.
func (s *Service) UpdateEntity(ctx context.Context, id string, patch func(*graph.Entity)) (*graph.Entity, error) {
	existing, err := s.getRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	patch(existing)
	if err := s.upsert(ctx, existing, false); err != nil {
		return nil, err
	}
	return existing, nil
}

// DeleteEntity removes an entity and its incident relationships in one
// transaction.
func (s *Service) DeleteEntity(ctx context.Context, id string) error {
	existing, err := s.getRaw(ctx, id)
	if err != nil {
		return err
	}

	err = s.store.Transaction(ctx, func(tx storex.GraphTx) error {
		if _, err := tx.Query(ctx, "delete_relationships_by_entity", map[string]interface{}{"id": id}); err != nil {
			return err
		}
		if _, err := tx.Query(ctx, "delete_entity", map[string]interface{}{"id": id}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}

	s.publish(Event{Type: EventDeleted, Entity: existing, EntityID: id})
	return nil
}

// ListEntities returns a page of entities matching filter.
func (s *Service) ListEntities(ctx context.Context, filter ListFilter) (*ListResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	params := map[string]interface{}{
		"type": string(filter.Type), "path": filter.Path, "language": filter.Language,
		"limit": limit, "offset": filter.Offset,
	}
	rows, err := s.store.Query(ctx, "list_entities", params)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	countRows, err := s.store.Query(ctx, "count_entities", params)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	items := make([]*graph.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := rowToEntity(row)
		if err != nil {
			continue
		}
		items = append(items, e)
	}

	total := 0
	if len(countRows) > 0 {
		if n, ok := countRows[0]["total"].(int64); ok {
			total = int(n)
		}
	}

	result := &ListResult{Items: items, Total: total}
	if len(items) == limit {
		result.NextCursor = fmt.Sprintf("%d", filter.Offset+limit)
	}
	return result, nil
}

// CreateEntitiesBulk upserts entities grouped by type, issuing one graph
// transaction per type group; a failure within one group does not abort
// sibling groups.
func (s *Service) CreateEntitiesBulk(ctx context.Context, entities []*graph.Entity, opts BulkOptions) *BulkResult {
	groups := make(map[graph.EntityType][]*graph.Entity)
	for _, e := range entities {
		groups[e.Type] = append(groups[e.Type], e)
	}

	result := &BulkResult{}
	for _, group := range groups {
		var events []Event
		txErr := s.store.Transaction(ctx, func(tx storex.GraphTx) error {
			for _, e := range group {
				if err := graph.ValidateEntity(e); err != nil {
					result.Failed++
					result.Errors = append(result.Errors, merrors.InputValidation(err.Error()))
					continue
				}

				existing, err := txGetEntity(ctx, tx, e.ID)
				if err != nil && merrors.KindOf(err) != merrors.KindNotFound {
					result.Failed++
					result.Errors = append(result.Errors, err)
					continue
				}
				exists := existing != nil
				if exists && opts.SkipExisting && !opts.UpdateExisting {
					continue
				}

				now := time.Now().UTC()
				if !exists {
					if e.Created.IsZero() {
						e.Created = now
					}
					e.LastModified = now
				} else if existing.Hash != e.Hash {
					e.Created = existing.Created
					e.LastModified = now
				} else {
					e.Created = existing.Created
					e.LastModified = existing.LastModified
				}

				params, err := entityPayload(e)
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, merrors.Wrap(err, merrors.KindInternal, "failed to encode entity"))
					continue
				}
				if _, err := tx.Query(ctx, "upsert_entity", params); err != nil {
					result.Failed++
					result.Errors = append(result.Errors, merrors.StoreUnavailable(err, "graph"))
					continue
				}

				if exists {
					result.Updated++
					events = append(events, Event{Type: EventUpdated, Entity: e, EntityID: e.ID})
				} else {
					result.Created++
					events = append(events, Event{Type: EventCreated, Entity: e, EntityID: e.ID})
				}
			}
			return nil
		})
		if txErr != nil {
			result.Failed += len(group)
			result.Errors = append(result.Errors, merrors.StoreUnavailable(txErr, "graph"))
			continue
		}
		for _, evt := range events {
			s.publish(evt)
		}
	}
	return result
}

func txGetEntity(ctx context.Context, tx storex.GraphTx, id string) (*graph.Entity, error) {
	rows, err := tx.Query(ctx, "get_entity", map[string]interface{}{"id": id})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	if len(rows) == 0 {
		return nil, merrors.NotFound(fmt.Sprintf("entity %s", id))
	}
	return rowToEntity(rows[0])
}

// GetEntitiesByFile lists every entity whose path matches file.
func (s *Service) GetEntitiesByFile(ctx context.Context, file string) ([]*graph.Entity, error) {
	res, err := s.ListEntities(ctx, ListFilter{Path: file, Limit: 10000})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// GetEntitiesByType lists every entity of the given type.
func (s *Service) GetEntitiesByType(ctx context.Context, t graph.EntityType) ([]*graph.Entity, error) {
	res, err := s.ListEntities(ctx, ListFilter{Type: t, Limit: 10000})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// FindEntitiesByProperties performs a best-effort scan filtering in
// process on the partial property set; the graph store's query surface
// doesn't support arbitrary property predicates, so this composes
// ListEntities with an in-memory filter.
func (s *Service) FindEntitiesByProperties(ctx context.Context, partial map[string]interface{}) ([]*graph.Entity, error) {
	res, err := s.ListEntities(ctx, ListFilter{Limit: 10000})
	if err != nil {
		return nil, err
	}
	var out []*graph.Entity
	for _, e := range res.Items {
		if matchesProperties(e, partial) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matchesProperties(e *graph.Entity, partial map[string]interface{}) bool {
	for k, v := range partial {
		switch k {
		case "type":
			if string(e.Type) != v {
				return false
			}
		case "path":
			if e.Path != v {
				return false
			}
		case "language":
			if e.Language != v {
				return false
			}
		default:
			if e.Metadata == nil || e.Metadata[k] != v {
				return false
			}
		}
	}
	return true
}
