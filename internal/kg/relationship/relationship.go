// Package relationship implements the Relationship Service: CRUD, bulk
// upsert with duplicate merging, and temporal edge open/close.
package relationship

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

// ListFilter narrows a listRelationships call.
type ListFilter struct {
	FromEntity string
	ToEntity   string
	Type       graph.RelationshipType
	Limit      int
	Offset     int
}

// ListResult is the page returned by ListRelationships.
type ListResult struct {
	Items []*graph.Relationship
	Total int
}

// BulkResult tallies a bulk upsert outcome.
type BulkResult struct {
	Created int
	Updated int
	Skipped int
}

// Service implements the Relationship Service operations.
type Service struct {
	store storex.GraphStore
}

// New creates a Relationship Service backed by store.
func New(store storex.GraphStore) *Service {
	return &Service{store: store}
}

func relPayload(r *graph.Relationship) (map[string]interface{}, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal relationship payload: %w", err)
	}
	return map[string]interface{}{
		"id": r.ID, "fromEntityId": r.FromEntityID, "toEntityId": r.ToEntityID,
		"type": string(r.Type), "created": r.Created, "lastModified": r.LastModified,
		"version": r.Version, "validFrom": r.ValidFrom, "validTo": r.ValidTo,
		"active": r.Active, "payload": string(payload),
	}, nil
}

func rowToRel(row storex.Row) (*graph.Relationship, error) {
	raw, ok := row["payload"].(string)
	if !ok {
		if b, ok := row["payload"].([]byte); ok {
			raw = string(b)
		} else {
			return nil, fmt.Errorf("relationship row missing payload")
		}
	}
	var r graph.Relationship
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("unmarshal relationship payload: %w", err)
	}
	return &r, nil
}

// CreateRelationship creates a new relationship edge.
func (s *Service) CreateRelationship(ctx context.Context, r *graph.Relationship) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := graph.ValidateRelationship(r); err != nil {
		return merrors.InputValidation(err.Error())
	}
	now := time.Now().UTC()
	if r.Created.IsZero() {
		r.Created = now
	}
	r.LastModified = now
	if r.Version == 0 {
		r.Version = 1
	}
	if !r.Type.IsTemporal() {
		r.Active = true
	}

	params, err := relPayload(r)
	if err != nil {
		return merrors.Wrap(err, merrors.KindInternal, "failed to encode relationship")
	}
	if _, err := s.store.Query(ctx, "upsert_relationship", params); err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	logging.Get(logging.CategoryRelationship).Debug("created relationship %s (%s -[%s]-> %s)", r.ID, r.FromEntityID, r.Type, r.ToEntityID)
	return nil
}

// DeleteRelationship physically removes a non-temporal relationship.
// Temporal relationships should be closed via CloseTemporalEdge instead.
func (s *Service) DeleteRelationship(ctx context.Context, id string) error {
	if _, err := s.store.Query(ctx, "delete_relationship", map[string]interface{}{"id": id}); err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	return nil
}

// ListRelationships returns a page of relationships matching filter.
func (s *Service) ListRelationships(ctx context.Context, filter ListFilter) (*ListResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	params := map[string]interface{}{
		"fromEntity": filter.FromEntity, "toEntity": filter.ToEntity, "type": string(filter.Type),
		"limit": limit, "offset": filter.Offset,
	}
	rows, err := s.store.Query(ctx, "list_relationships", params)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	items := make([]*graph.Relationship, 0, len(rows))
	for _, row := range rows {
		r, err := rowToRel(row)
		if err != nil {
			continue
		}
		items = append(items, r)
	}
	return &ListResult{Items: items, Total: len(items)}, nil
}

// CreateRelationshipsBulk upserts relationships; duplicates of the same
// open triple are merged (metadata unions shallowly, lastModified
// updates, version increments) rather than creating a second edge.
func (s *Service) CreateRelationshipsBulk(ctx context.Context, rels []*graph.Relationship) *BulkResult {
	result := &BulkResult{}
	for _, r := range rels {
		existing, err := s.findOpenTriple(ctx, r.FromEntityID, r.ToEntityID, r.Type)
		if err != nil {
			result.Skipped++
			continue
		}
		if existing != nil {
			merged := mergeMetadata(existing, r)
			if err := s.updateExisting(ctx, merged); err != nil {
				result.Skipped++
				continue
			}
			result.Updated++
			continue
		}
		if err := s.CreateRelationship(ctx, r); err != nil {
			result.Skipped++
			continue
		}
		result.Created++
	}
	return result
}

func mergeMetadata(existing, incoming *graph.Relationship) *graph.Relationship {
	merged := *existing
	if merged.Metadata == nil {
		merged.Metadata = map[string]interface{}{}
	}
	for k, v := range incoming.Metadata {
		merged.Metadata[k] = v
	}
	merged.LastModified = time.Now().UTC()
	merged.Version++
	return &merged
}

func (s *Service) updateExisting(ctx context.Context, r *graph.Relationship) error {
	params, err := relPayload(r)
	if err != nil {
		return err
	}
	_, err = s.store.Query(ctx, "upsert_relationship", params)
	return err
}

func (s *Service) findOpenTriple(ctx context.Context, from, to string, t graph.RelationshipType) (*graph.Relationship, error) {
	rows, err := s.store.Query(ctx, "find_open_temporal_edge", map[string]interface{}{
		"fromEntityId": from, "toEntityId": to, "type": string(t),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowToRel(rows[0])
}

// OpenTemporalEdge opens a temporal relationship; a no-op if one is
// already open for the same triple.
func (s *Service) OpenTemporalEdge(ctx context.Context, from, to string, t graph.RelationshipType, ts time.Time, changeSetID string) error {
	if !t.IsTemporal() {
		return merrors.InputValidation(fmt.Sprintf("relationship type %s is not temporal", t))
	}
	existing, err := s.findOpenTriple(ctx, from, to, t)
	if err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	if existing != nil {
		return nil
	}
	r := &graph.Relationship{
		ID: uuid.NewString(), FromEntityID: from, ToEntityID: to, Type: t,
		Created: ts, LastModified: ts, Version: 1, ValidFrom: &ts, Active: true,
	}
	if changeSetID != "" {
		r.Metadata = map[string]interface{}{"changeSetId": changeSetID}
	}
	return s.CreateRelationship(ctx, r)
}

// CloseTemporalEdge closes the currently open edge for the triple, setting
// validTo = ts and active = false.
func (s *Service) CloseTemporalEdge(ctx context.Context, from, to string, t graph.RelationshipType, ts time.Time) error {
	if !t.IsTemporal() {
		return merrors.InputValidation(fmt.Sprintf("relationship type %s is not temporal", t))
	}
	_, err := s.store.Query(ctx, "close_temporal_edge", map[string]interface{}{
		"fromEntityId": from, "toEntityId": to, "type": string(t),
		"validTo": ts, "lastModified": ts,
	})
	if err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	return nil
}
