// Package history implements the History Service: version append with
// PREVIOUS_VERSION linking, timeline reads, retention pruning, and
// checkpoint create/list/export/import.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memento/internal/kg/entity"
	"memento/internal/kg/relationship"
	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/graph"
	"memento/pkg/storex"
)

// CheckpointReason enumerates why a checkpoint was created.
type CheckpointReason string

const (
	ReasonDaily    CheckpointReason = "daily"
	ReasonIncident CheckpointReason = "incident"
	ReasonManual   CheckpointReason = "manual"
)

// EventType enumerates the lifecycle events the History Service publishes.
type EventType string

const EventPruned EventType = "history:pruned"

// Event is published to subscribers.
type Event struct {
	Type EventType
	Data interface{}
}

// Subscriber receives history lifecycle events.
type Subscriber func(Event)

// VersionRecord is one entry in an entity's timeline.
type VersionRecord struct {
	VersionID         string
	EntityID          string
	Hash              string
	Timestamp         time.Time
	PreviousVersionID string
	ChangeSetID       string
	Path              string
	Language          string
}

// TimelineOptions narrows a GetEntityTimeline call.
type TimelineOptions struct {
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// PruneOptions controls PruneHistory.
type PruneOptions struct {
	DryRun    bool
	BatchSize int
}

// PruneResult tallies what PruneHistory removed (or would remove).
type PruneResult struct {
	Versions    int
	ClosedEdges int
	Checkpoints int
}

// TimeWindow restricts checkpoint BFS expansion or import.
type TimeWindow struct {
	Since time.Time
	Until time.Time
}

// CheckpointOptions controls CreateCheckpoint.
type CheckpointOptions struct {
	Reason      CheckpointReason
	Hops        int
	Window      *TimeWindow
	Description string
}

// Checkpoint is a named subgraph snapshot built by BFS expansion from
// seed entities.
type Checkpoint struct {
	ID           string
	Timestamp    time.Time
	Reason       CheckpointReason
	Hops         int
	SeedEntities []string
	Description  string
}

// CheckpointResult is the outcome of CreateCheckpoint.
type CheckpointResult struct {
	CheckpointID string
	MemberCount  int
}

// CheckpointExport is the transfer format produced by ExportCheckpoint
// and consumed by ImportCheckpoint.
type CheckpointExport struct {
	Checkpoint    Checkpoint
	Members       []*graph.Entity
	Relationships []*graph.Relationship
}

// ImportOptions controls ImportCheckpoint.
type ImportOptions struct {
	UseOriginalID bool
}

// ImportResult tallies an ImportCheckpoint outcome.
type ImportResult struct {
	CheckpointID          string
	EntitiesImported      int
	RelationshipsImported int
	RelationshipsSkipped  int
}

// Service implements the History Service operations.
type Service struct {
	store         storex.GraphStore
	entities      *entity.Service
	relationships *relationship.Service

	subscribers []Subscriber
}

// New creates a History Service backed by store, hydrating entities and
// relationships through entities/relationships.
func New(store storex.GraphStore, entities *entity.Service, relationships *relationship.Service) *Service {
	return &Service{store: store, entities: entities, relationships: relationships}
}

// Subscribe registers fn to be called on every history lifecycle event.
func (s *Service) Subscribe(fn Subscriber) {
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) publish(evt Event) {
	for _, fn := range s.subscribers {
		fn(evt)
	}
}

// AppendVersion records a new Version for entityID when hash changes,
// linking it to its immediate predecessor by timestamp. Call this after
// a successful entity upsert whose hash differs from the stored one.
func (s *Service) AppendVersion(ctx context.Context, entityID, hash, path, language, changeSetID string) (*VersionRecord, error) {
	id := fmt.Sprintf("ver_%s_%s", entityID, hash)
	now := time.Now().UTC()

	var previousID string
	rows, err := s.store.Query(ctx, "find_latest_version", map[string]interface{}{"entityId": entityID, "excludeId": id})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	if len(rows) > 0 {
		if pid, ok := rows[0]["id"].(string); ok {
			previousID = pid
		}
	}

	_, err = s.store.Query(ctx, "insert_version", map[string]interface{}{
		"id": id, "entityId": entityID, "hash": hash, "timestamp": now,
		"previousVersionId": previousID, "changeSetId": changeSetID, "path": path, "language": language,
	})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	logging.Get(logging.CategoryHistory).Debug("appended version %s for entity %s", id, entityID)
	return &VersionRecord{
		VersionID: id, EntityID: entityID, Hash: hash, Timestamp: now,
		PreviousVersionID: previousID, ChangeSetID: changeSetID, Path: path, Language: language,
	}, nil
}

// GetEntityTimeline returns entityID's versions, newest first, filtered
// in-process to opts.StartTime/EndTime since the graph store's timeline
// query only takes an entity id and a row limit.
func (s *Service) GetEntityTimeline(ctx context.Context, entityID string, opts TimelineOptions) ([]VersionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.store.Query(ctx, "get_entity_timeline", map[string]interface{}{"entityId": entityID, "limit": limit})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	out := make([]VersionRecord, 0, len(rows))
	for _, row := range rows {
		rec := rowToVersion(row)
		if !opts.StartTime.IsZero() && rec.Timestamp.Before(opts.StartTime) {
			continue
		}
		if !opts.EndTime.IsZero() && rec.Timestamp.After(opts.EndTime) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func rowToVersion(row storex.Row) VersionRecord {
	get := func(k string) string {
		v, _ := row[k].(string)
		return v
	}
	ts, _ := row["timestamp"].(time.Time)
	return VersionRecord{
		VersionID: get("id"), EntityID: get("entity_id"), Hash: get("hash"), Timestamp: ts,
		PreviousVersionID: get("previous_version_id"), ChangeSetID: get("change_set_id"),
		Path: get("path"), Language: get("language"),
	}
}

// RepairPreviousVersionLink rewrites currentVersionID's previous-version
// pointer to prevVersionID, used by the temporal validator to fix
// missing or broken PREVIOUS_VERSION links it detects while walking a
// timeline.
func (s *Service) RepairPreviousVersionLink(ctx context.Context, entityID, currentVersionID, prevVersionID string, timestamp time.Time) error {
	_, err := s.store.Query(ctx, "update_version_previous", map[string]interface{}{
		"id": currentVersionID, "previousVersionId": prevVersionID, "timestamp": timestamp,
	})
	if err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	logging.Get(logging.CategoryHistory).Debug("repaired previous_version link for %s: version %s -> %s", entityID, currentVersionID, prevVersionID)
	return nil
}

// PruneHistory deletes versions older than retentionDays, closes any
// still-open temporal edges whose validFrom predates the cutoff, and
// removes orphan checkpoints. With DryRun set, nothing is deleted and
// the result reports what would have been.
func (s *Service) PruneHistory(ctx context.Context, retentionDays int, opts PruneOptions) (*PruneResult, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	params := map[string]interface{}{"cutoff": cutoff}

	result := &PruneResult{}

	if opts.DryRun {
		if n, err := s.countRows(ctx, "count_versions_before", params); err == nil {
			result.Versions = n
		}
		if n, err := s.countRows(ctx, "count_open_temporal_edges_before", params); err == nil {
			result.ClosedEdges = n
		}
		if n, err := s.countRows(ctx, "count_orphan_checkpoints", nil); err == nil {
			result.Checkpoints = n
		}
		return result, nil
	}

	versions, err := s.countRows(ctx, "count_versions_before", params)
	if err == nil {
		result.Versions = versions
	}
	if _, err := s.store.Query(ctx, "delete_versions_before", params); err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	edges, err := s.countRows(ctx, "count_open_temporal_edges_before", params)
	if err == nil {
		result.ClosedEdges = edges
	}
	if _, err := s.store.Query(ctx, "close_open_temporal_edges_before", params); err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	checkpoints, err := s.countRows(ctx, "count_orphan_checkpoints", nil)
	if err == nil {
		result.Checkpoints = checkpoints
	}
	if _, err := s.store.Query(ctx, "delete_orphan_checkpoints", nil); err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	s.publish(Event{Type: EventPruned, Data: result})
	return result, nil
}

func (s *Service) countRows(ctx context.Context, statement string, params map[string]interface{}) (int, error) {
	rows, err := s.store.Query(ctx, statement, params)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	switch n := rows[0]["total"].(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, nil
	}
}

// CreateCheckpoint expands from seedEntities via BFS up to opts.Hops
// over active edges of any type in either direction, creates a Checkpoint
// row, and links every reachable entity as a member.
func (s *Service) CreateCheckpoint(ctx context.Context, seedEntities []string, opts CheckpointOptions) (*CheckpointResult, error) {
	reason := opts.Reason
	if reason == "" {
		reason = ReasonManual
	}
	hops := opts.Hops
	if hops <= 0 {
		hops = 2
	}

	members, err := s.bfsExpand(ctx, seedEntities, hops, opts.Window)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	seedJSON, err := json.Marshal(seedEntities)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.KindInternal, "failed to encode seed entities")
	}

	_, err = s.store.Query(ctx, "insert_checkpoint", map[string]interface{}{
		"id": id, "timestamp": time.Now().UTC(), "reason": string(reason),
		"hops": hops, "seedEntities": string(seedJSON), "description": opts.Description,
	})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	for member := range members {
		if _, err := s.store.Query(ctx, "insert_checkpoint_member", map[string]interface{}{"checkpointId": id, "entityId": member}); err != nil {
			return nil, merrors.StoreUnavailable(err, "graph")
		}
	}

	return &CheckpointResult{CheckpointID: id, MemberCount: len(members)}, nil
}

// bfsExpand walks the "neighbors" adjacency up to hops steps from seeds,
// optionally restricting traversal to entities last modified within
// window.
func (s *Service) bfsExpand(ctx context.Context, seeds []string, hops int, window *TimeWindow) (map[string]bool, error) {
	visited := make(map[string]bool)
	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			rows, err := s.store.Query(ctx, "neighbors", map[string]interface{}{"entityId": id})
			if err != nil {
				return nil, merrors.StoreUnavailable(err, "graph")
			}
			for _, row := range rows {
				neighbor, _ := row["neighbor"].(string)
				if neighbor == "" || visited[neighbor] {
					continue
				}
				if window != nil {
					e, err := s.entities.GetEntity(ctx, neighbor)
					if err != nil {
						continue
					}
					if !window.Since.IsZero() && e.LastModified.Before(window.Since) {
						continue
					}
					if !window.Until.IsZero() && e.LastModified.After(window.Until) {
						continue
					}
				}
				visited[neighbor] = true
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return visited, nil
}

// ListCheckpoints returns checkpoints matching filter.
func (s *Service) ListCheckpoints(ctx context.Context, reason CheckpointReason, since, until time.Time, limit, offset int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	params := map[string]interface{}{"reason": string(reason), "limit": limit, "offset": offset}
	if !since.IsZero() {
		params["since"] = since
	}
	if !until.IsZero() {
		params["until"] = until
	}
	rows, err := s.store.Query(ctx, "list_checkpoints", params)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	out := make([]Checkpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToCheckpoint(row))
	}
	return out, nil
}

// GetCheckpoint fetches a checkpoint by id.
func (s *Service) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	rows, err := s.store.Query(ctx, "get_checkpoint", map[string]interface{}{"id": id})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	if len(rows) == 0 {
		return nil, merrors.NotFound(fmt.Sprintf("checkpoint %s", id))
	}
	cp := rowToCheckpoint(rows[0])
	return &cp, nil
}

func rowToCheckpoint(row storex.Row) Checkpoint {
	id, _ := row["id"].(string)
	reason, _ := row["reason"].(string)
	description, _ := row["description"].(string)
	ts, _ := row["timestamp"].(time.Time)
	hops := 0
	switch h := row["hops"].(type) {
	case int64:
		hops = int(h)
	case int:
		hops = h
	}
	var seeds []string
	if raw, ok := row["seed_entities"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &seeds)
	}
	return Checkpoint{ID: id, Timestamp: ts, Reason: CheckpointReason(reason), Hops: hops, SeedEntities: seeds, Description: description}
}

// GetCheckpointMembers returns the entity ids INCLUDEd in checkpoint id.
func (s *Service) GetCheckpointMembers(ctx context.Context, id string) ([]string, error) {
	rows, err := s.store.Query(ctx, "get_checkpoint_members", map[string]interface{}{"checkpointId": id})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if eid, ok := row["entity_id"].(string); ok {
			out = append(out, eid)
		}
	}
	return out, nil
}

// CheckpointSummary is a compact view of a checkpoint for listing UIs.
type CheckpointSummary struct {
	Checkpoint
	MemberCount int
}

// GetCheckpointSummary fetches a checkpoint plus its member count.
func (s *Service) GetCheckpointSummary(ctx context.Context, id string) (*CheckpointSummary, error) {
	cp, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := s.GetCheckpointMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CheckpointSummary{Checkpoint: *cp, MemberCount: len(members)}, nil
}

// ExportCheckpoint hydrates a checkpoint's members (and optionally the
// relationships among them) into a portable CheckpointExport.
func (s *Service) ExportCheckpoint(ctx context.Context, id string, includeRelationships bool) (*CheckpointExport, error) {
	cp, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	memberIDs, err := s.GetCheckpointMembers(ctx, id)
	if err != nil {
		return nil, err
	}

	memberSet := make(map[string]bool, len(memberIDs))
	members := make([]*graph.Entity, 0, len(memberIDs))
	for _, mid := range memberIDs {
		e, err := s.entities.GetEntity(ctx, mid)
		if err != nil {
			continue
		}
		memberSet[mid] = true
		members = append(members, e)
	}

	export := &CheckpointExport{Checkpoint: *cp, Members: members}
	if !includeRelationships {
		return export, nil
	}

	seen := make(map[string]bool)
	var rels []*graph.Relationship
	for _, mid := range memberIDs {
		res, err := s.relationships.ListRelationships(ctx, relationship.ListFilter{FromEntity: mid, Limit: 10000})
		if err != nil {
			continue
		}
		for _, r := range res.Items {
			if !memberSet[r.ToEntityID] || seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			rels = append(rels, r)
		}
	}
	export.Relationships = rels
	return export, nil
}

// ImportCheckpoint writes export's checkpoint, members, and (if present)
// relationships back into the graph. Entities are imported first, then
// relationships; relationships whose endpoints aren't in the imported
// member set are skipped and counted rather than failing the import.
// When opts.UseOriginalID is false, the checkpoint id and every member
// entity id are rewritten deterministically from a freshly minted
// checkpoint id.
func (s *Service) ImportCheckpoint(ctx context.Context, export *CheckpointExport, opts ImportOptions) (*ImportResult, error) {
	newCheckpointID := export.Checkpoint.ID
	idMap := make(map[string]string, len(export.Members))
	if opts.UseOriginalID {
		for _, e := range export.Members {
			idMap[e.ID] = e.ID
		}
	} else {
		newCheckpointID = uuid.NewString()
		for _, e := range export.Members {
			idMap[e.ID] = fmt.Sprintf("%s:%s", newCheckpointID, e.ID)
		}
	}

	result := &ImportResult{CheckpointID: newCheckpointID}

	for _, e := range export.Members {
		clone := *e
		clone.ID = idMap[e.ID]
		if err := s.entities.UpsertEntity(ctx, &clone); err != nil {
			continue
		}
		result.EntitiesImported++
		if _, err := s.store.Query(ctx, "insert_checkpoint_member", map[string]interface{}{
			"checkpointId": newCheckpointID, "entityId": clone.ID,
		}); err != nil {
			return nil, merrors.StoreUnavailable(err, "graph")
		}
	}

	seeds := make([]string, 0, len(export.Checkpoint.SeedEntities))
	for _, seed := range export.Checkpoint.SeedEntities {
		if mapped, ok := idMap[seed]; ok {
			seeds = append(seeds, mapped)
		}
	}
	seedJSON, err := json.Marshal(seeds)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.KindInternal, "failed to encode seed entities")
	}
	_, err = s.store.Query(ctx, "insert_checkpoint", map[string]interface{}{
		"id": newCheckpointID, "timestamp": export.Checkpoint.Timestamp, "reason": string(export.Checkpoint.Reason),
		"hops": export.Checkpoint.Hops, "seedEntities": string(seedJSON), "description": export.Checkpoint.Description,
	})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}

	for _, r := range export.Relationships {
		fromID, fromOK := idMap[r.FromEntityID]
		toID, toOK := idMap[r.ToEntityID]
		if !fromOK || !toOK {
			result.RelationshipsSkipped++
			continue
		}
		clone := *r
		clone.FromEntityID, clone.ToEntityID = fromID, toID
		if !opts.UseOriginalID {
			clone.ID = uuid.NewString()
		}
		if err := s.relationships.CreateRelationship(ctx, &clone); err != nil {
			result.RelationshipsSkipped++
			continue
		}
		result.RelationshipsImported++
	}

	return result, nil
}

// DeleteCheckpoint removes a checkpoint and its membership rows.
func (s *Service) DeleteCheckpoint(ctx context.Context, id string) error {
	if _, err := s.store.Query(ctx, "delete_checkpoint_members", map[string]interface{}{"id": id}); err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	if _, err := s.store.Query(ctx, "delete_checkpoint", map[string]interface{}{"id": id}); err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	return nil
}
