package history

import (
	"context"
	"testing"
	"time"

	"memento/internal/kg/entity"
	"memento/internal/kg/relationship"
	"memento/internal/storex/graphstore"
	"memento/pkg/graph"
)

func newTestService(t *testing.T) (*Service, *entity.Service) {
	t.Helper()
	store, err := graphstore.New(":memory:")
	if err != nil {
		t.Fatalf("graphstore.New: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	entities := entity.New(store)
	relationships := relationship.New(store)
	return New(store, entities, relationships), entities
}

func TestAppendVersionLinksPrevious(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	first, err := svc.AppendVersion(ctx, "e1", "h1", "a.go", "go", "cs1")
	if err != nil {
		t.Fatalf("AppendVersion 1: %v", err)
	}
	if first.PreviousVersionID != "" {
		t.Errorf("expected no previous version on first append, got %s", first.PreviousVersionID)
	}

	time.Sleep(2 * time.Millisecond)
	second, err := svc.AppendVersion(ctx, "e1", "h2", "a.go", "go", "cs2")
	if err != nil {
		t.Fatalf("AppendVersion 2: %v", err)
	}
	if second.PreviousVersionID != first.VersionID {
		t.Errorf("expected second version to link to first, got previous=%s want=%s", second.PreviousVersionID, first.VersionID)
	}
}

func TestGetEntityTimelineNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	svc.AppendVersion(ctx, "e1", "h1", "a.go", "go", "")
	time.Sleep(2 * time.Millisecond)
	svc.AppendVersion(ctx, "e1", "h2", "a.go", "go", "")

	timeline, err := svc.GetEntityTimeline(ctx, "e1", TimelineOptions{})
	if err != nil {
		t.Fatalf("GetEntityTimeline: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(timeline))
	}
	if timeline[0].Hash != "h2" {
		t.Errorf("expected newest first (h2), got %s", timeline[0].Hash)
	}
}

func TestCreateCheckpointIncludesNeighbors(t *testing.T) {
	ctx := context.Background()
	svc, entities := newTestService(t)

	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		if err := entities.CreateEntity(ctx, &graph.Entity{ID: id, Type: graph.EntitySymbol, Path: id, Hash: id}); err != nil {
			t.Fatalf("CreateEntity %s: %v", id, err)
		}
	}
	if _, err := svc.store.Query(ctx, "upsert_relationship", map[string]interface{}{
		"id": "r1", "fromEntityId": "s1", "toEntityId": "s3", "type": string(graph.RelCalls),
		"created": time.Now(), "lastModified": time.Now(), "version": 1, "validFrom": nil, "validTo": nil, "active": true,
		"payload": `{"id":"r1"}`,
	}); err != nil {
		t.Fatalf("seed r1: %v", err)
	}
	if _, err := svc.store.Query(ctx, "upsert_relationship", map[string]interface{}{
		"id": "r2", "fromEntityId": "s2", "toEntityId": "s4", "type": string(graph.RelUses),
		"created": time.Now(), "lastModified": time.Now(), "version": 1, "validFrom": nil, "validTo": nil, "active": true,
		"payload": `{"id":"r2"}`,
	}); err != nil {
		t.Fatalf("seed r2: %v", err)
	}

	result, err := svc.CreateCheckpoint(ctx, []string{"s1", "s2"}, CheckpointOptions{Hops: 1})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if result.MemberCount != 4 {
		t.Fatalf("expected 4 members (s1..s4), got %d", result.MemberCount)
	}

	members, err := svc.GetCheckpointMembers(ctx, result.CheckpointID)
	if err != nil {
		t.Fatalf("GetCheckpointMembers: %v", err)
	}
	if len(members) != 4 {
		t.Fatalf("expected 4 persisted members, got %d", len(members))
	}
}

func TestExportThenImportCheckpointPreservesMemberSet(t *testing.T) {
	ctx := context.Background()
	svc, entities := newTestService(t)

	for _, id := range []string{"a", "b"} {
		if err := entities.CreateEntity(ctx, &graph.Entity{ID: id, Type: graph.EntitySymbol, Path: id, Hash: id}); err != nil {
			t.Fatalf("CreateEntity %s: %v", id, err)
		}
	}
	created, err := svc.CreateCheckpoint(ctx, []string{"a", "b"}, CheckpointOptions{Hops: 0})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	export, err := svc.ExportCheckpoint(ctx, created.CheckpointID, false)
	if err != nil {
		t.Fatalf("ExportCheckpoint: %v", err)
	}
	if len(export.Members) != 2 {
		t.Fatalf("expected 2 exported members, got %d", len(export.Members))
	}

	imported, err := svc.ImportCheckpoint(ctx, export, ImportOptions{UseOriginalID: false})
	if err != nil {
		t.Fatalf("ImportCheckpoint: %v", err)
	}
	if imported.EntitiesImported != 2 {
		t.Fatalf("expected 2 entities imported, got %d", imported.EntitiesImported)
	}
	if imported.CheckpointID == created.CheckpointID {
		t.Error("expected a freshly minted checkpoint id when useOriginalId=false")
	}

	members, err := svc.GetCheckpointMembers(ctx, imported.CheckpointID)
	if err != nil {
		t.Fatalf("GetCheckpointMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members on imported checkpoint, got %d", len(members))
	}
}

func TestPruneHistoryDryRunDoesNotDelete(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	svc.AppendVersion(ctx, "e1", "h1", "a.go", "go", "")

	result, err := svc.PruneHistory(ctx, -1, PruneOptions{DryRun: true})
	if err != nil {
		t.Fatalf("PruneHistory dry run: %v", err)
	}
	if result.Versions != 1 {
		t.Fatalf("expected dry run to report 1 prunable version, got %d", result.Versions)
	}

	timeline, err := svc.GetEntityTimeline(ctx, "e1", TimelineOptions{})
	if err != nil {
		t.Fatalf("GetEntityTimeline: %v", err)
	}
	if len(timeline) != 1 {
		t.Fatal("expected dry run to leave the version in place")
	}
}

func TestPruneHistoryDeletesOldVersions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	svc.AppendVersion(ctx, "e1", "h1", "a.go", "go", "")

	result, err := svc.PruneHistory(ctx, -1, PruneOptions{})
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if result.Versions != 1 {
		t.Fatalf("expected 1 version pruned, got %d", result.Versions)
	}

	timeline, err := svc.GetEntityTimeline(ctx, "e1", TimelineOptions{})
	if err != nil {
		t.Fatalf("GetEntityTimeline: %v", err)
	}
	if len(timeline) != 0 {
		t.Fatal("expected no versions left after prune")
	}
}
