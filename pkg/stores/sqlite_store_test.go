package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudbench/cloudbench/pkg/catalog"
	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func seedNodes(t *testing.T, store *SQLiteStore, names ...string) {
	t.Helper()
	for _, name := range names {
		n := &deployment.Node{Name: name, Domain: name + ".testbed", IP: "10.0.0.1"}
		if err := store.UpsertNode(context.Background(), n); err != nil {
			t.Fatalf("failed to upsert node %s: %v", name, err)
		}
		if n.ID == 0 {
			t.Fatalf("node %s has no id", name)
		}
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"deployments", "nodes", "operations", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration should be a no-op: %v", err)
	}
}

func TestOperationCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := operation.New(7, operation.KindRunLoad, operation.Arguments{"workload": "w", "duration": "2h"})
	if err := store.SaveOperation(ctx, rec); err != nil {
		t.Fatalf("failed to save operation: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("expected id to be assigned")
	}

	got, err := store.GetOperation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to get operation: %v", err)
	}
	if got.Kind != operation.KindRunLoad || got.Arguments["duration"] != "2h" || got.ResourceID != 7 {
		t.Errorf("unexpected record %+v", got)
	}
	if !got.SubmittedAt.Equal(rec.SubmittedAt.Truncate(time.Microsecond)) {
		t.Errorf("submitted_at %v != %v", got.SubmittedAt, rec.SubmittedAt)
	}
	if !got.IsQueued() {
		t.Error("expected queued record")
	}

	start := time.Now().UTC()
	if err := rec.MarkStarted(start); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	if err := rec.MarkFinished(start.Add(time.Second), errors.New("kolla exploded")); err != nil {
		t.Fatalf("MarkFinished failed: %v", err)
	}
	if err := store.SaveOperation(ctx, rec); err != nil {
		t.Fatalf("failed to update operation: %v", err)
	}

	got, err = store.GetOperation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to get operation: %v", err)
	}
	if !got.IsDone() || got.Outcome != operation.OutcomeFailed || got.Error != "kolla exploded" {
		t.Errorf("unexpected finished record %+v", got)
	}

	if _, err := store.GetOperation(ctx, 999); !errors.Is(err, operation.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	missing := &operation.Record{ID: 999}
	if err := store.SaveOperation(ctx, missing); !errors.Is(err, operation.ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestOperationQueries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	save := func(resourceID int64, at time.Time, kind operation.Kind) *operation.Record {
		t.Helper()
		rec := operation.New(resourceID, kind, nil)
		rec.SubmittedAt = at
		if err := store.SaveOperation(ctx, rec); err != nil {
			t.Fatalf("failed to save operation: %v", err)
		}
		return rec
	}

	// Inserted out of submission order; equal timestamps tie-break on id.
	late := save(1, base.Add(2*time.Second), operation.KindDestroy)
	early := save(1, base, operation.KindReserve)
	tie := save(1, base, operation.KindDeploy)
	other := save(2, base, operation.KindTest)

	pending, err := store.LoadPending(ctx, 1)
	if err != nil {
		t.Fatalf("LoadPending failed: %v", err)
	}
	want := []int64{early.ID, tie.ID, late.ID}
	if len(pending) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(pending))
	}
	for i, rec := range pending {
		if rec.ID != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], rec.ID)
		}
	}

	if active, err := store.LoadActive(ctx, 1); err != nil || active != nil {
		t.Fatalf("expected no active record, got %v %v", active, err)
	}

	if err := early.MarkStarted(base.Add(time.Minute)); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	if err := store.SaveOperation(ctx, early); err != nil {
		t.Fatalf("SaveOperation failed: %v", err)
	}

	active, err := store.LoadActive(ctx, 1)
	if err != nil || active == nil || active.ID != early.ID {
		t.Fatalf("expected active %d, got %v %v", early.ID, active, err)
	}

	orphans, err := store.ListOrphaned(ctx)
	if err != nil || len(orphans) != 1 || orphans[0].ID != early.ID {
		t.Fatalf("unexpected orphans %v %v", orphans, err)
	}

	resources, err := store.PendingResources(ctx)
	if err != nil {
		t.Fatalf("PendingResources failed: %v", err)
	}
	if len(resources) != 2 || resources[0] != 1 || resources[1] != 2 {
		t.Errorf("unexpected pending resources %v", resources)
	}

	if err := store.DeleteOperations(ctx, 1, []int64{tie.ID, other.ID}); !errors.Is(err, operation.ErrNotFound) {
		t.Fatalf("deleting across resources should fail, got %v", err)
	}
	if _, err := store.GetOperation(ctx, tie.ID); err != nil {
		t.Fatal("failed delete must not remove anything")
	}

	if err := store.DeleteOperations(ctx, 1, []int64{tie.ID, late.ID}); err != nil {
		t.Fatalf("DeleteOperations failed: %v", err)
	}
	all, err := store.ListOperations(ctx, 1)
	if err != nil || len(all) != 1 || all[0].ID != early.ID {
		t.Errorf("unexpected history %v %v", all, err)
	}
}

func TestReserveDeployment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedNodes(t, store, "wally101", "wally102", "wally103")

	r := deployment.Reservation{Control: "wally101", Compute: []string{"wally102"}}.Normalize()
	d, err := store.ReserveDeployment(ctx, r)
	if err != nil {
		t.Fatalf("ReserveDeployment failed: %v", err)
	}
	if d.State != deployment.StatePlanned || len(d.Nodes) != 2 {
		t.Fatalf("unexpected deployment %+v", d)
	}
	if d.ControlNode().Name != "wally101" || !d.ControlNode().Monitoring {
		t.Errorf("control node should also monitor: %+v", d.ControlNode())
	}

	_, err = store.ReserveDeployment(ctx, deployment.Reservation{Control: "wally103", Compute: []string{"wally102"}})
	if !errors.Is(err, deployment.ErrNodeInUse) {
		t.Fatalf("expected ErrNodeInUse, got %v", err)
	}
	n, _ := store.GetNode(ctx, "wally103")
	if !n.Free() || n.Control {
		t.Error("failed reservation must roll back")
	}

	_, err = store.ReserveDeployment(ctx, deployment.Reservation{Control: "wally103", Compute: []string{"ghost"}})
	if !errors.Is(err, deployment.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}

	if err := store.SetDeploymentState(ctx, d.ID, deployment.StateDeployed); err != nil {
		t.Fatalf("SetDeploymentState failed: %v", err)
	}
	if err := store.SetNodeState(ctx, "wally102", deployment.NodeRestarting); err != nil {
		t.Fatalf("SetNodeState failed: %v", err)
	}

	list, err := store.ListDeployments(ctx)
	if err != nil || len(list) != 1 || list[0].State != deployment.StateDeployed {
		t.Fatalf("unexpected deployments %v %v", list, err)
	}
	if list[0].Node("wally102").State != deployment.NodeRestarting {
		t.Error("node state not persisted")
	}

	if err := store.DeleteDeployment(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDeployment failed: %v", err)
	}
	if _, err := store.GetDeployment(ctx, d.ID); !errors.Is(err, deployment.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	nodes, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	for _, n := range nodes {
		if !n.Free() || n.Control || n.Compute {
			t.Errorf("node %s not released: %+v", n.Name, n)
		}
	}
	if err := store.DeleteDeployment(ctx, d.ID); !errors.Is(err, deployment.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestUpsertNodeKeepsMembership(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedNodes(t, store, "wally101", "wally102")

	d, err := store.ReserveDeployment(ctx, deployment.Reservation{Control: "wally101", Monitoring: "wally101", Compute: []string{"wally102"}})
	if err != nil {
		t.Fatalf("ReserveDeployment failed: %v", err)
	}

	if err := store.UpsertNode(ctx, &deployment.Node{Name: "wally101", Domain: "new.testbed", IP: "10.0.0.9"}); err != nil {
		t.Fatalf("UpsertNode failed: %v", err)
	}
	n, err := store.GetNode(ctx, "wally101")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.Domain != "new.testbed" || n.DeploymentID != d.ID || !n.Control {
		t.Errorf("unexpected node after upsert %+v", n)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	id := int64(3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, level := range []EventLevel{EventLevelInfo, EventLevelError, EventLevelInfo} {
		ev := &Event{
			EventID:      "ev",
			DeploymentID: &id,
			Type:         "operation.finished",
			Level:        level,
			Message:      "done",
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	if err := store.AppendEvent(ctx, &Event{EventID: "other", Type: "queue", Level: EventLevelInfo, Timestamp: base}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	events, err := store.ListEvents(ctx, EventFilter{DeploymentID: &id})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if !events[0].Timestamp.After(events[2].Timestamp) {
		t.Error("events should be newest first")
	}

	errLevel := EventLevelError
	events, err = store.ListEvents(ctx, EventFilter{Level: &errLevel})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 error event, got %v %v", events, err)
	}

	events, err = store.ListEvents(ctx, EventFilter{Limit: 2})
	if err != nil || len(events) != 2 {
		t.Fatalf("expected 2 events with limit, got %v %v", events, err)
	}
}

// TestSchedulerOnSQLite runs the registry against the SQLite store: two
// operations for one deployment run in submission order and the second
// starts after the first finished.
func TestSchedulerOnSQLite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []operation.Kind
	release := make(chan struct{})
	action := catalog.ActionFunc(func(ctx context.Context, rec *operation.Record) error {
		<-release
		mu.Lock()
		order = append(order, rec.Kind)
		mu.Unlock()
		return nil
	})

	reg, err := scheduler.NewRegistry(store, catalog.Uniform(action))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	defer reg.Shutdown(ctx)

	reserve := operation.New(7, operation.KindReserve, nil)
	deploy := operation.New(7, operation.KindDeploy, nil)
	if err := reg.Submit(ctx, reserve); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := reg.Submit(ctx, deploy); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	pending, err := reg.ScheduleFor(ctx, 7)
	if err != nil || len(pending) != 2 || pending[0].Kind != operation.KindReserve {
		t.Fatalf("unexpected schedule %v %v", pending, err)
	}

	close(release)
	reg.Wait()

	history, err := reg.History(ctx, 7)
	if err != nil || len(history) != 2 {
		t.Fatalf("unexpected history %v %v", history, err)
	}
	first, second := history[0], history[1]
	if !first.IsDone() || !second.IsDone() {
		t.Fatalf("both records should be finished: %+v %+v", first, second)
	}
	if first.FinishedAt.After(*second.StartedAt) {
		t.Error("reserve must finish before deploy starts")
	}
	if current, _ := reg.CurrentFor(ctx, 7); current != nil {
		t.Errorf("expected no current record, got %+v", current)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != operation.KindReserve {
		t.Errorf("unexpected execution order %v", order)
	}
}
