package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudbench/cloudbench/pkg/catalog"
	"github.com/cloudbench/cloudbench/pkg/operation"
)

const waitTimeout = 5 * time.Second

// fakeActions is a catalog action that records execution order, detects
// overlapping operations per resource and can hold a resource's operations
// behind a gate.
type fakeActions struct {
	mu      sync.Mutex
	order   []int64
	running map[int64]int
	overlap bool
	gates   map[int64]chan struct{}
	fail    map[operation.Kind]error

	started chan *operation.Record
}

func newFakeActions() *fakeActions {
	return &fakeActions{
		running: make(map[int64]int),
		gates:   make(map[int64]chan struct{}),
		fail:    make(map[operation.Kind]error),
		started: make(chan *operation.Record, 1024),
	}
}

// hold blocks operations of resourceID until the returned func is called.
func (f *fakeActions) hold(resourceID int64) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[resourceID] = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, resourceID)
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeActions) Run(ctx context.Context, rec *operation.Record) error {
	f.mu.Lock()
	f.order = append(f.order, rec.ID)
	f.running[rec.ResourceID]++
	if f.running[rec.ResourceID] > 1 {
		f.overlap = true
	}
	gate := f.gates[rec.ResourceID]
	failure := f.fail[rec.Kind]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running[rec.ResourceID]--
		f.mu.Unlock()
	}()

	select {
	case f.started <- rec.Clone():
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failure
}

func (f *fakeActions) executed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.order))
	copy(out, f.order)
	return out
}

func (f *fakeActions) overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

func setupTestRegistry(t *testing.T, opts ...Option) (*Registry, *MemoryStore, *fakeActions) {
	t.Helper()

	store := NewMemoryStore()
	actions := newFakeActions()
	reg, err := NewRegistry(store, catalog.Uniform(actions), opts...)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg, store, actions
}

func submit(t *testing.T, reg *Registry, resourceID int64, kind operation.Kind) *operation.Record {
	t.Helper()
	rec := operation.New(resourceID, kind, nil)
	if err := reg.Submit(context.Background(), rec); err != nil {
		t.Fatalf("Submit(%d, %s) failed: %v", resourceID, kind, err)
	}
	return rec
}

func waitStarted(t *testing.T, actions *fakeActions, id int64) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case rec := <-actions.started:
			if rec.ID == id {
				return
			}
		case <-deadline:
			t.Fatalf("operation %d did not start within %s", id, waitTimeout)
		}
	}
}

func waitIdle(t *testing.T, reg *Registry) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		reg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("workers still active after %s: %v", waitTimeout, reg.Active())
	}
}

func TestNewRegistry_RequiresDependencies(t *testing.T) {
	if _, err := NewRegistry(nil, catalog.Uniform(newFakeActions())); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewRegistry(NewMemoryStore(), nil); err == nil {
		t.Error("expected error for nil catalog")
	}
}

func TestRegistry_GetOrCreate_SingleInstance(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)

	const callers = 50
	queues := make(chan *Queue, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queues <- reg.GetOrCreate(7)
		}()
	}
	wg.Wait()
	close(queues)

	first := <-queues
	for q := range queues {
		if q != first {
			t.Fatal("GetOrCreate returned two different queues for the same resource")
		}
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 queue, got %d", reg.Len())
	}
}

func TestScheduler_ExampleScenario(t *testing.T) {
	reg, _, actions := setupTestRegistry(t)
	ctx := context.Background()

	release := actions.hold(7)
	reserve := submit(t, reg, 7, operation.KindReserve)
	deploy := submit(t, reg, 7, operation.KindDeploy)

	pending, err := reg.ScheduleFor(ctx, 7)
	if err != nil {
		t.Fatalf("ScheduleFor failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != reserve.ID || pending[1].ID != deploy.ID {
		t.Fatalf("expected [reserve, deploy], got %v", pending)
	}
	if pending[1].StartedAt != nil {
		t.Error("deploy must not start while reserve is running")
	}

	release()
	waitIdle(t, reg)

	current, err := reg.CurrentFor(ctx, 7)
	if err != nil {
		t.Fatalf("CurrentFor failed: %v", err)
	}
	if current != nil {
		t.Errorf("expected no current operation, got %d", current.ID)
	}

	r, _ := reg.Get(ctx, 7, reserve.ID)
	d, _ := reg.Get(ctx, 7, deploy.ID)
	if r.FinishedAt == nil || d.FinishedAt == nil {
		t.Fatal("both operations should be finished")
	}
	if r.FinishedAt.After(*d.StartedAt) {
		t.Errorf("reserve finished at %v after deploy started at %v", r.FinishedAt, d.StartedAt)
	}
	if r.Outcome != operation.OutcomeSucceeded || d.Outcome != operation.OutcomeSucceeded {
		t.Errorf("unexpected outcomes %q %q", r.Outcome, d.Outcome)
	}
}

func TestQueue_FIFO(t *testing.T) {
	reg, store, actions := setupTestRegistry(t)

	release := actions.hold(1)
	var want []int64
	for i := 0; i < 20; i++ {
		kind := operation.Kinds()[i%len(operation.Kinds())]
		want = append(want, submit(t, reg, 1, kind).ID)
	}
	release()
	waitIdle(t, reg)

	got := actions.executed()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("execution order %v, want %v", got, want)
	}

	history, err := store.ListOperations(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if !prev.SubmittedAt.Before(cur.SubmittedAt) {
			t.Errorf("submission times not strictly increasing: %v then %v", prev.SubmittedAt, cur.SubmittedAt)
		}
		if cur.StartedAt.Before(*prev.FinishedAt) {
			t.Errorf("operation %d started before %d finished", cur.ID, prev.ID)
		}
	}
}

func TestQueue_SubmissionTimesMonotonicWithFrozenClock(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reg, _, actions := setupTestRegistry(t, WithClock(func() time.Time { return frozen }))

	release := actions.hold(2)
	defer release()

	a := operation.New(2, operation.KindTest, nil)
	a.SubmittedAt = frozen
	b := operation.New(2, operation.KindTest, nil)
	b.SubmittedAt = frozen

	for _, rec := range []*operation.Record{a, b} {
		if err := reg.Submit(context.Background(), rec); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	if !a.SubmittedAt.Before(b.SubmittedAt) {
		t.Errorf("expected distinct increasing submission times, got %v and %v", a.SubmittedAt, b.SubmittedAt)
	}
}

func TestQueue_MutualExclusion(t *testing.T) {
	store := NewMemoryStore()
	actions := newFakeActions()
	ctx := context.Background()

	overlapCheck := catalog.ActionFunc(func(ctx context.Context, rec *operation.Record) error {
		pending, err := store.LoadPending(ctx, rec.ResourceID)
		if err != nil {
			return err
		}
		running := 0
		for _, p := range pending {
			if p.IsRunning() {
				running++
			}
		}
		if running != 1 {
			return fmt.Errorf("%d running operations", running)
		}
		return actions.Run(ctx, rec)
	})
	reg, err := NewRegistry(store, catalog.Uniform(overlapCheck))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				rec := operation.New(3, operation.KindTest, nil)
				if err := reg.Submit(ctx, rec); err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	waitIdle(t, reg)

	if actions.overlapped() {
		t.Fatal("two operations of the same resource ran concurrently")
	}
	history, _ := store.ListOperations(ctx, 3)
	if len(history) != 80 {
		t.Fatalf("expected 80 records, got %d", len(history))
	}
	for _, rec := range history {
		if rec.Outcome != operation.OutcomeSucceeded {
			t.Errorf("operation %d: outcome %q error %q", rec.ID, rec.Outcome, rec.Error)
		}
	}
}

func TestRegistry_ResourcesAreIndependent(t *testing.T) {
	reg, _, actions := setupTestRegistry(t)

	releaseA := actions.hold(10)
	defer releaseA()

	a := submit(t, reg, 10, operation.KindDeploy)
	waitStarted(t, actions, a.ID)

	b := submit(t, reg, 11, operation.KindDeploy)
	waitStarted(t, actions, b.ID)

	current, err := reg.CurrentFor(context.Background(), 10)
	if err != nil || current == nil || current.ID != a.ID {
		t.Fatalf("expected %d still running on resource 10, got %v (err %v)", a.ID, current, err)
	}
}

func TestQueue_TailCancel(t *testing.T) {
	reg, store, actions := setupTestRegistry(t)
	ctx := context.Background()

	release := actions.hold(4)
	r1 := submit(t, reg, 4, operation.KindReserve)
	waitStarted(t, actions, r1.ID)
	r2 := submit(t, reg, 4, operation.KindDeploy)
	r3 := submit(t, reg, 4, operation.KindRunLoad)
	r4 := submit(t, reg, 4, operation.KindDestroy)

	removed, err := reg.CancelFor(ctx, 4, r2.ID)
	if err != nil {
		t.Fatalf("CancelFor failed: %v", err)
	}
	if len(removed) != 3 || removed[0].ID != r2.ID || removed[1].ID != r3.ID || removed[2].ID != r4.ID {
		t.Fatalf("expected r2, r3, r4 removed, got %v", removed)
	}

	pending, _ := reg.ScheduleFor(ctx, 4)
	if len(pending) != 1 || pending[0].ID != r1.ID {
		t.Fatalf("expected only r1 pending, got %v", pending)
	}

	_, err = reg.CancelFor(ctx, 4, r1.ID)
	if !IsPrecondition(err) {
		t.Fatalf("cancelling a running operation should be a precondition error, got %v", err)
	}
	if !errors.Is(err, &Error{Class: ErrorClassPrecondition, Code: ErrCodeOperationActive}) {
		t.Errorf("expected ErrCodeOperationActive, got %v", err)
	}

	release()
	waitIdle(t, reg)

	if _, err := reg.CancelFor(ctx, 4, r1.ID); !IsPrecondition(err) {
		t.Errorf("cancelling a finished operation should be a precondition error, got %v", err)
	}
	if _, err := reg.CancelFor(ctx, 4, r3.ID); !IsNotFound(err) {
		t.Errorf("cancelling a removed operation should be not found, got %v", err)
	}

	history, _ := store.ListOperations(ctx, 4)
	if len(history) != 1 || history[0].ID != r1.ID || history[0].FinishedAt == nil {
		t.Errorf("expected only finished r1 in history, got %v", history)
	}
	if got := actions.executed(); len(got) != 1 || got[0] != r1.ID {
		t.Errorf("expected only r1 executed, got %v", got)
	}
}

func TestQueue_CancelOtherResourceIsNotFound(t *testing.T) {
	reg, _, actions := setupTestRegistry(t)

	release := actions.hold(5)
	defer release()
	submit(t, reg, 5, operation.KindTest)
	other := submit(t, reg, 5, operation.KindTest)

	if _, err := reg.CancelFor(context.Background(), 6, other.ID); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueue_IdleRestartRace(t *testing.T) {
	reg, store, actions := setupTestRegistry(t)
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := operation.New(8, operation.KindTest, nil)
				if err := reg.Submit(ctx, rec); err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}()
		}
		wg.Wait()
		waitIdle(t, reg)

		pending, err := store.LoadPending(ctx, 8)
		if err != nil {
			t.Fatalf("LoadPending failed: %v", err)
		}
		if len(pending) != 0 {
			t.Fatalf("round %d: %d operations left unfinished with no worker", round, len(pending))
		}
	}

	if actions.overlapped() {
		t.Error("two workers ran operations of the same resource concurrently")
	}
	if n := len(actions.executed()); n != 400 {
		t.Errorf("expected 400 executions, got %d", n)
	}
	if active := reg.Active(); len(active) != 0 {
		t.Errorf("expected no active workers, got %v", active)
	}
}

func TestQueue_CompletionFieldsWrittenOnce(t *testing.T) {
	reg, store, _ := setupTestRegistry(t)
	ctx := context.Background()

	rec := submit(t, reg, 9, operation.KindTest)
	waitIdle(t, reg)

	done, err := store.GetOperation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	started, finished := *done.StartedAt, *done.FinishedAt
	if finished.Before(started) {
		t.Errorf("finished %v before started %v", finished, started)
	}

	if err := done.MarkStarted(time.Now()); !errors.Is(err, operation.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := done.MarkFinished(time.Now(), nil); !errors.Is(err, operation.ErrAlreadyFinished) {
		t.Errorf("expected ErrAlreadyFinished, got %v", err)
	}
	if !done.StartedAt.Equal(started) || !done.FinishedAt.Equal(finished) {
		t.Error("completion fields were overwritten")
	}

	// Resubmitting a finished record is refused.
	if err := reg.Submit(ctx, done); !IsPrecondition(err) {
		t.Errorf("expected precondition error, got %v", err)
	}
}

func TestQueue_ActionFailureDoesNotHaltQueue(t *testing.T) {
	reg, store, actions := setupTestRegistry(t)
	ctx := context.Background()

	actions.fail[operation.KindDeploy] = errors.New("kolla-ansible exited 2")

	release := actions.hold(12)
	failing := submit(t, reg, 12, operation.KindDeploy)
	next := submit(t, reg, 12, operation.KindTest)
	release()
	waitIdle(t, reg)

	f, _ := store.GetOperation(ctx, failing.ID)
	if f.Outcome != operation.OutcomeFailed || f.FinishedAt == nil {
		t.Fatalf("expected failed finished record, got outcome %q finished %v", f.Outcome, f.FinishedAt)
	}
	if f.Error == "" {
		t.Error("failed record should carry the error")
	}

	n, _ := store.GetOperation(ctx, next.ID)
	if n.Outcome != operation.OutcomeSucceeded {
		t.Errorf("queue should continue after a failure, got outcome %q", n.Outcome)
	}
}

func TestQueue_PanickingActionIsRecorded(t *testing.T) {
	store := NewMemoryStore()
	cat := catalog.Uniform(catalog.ActionFunc(func(context.Context, *operation.Record) error {
		panic("boom")
	}))
	reg, err := NewRegistry(store, cat)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	rec := operation.New(13, operation.KindClean, nil)
	if err := reg.Submit(context.Background(), rec); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitIdle(t, reg)

	got, _ := store.GetOperation(context.Background(), rec.ID)
	if got.Outcome != operation.OutcomeFailed {
		t.Errorf("expected failed outcome, got %q", got.Outcome)
	}
}

func TestRegistry_SubmitUnknownKindIsFatal(t *testing.T) {
	reg, store, _ := setupTestRegistry(t)

	err := reg.Submit(context.Background(), &operation.Record{ResourceID: 1, Kind: "reboot"})
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if recs, _ := store.ListOperations(context.Background(), 1); len(recs) != 0 {
		t.Errorf("nothing should be stored, got %d records", len(recs))
	}
}

func TestQueue_EnqueueWrongResource(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)

	q := reg.GetOrCreate(1)
	err := q.Enqueue(context.Background(), operation.New(2, operation.KindTest, nil))
	if !errors.Is(err, &Error{Class: ErrorClassPrecondition, Code: ErrCodeWrongResource}) {
		t.Fatalf("expected wrong resource error, got %v", err)
	}
}

func seedOrphan(t *testing.T, store *MemoryStore, resourceID int64) *operation.Record {
	t.Helper()
	rec := operation.New(resourceID, operation.KindDeploy, nil)
	rec.SubmittedAt = time.Now().Add(-time.Hour).UTC()
	if err := rec.MarkStarted(rec.SubmittedAt.Add(time.Second)); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	if err := store.SaveOperation(context.Background(), rec); err != nil {
		t.Fatalf("SaveOperation failed: %v", err)
	}
	return rec
}

func TestRegistry_OrphanBlocksUntilAbandoned(t *testing.T) {
	reg, store, actions := setupTestRegistry(t)
	ctx := context.Background()

	orphan := seedOrphan(t, store, 20)
	queued := submit(t, reg, 20, operation.KindDestroy)
	waitIdle(t, reg)

	if len(actions.executed()) != 0 {
		t.Fatal("nothing may run while an orphan blocks the queue")
	}

	orphans, err := reg.Orphans(ctx)
	if err != nil {
		t.Fatalf("Orphans failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != orphan.ID {
		t.Fatalf("expected orphan %d, got %v", orphan.ID, orphans)
	}

	if _, err := reg.CancelFor(ctx, 20, orphan.ID); !IsPrecondition(err) {
		t.Errorf("cancelling an orphan should be a precondition error, got %v", err)
	}
	if _, err := reg.AbandonFor(ctx, 20, queued.ID, ""); !errors.Is(err, &Error{Class: ErrorClassPrecondition, Code: ErrCodeNotOrphaned}) {
		t.Errorf("abandoning a queued operation should fail, got %v", err)
	}

	abandoned, err := reg.AbandonFor(ctx, 20, orphan.ID, "host rebooted")
	if err != nil {
		t.Fatalf("AbandonFor failed: %v", err)
	}
	if abandoned.Outcome != operation.OutcomeAbandoned || abandoned.Error != "host rebooted" {
		t.Errorf("unexpected abandoned record %+v", abandoned)
	}

	waitIdle(t, reg)
	got, _ := store.GetOperation(ctx, queued.ID)
	if got.Outcome != operation.OutcomeSucceeded {
		t.Errorf("queued operation should run after abandon, got outcome %q", got.Outcome)
	}
	if orphans, _ := reg.Orphans(ctx); len(orphans) != 0 {
		t.Errorf("expected no orphans, got %v", orphans)
	}
}

func TestRegistry_OrphansExcludesLiveOperation(t *testing.T) {
	reg, _, actions := setupTestRegistry(t)

	release := actions.hold(21)
	defer release()
	rec := submit(t, reg, 21, operation.KindDeploy)
	waitStarted(t, actions, rec.ID)

	orphans, err := reg.Orphans(context.Background())
	if err != nil {
		t.Fatalf("Orphans failed: %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("a running operation is not an orphan, got %v", orphans)
	}
}

func TestRegistry_CurrentForReportsOrphanAfterRestart(t *testing.T) {
	reg, store, _ := setupTestRegistry(t)
	ctx := context.Background()

	orphan := seedOrphan(t, store, 22)

	current, err := reg.CurrentFor(ctx, 22)
	if err != nil {
		t.Fatalf("CurrentFor failed: %v", err)
	}
	if current == nil || current.ID != orphan.ID {
		t.Fatalf("expected orphan %d as current, got %v", orphan.ID, current)
	}
	if reg.Len() != 0 {
		t.Errorf("CurrentFor must not create a queue, live queues %d", reg.Len())
	}

	if _, err := reg.AbandonFor(ctx, 22, orphan.ID, "host rebooted"); err != nil {
		t.Fatalf("AbandonFor failed: %v", err)
	}
	current, err = reg.CurrentFor(ctx, 22)
	if err != nil || current != nil {
		t.Errorf("expected no current operation after abandon, got %v (err %v)", current, err)
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	reg, _, actions := setupTestRegistry(t)

	submit(t, reg, 30, operation.KindTest)
	waitIdle(t, reg)

	release := actions.hold(31)
	running := submit(t, reg, 31, operation.KindTest)
	waitStarted(t, actions, running.ID)

	stale := reg.GetOrCreate(30)
	if n := reg.EvictIdle(0); n != 1 {
		t.Fatalf("expected 1 queue evicted, got %d", n)
	}
	if reg.Len() != 1 {
		t.Errorf("busy queue must survive eviction, live queues %d", reg.Len())
	}

	if err := stale.Enqueue(context.Background(), operation.New(30, operation.KindTest, nil)); !errors.Is(err, errQueueEvicted) {
		t.Errorf("evicted queue must refuse work, got %v", err)
	}

	again := submit(t, reg, 30, operation.KindTest)
	release()
	waitIdle(t, reg)

	got, _ := reg.Get(context.Background(), 30, again.ID)
	if got.Outcome != operation.OutcomeSucceeded {
		t.Errorf("submission after eviction should run, got outcome %q", got.Outcome)
	}
}

func TestRegistry_EvictIdleRespectsGrace(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)

	reg.GetOrCreate(40)
	if n := reg.EvictIdle(time.Hour); n != 0 {
		t.Errorf("fresh queue evicted before grace period, got %d", n)
	}
}

func TestRegistry_ShutdownLeavesQueuedForResume(t *testing.T) {
	store := NewMemoryStore()
	actions := newFakeActions()
	reg, err := NewRegistry(store, catalog.Uniform(actions))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	ctx := context.Background()

	release := actions.hold(50)
	first := submit(t, reg, 50, operation.KindDeploy)
	waitStarted(t, actions, first.ID)
	second := submit(t, reg, 50, operation.KindRunLoad)

	shutdownErr := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()
		shutdownErr <- reg.Shutdown(sctx)
	}()

	deadline := time.Now().Add(waitTimeout)
	for {
		err := reg.Submit(ctx, operation.New(50, operation.KindTest, nil))
		if errors.Is(err, &Error{Class: ErrorClassPrecondition, Code: ErrCodeShuttingDown}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("submissions still accepted during shutdown: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	release()
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got, _ := store.GetOperation(ctx, second.ID)
	if !got.IsQueued() {
		t.Fatalf("queued operation must not start during shutdown, status %s", got.Status())
	}

	next, err := NewRegistry(store, catalog.Uniform(actions))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	resumed, err := next.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if len(resumed) != 1 || resumed[0] != 50 {
		t.Errorf("expected resource 50 resumed, got %v", resumed)
	}
	waitIdle(t, next)

	got, _ = store.GetOperation(ctx, second.ID)
	if got.Outcome != operation.OutcomeSucceeded {
		t.Errorf("resumed operation outcome %q", got.Outcome)
	}
}

func TestRegistry_NoWorkerStartsAfterShutdown(t *testing.T) {
	store := NewMemoryStore()
	actions := newFakeActions()
	reg, err := NewRegistry(store, catalog.Uniform(actions))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	ctx := context.Background()

	// A caller that resolved its queue before shutdown.
	q := reg.GetOrCreate(55)
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	rec := operation.New(55, operation.KindTest, nil)
	if err := q.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if q.Running() || len(reg.Active()) != 0 {
		t.Fatalf("no worker may start after shutdown, active %v", reg.Active())
	}
	waitIdle(t, reg)

	got, _ := store.GetOperation(ctx, rec.ID)
	if !got.IsQueued() {
		t.Errorf("operation must stay queued for the next start, status %s", got.Status())
	}
	if len(actions.executed()) != 0 {
		t.Errorf("nothing may run after shutdown, ran %v", actions.executed())
	}
}

func TestWorkerGroup_RefusesAfterStop(t *testing.T) {
	g := newWorkerGroup()

	ran := make(chan struct{})
	if !g.Go(1, func(context.Context) { close(ran) }) {
		t.Fatal("Go refused before Stop")
	}
	<-ran
	g.Wait()

	g.Stop()
	if g.Go(2, func(context.Context) { t.Error("worker ran after Stop") }) {
		t.Fatal("Go accepted a worker after Stop")
	}
	if g.Count() != 0 {
		t.Errorf("expected no live workers, got %v", g.Active())
	}
	g.Wait()
}

func TestRegistry_GetChecksResource(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)

	rec := submit(t, reg, 60, operation.KindTest)
	waitIdle(t, reg)

	if _, err := reg.Get(context.Background(), 61, rec.ID); !IsNotFound(err) {
		t.Errorf("expected not found for another resource, got %v", err)
	}
	if _, err := reg.Get(context.Background(), 60, 9999); !IsNotFound(err) {
		t.Errorf("expected not found for unknown id, got %v", err)
	}
}
