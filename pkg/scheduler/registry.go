package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudbench/cloudbench/pkg/catalog"
	"github.com/cloudbench/cloudbench/pkg/operation"
)

// Registry is the process-wide directory of resource queues and the entry
// point for client code. Construct one at startup and share it.
//
// mu guards only the map. It is never held while a queue lock is taken,
// except by EvictIdle, which always locks registry before queue.
type Registry struct {
	store   Store
	catalog *catalog.Catalog
	workers *workerGroup
	opts    options

	mu     sync.Mutex
	queues map[int64]*Queue
	closed bool
}

// NewRegistry creates a registry backed by store that dispatches through cat.
func NewRegistry(store Store, cat *catalog.Catalog, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if cat == nil {
		return nil, errors.New("scheduler: catalog is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Registry{
		store:   store,
		catalog: cat,
		workers: newWorkerGroup(),
		opts:    o,
		queues:  make(map[int64]*Queue),
	}, nil
}

// GetOrCreate returns the queue for resourceID, creating it if needed.
func (r *Registry) GetOrCreate(resourceID int64) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(resourceID)
}

func (r *Registry) getOrCreateLocked(resourceID int64) *Queue {
	if q, ok := r.queues[resourceID]; ok {
		return q
	}
	q := newQueue(resourceID, r.store, r.catalog, r.workers, &r.opts)
	r.queues[resourceID] = q
	r.opts.observer.QueuesChanged(len(r.queues))
	return q
}

func (r *Registry) lookup(resourceID int64) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[resourceID]
	return q, ok
}

// withQueue runs fn against the live queue for resourceID, retrying when
// the queue it got was evicted concurrently.
func (r *Registry) withQueue(resourceID int64, fn func(q *Queue) error) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return NewPreconditionError("scheduler is shutting down", nil).
				WithResource(resourceID).
				WithCode(ErrCodeShuttingDown)
		}
		q := r.getOrCreateLocked(resourceID)
		r.mu.Unlock()

		err := fn(q)
		if errors.Is(err, errQueueEvicted) {
			continue
		}
		return err
	}
}

// Submit persists rec and hands it to its resource's queue.
func (r *Registry) Submit(ctx context.Context, rec *operation.Record) error {
	if rec == nil {
		return NewPreconditionError("nil operation", nil).WithCode(ErrCodeInvalidRecord)
	}
	if _, ok := r.catalog.Lookup(rec.Kind); !ok {
		return NewFatalError("no action registered for operation kind", catalog.ErrUnknownKind).
			WithResource(rec.ResourceID).
			WithCode(ErrCodeUnknownKind).
			WithDetail("kind", string(rec.Kind))
	}

	return r.withQueue(rec.ResourceID, func(q *Queue) error {
		return q.Enqueue(ctx, rec)
	})
}

// ScheduleFor returns the queued and running records of resourceID.
func (r *Registry) ScheduleFor(ctx context.Context, resourceID int64) ([]*operation.Record, error) {
	if q, ok := r.lookup(resourceID); ok {
		return q.Pending(ctx)
	}
	recs, err := r.store.LoadPending(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	return recs, nil
}

// CurrentFor returns the started but unfinished record of resourceID, or
// nil. It does not create a queue.
func (r *Registry) CurrentFor(ctx context.Context, resourceID int64) (*operation.Record, error) {
	if q, ok := r.lookup(resourceID); ok {
		return q.Current(ctx)
	}
	rec, err := r.store.LoadActive(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load current operation: %w", err)
	}
	return rec, nil
}

// CancelFor tail-cancels requestID on resourceID's queue.
func (r *Registry) CancelFor(ctx context.Context, resourceID, requestID int64) ([]*operation.Record, error) {
	var removed []*operation.Record
	err := r.withQueue(resourceID, func(q *Queue) error {
		var err error
		removed, err = q.Cancel(ctx, requestID)
		return err
	})
	return removed, err
}

// AbandonFor closes an orphaned record of resourceID.
func (r *Registry) AbandonFor(ctx context.Context, resourceID, requestID int64, reason string) (*operation.Record, error) {
	var rec *operation.Record
	err := r.withQueue(resourceID, func(q *Queue) error {
		var err error
		rec, err = q.Abandon(ctx, requestID, reason)
		return err
	})
	return rec, err
}

// Get returns any record of resourceID, finished or not.
func (r *Registry) Get(ctx context.Context, resourceID, requestID int64) (*operation.Record, error) {
	rec, err := r.store.GetOperation(ctx, requestID)
	if errors.Is(err, operation.ErrNotFound) || (err == nil && rec.ResourceID != resourceID) {
		return nil, NewNotFoundError("operation not found", err).
			WithResource(resourceID).
			WithOperation(requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	return rec, nil
}

// History returns every record of resourceID in FIFO order.
func (r *Registry) History(ctx context.Context, resourceID int64) ([]*operation.Record, error) {
	recs, err := r.store.ListOperations(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return recs, nil
}

// Orphans returns records that started but are not run by any live worker.
func (r *Registry) Orphans(ctx context.Context) ([]*operation.Record, error) {
	recs, err := r.store.ListOrphaned(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned operations: %w", err)
	}

	out := recs[:0]
	for _, rec := range recs {
		if q, ok := r.lookup(rec.ResourceID); ok && q.currentID() == rec.ID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Resume starts workers for every resource that has never-started records,
// typically once at boot. It returns the resources it kicked.
func (r *Registry) Resume(ctx context.Context) ([]int64, error) {
	ids, err := r.store.PendingResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources with queued operations: %w", err)
	}

	for _, id := range ids {
		if err := r.withQueue(id, func(q *Queue) error { return q.Kick() }); err != nil {
			return nil, err
		}
		r.opts.logger.Info().Int64("deployment_id", id).Msg("Resumed queued operations")
	}
	return ids, nil
}

// EvictIdle drops queues that have had no worker for at least grace. It
// returns the number of queues removed.
func (r *Registry) EvictIdle(grace time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.now()
	evicted := 0
	for id, q := range r.queues {
		if q.tryEvict(grace, now) {
			delete(r.queues, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.opts.logger.Debug().Int("evicted", evicted).Int("live", len(r.queues)).Msg("Evicted idle queues")
		r.opts.observer.QueuesChanged(len(r.queues))
	}
	return evicted
}

// Len returns the number of live queues.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Resources returns the ids with a live queue, sorted.
func (r *Registry) Resources() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Active returns the resources with a running worker.
func (r *Registry) Active() []int64 {
	return r.workers.Active()
}

// Wait blocks until every worker has gone idle.
func (r *Registry) Wait() {
	r.workers.Wait()
}

// Shutdown refuses new work, lets each worker finish the operation in hand
// and waits for them. Queued records stay in the store for Resume. If ctx
// ends first, the context passed to running actions is cancelled.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.workers.Stop()

	r.opts.logger.Info().Ints64("active", r.workers.Active()).Msg("Scheduler shutting down")

	if err := r.workers.WaitContext(ctx); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}
