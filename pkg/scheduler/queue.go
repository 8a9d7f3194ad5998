package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudbench/cloudbench/pkg/catalog"
	"github.com/cloudbench/cloudbench/pkg/operation"
)

// errQueueEvicted is returned by a queue that was evicted from the registry
// after its last check. The registry retries with a fresh queue.
var errQueueEvicted = errors.New("queue evicted")

// submissionStep separates two submissions on the same queue that would
// otherwise share a timestamp.
const submissionStep = time.Microsecond

// Queue is the FIFO of operation records for one resource. At most one
// worker goroutine runs its records at a time.
//
// mu guards running, current and the pending records in the store: the
// worker loads, picks and marks started under mu, and clears running under
// the same critical section in which it observed an empty queue, so an
// Enqueue can never land between that check and the flag reset.
type Queue struct {
	resourceID int64
	store      Store
	catalog    *catalog.Catalog
	workers    *workerGroup
	opts       *options
	log        zerolog.Logger

	mu         sync.Mutex
	running    bool
	current    int64
	lastSubmit time.Time
	idleSince  time.Time
	evicted    bool
}

func newQueue(resourceID int64, store Store, cat *catalog.Catalog, workers *workerGroup, opts *options) *Queue {
	return &Queue{
		resourceID: resourceID,
		store:      store,
		catalog:    cat,
		workers:    workers,
		opts:       opts,
		log:        opts.logger.With().Int64("deployment_id", resourceID).Logger(),
		idleSince:  opts.now(),
	}
}

// ResourceID returns the resource this queue serves.
func (q *Queue) ResourceID() int64 {
	return q.resourceID
}

// Running reports whether a worker is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Enqueue persists rec as queued and starts the worker if none is running.
// rec must be new: no id, no timestamps beyond SubmittedAt.
func (q *Queue) Enqueue(ctx context.Context, rec *operation.Record) error {
	if rec.ResourceID != q.resourceID {
		return NewPreconditionError("operation belongs to another resource", nil).
			WithResource(q.resourceID).
			WithCode(ErrCodeWrongResource).
			WithDetail("record_resource_id", rec.ResourceID)
	}
	if rec.ID != 0 || !rec.IsQueued() {
		return NewPreconditionError("only new operations can be enqueued", nil).
			WithResource(q.resourceID).
			WithOperation(rec.ID).
			WithCode(ErrCodeInvalidRecord)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.evicted {
		return errQueueEvicted
	}

	if q.lastSubmit.IsZero() {
		if err := q.seedLastSubmitLocked(ctx); err != nil {
			return err
		}
	}

	rec.SubmittedAt = q.nextSubmissionLocked(rec.SubmittedAt)
	if err := q.store.SaveOperation(ctx, rec); err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	q.lastSubmit = rec.SubmittedAt

	q.log.Info().
		Int64("operation_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Msg("Operation queued")
	q.opts.observer.OperationSubmitted(rec)

	q.ensureRunningLocked()
	return nil
}

// Pending returns queued and running records in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]*operation.Record, error) {
	recs, err := q.store.LoadPending(ctx, q.resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	return recs, nil
}

// Current returns the started but unfinished record of the resource, or
// nil. A record left started by a previous process is returned until it is
// abandoned.
func (q *Queue) Current(ctx context.Context) (*operation.Record, error) {
	rec, err := q.store.LoadActive(ctx, q.resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load current operation: %w", err)
	}
	return rec, nil
}

// Cancel removes the named record and every record submitted after it. The
// named record must not have started. The removed records are returned in
// FIFO order.
func (q *Queue) Cancel(ctx context.Context, requestID int64) ([]*operation.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.evicted {
		return nil, errQueueEvicted
	}

	pending, err := q.store.LoadPending(ctx, q.resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}

	idx := -1
	for i, rec := range pending {
		if rec.ID == requestID {
			idx = i
			break
		}
	}

	if idx < 0 {
		if _, err := q.lookupLocked(ctx, requestID); err != nil {
			return nil, err
		}
		return nil, NewPreconditionError("operation already finished", nil).
			WithResource(q.resourceID).
			WithOperation(requestID).
			WithCode(ErrCodeOperationActive)
	}

	tail := pending[idx:]
	ids := make([]int64, 0, len(tail))
	for _, rec := range tail {
		if !rec.IsQueued() {
			return nil, NewPreconditionError("operation already started", nil).
				WithResource(q.resourceID).
				WithOperation(rec.ID).
				WithCode(ErrCodeOperationActive)
		}
		ids = append(ids, rec.ID)
	}

	if err := q.store.DeleteOperations(ctx, q.resourceID, ids); err != nil {
		return nil, fmt.Errorf("failed to delete operations: %w", err)
	}

	q.log.Info().
		Int64("operation_id", requestID).
		Int("cancelled", len(tail)).
		Msg("Operations cancelled")
	q.opts.observer.OperationsCancelled(q.resourceID, tail)

	return tail, nil
}

// Abandon closes an orphaned record: one that started but is not being run
// by this process. The queue resumes afterwards.
func (q *Queue) Abandon(ctx context.Context, requestID int64, reason string) (*operation.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.evicted {
		return nil, errQueueEvicted
	}

	rec, err := q.lookupLocked(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !rec.IsRunning() || rec.ID == q.current {
		return nil, NewPreconditionError("operation is not orphaned", nil).
			WithResource(q.resourceID).
			WithOperation(requestID).
			WithCode(ErrCodeNotOrphaned).
			WithDetail("status", string(rec.Status()))
	}

	if reason == "" {
		reason = "abandoned by operator"
	}
	if err := rec.Abandon(q.opts.now(), reason); err != nil {
		return nil, NewPreconditionError("cannot abandon operation", err).
			WithResource(q.resourceID).
			WithOperation(requestID).
			WithCode(ErrCodeInvalidState)
	}
	if err := q.store.SaveOperation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save abandoned operation: %w", err)
	}

	q.log.Warn().
		Int64("operation_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Str("reason", reason).
		Msg("Orphaned operation abandoned")
	q.opts.observer.OperationAbandoned(rec)

	q.ensureRunningLocked()
	return rec, nil
}

// Kick starts the worker if records are waiting and none is running.
func (q *Queue) Kick() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.evicted {
		return errQueueEvicted
	}
	q.ensureRunningLocked()
	return nil
}

func (q *Queue) currentID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// tryEvict marks the queue evicted if it has been idle for at least grace.
func (q *Queue) tryEvict(grace time.Duration, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running || q.evicted {
		return false
	}
	if now.Sub(q.idleSince) < grace {
		return false
	}
	q.evicted = true
	return true
}

func (q *Queue) lookupLocked(ctx context.Context, requestID int64) (*operation.Record, error) {
	rec, err := q.store.GetOperation(ctx, requestID)
	if errors.Is(err, operation.ErrNotFound) || (err == nil && rec.ResourceID != q.resourceID) {
		return nil, NewNotFoundError("operation not found", err).
			WithResource(q.resourceID).
			WithOperation(requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation %d: %w", requestID, err)
	}
	return rec, nil
}

func (q *Queue) seedLastSubmitLocked(ctx context.Context) error {
	pending, err := q.store.LoadPending(ctx, q.resourceID)
	if err != nil {
		return fmt.Errorf("failed to load pending operations: %w", err)
	}
	if n := len(pending); n > 0 {
		q.lastSubmit = pending[n-1].SubmittedAt
	}
	return nil
}

func (q *Queue) nextSubmissionLocked(requested time.Time) time.Time {
	at := requested.UTC()
	if at.IsZero() {
		at = q.opts.now()
	}
	if !at.After(q.lastSubmit) {
		at = q.lastSubmit.Add(submissionStep)
	}
	return at
}

func (q *Queue) ensureRunningLocked() {
	if q.running {
		return
	}
	if !q.workers.Go(q.resourceID, q.run) {
		q.log.Info().Msg("Shutting down, queued operations left for the next start")
		return
	}
	q.running = true
	q.opts.observer.WorkerStarted(q.resourceID)
}

func (q *Queue) stopLocked() {
	q.running = false
	q.current = 0
	q.idleSince = q.opts.now()
}

// run is the worker loop. It exits once next observes nothing to start.
func (q *Queue) run(ctx context.Context) {
	q.log.Debug().Msg("Worker started")
	defer func() {
		q.opts.observer.WorkerStopped(q.resourceID)
		q.log.Debug().Msg("Worker stopped")
	}()

	for {
		rec := q.next(ctx)
		if rec == nil {
			return
		}
		q.execute(ctx, rec)
	}
}

// next picks the oldest record and marks it started, or clears the running
// flag and returns nil when there is nothing it may start.
func (q *Queue) next(ctx context.Context) *operation.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.workers.Stopping() {
		q.log.Info().Msg("Shutting down, queued operations left for the next start")
		q.stopLocked()
		return nil
	}

	pending, err := q.store.LoadPending(ctx, q.resourceID)
	if err != nil {
		q.log.Error().Err(err).Msg("Failed to load pending operations, worker stopping")
		q.stopLocked()
		return nil
	}
	if len(pending) == 0 {
		q.stopLocked()
		return nil
	}

	head := pending[0]
	if head.StartedAt != nil {
		// Started by a previous process and never finished.
		q.log.Warn().
			Int64("operation_id", head.ID).
			Str("kind", string(head.Kind)).
			Int("waiting", len(pending)-1).
			Msg("Queue blocked by orphaned operation, abandon it to resume")
		q.stopLocked()
		return nil
	}

	if err := head.MarkStarted(q.opts.now()); err != nil {
		q.log.Error().Err(err).Int64("operation_id", head.ID).Msg("Failed to mark operation started")
		q.stopLocked()
		return nil
	}
	if err := q.store.SaveOperation(ctx, head); err != nil {
		q.log.Error().Err(err).Int64("operation_id", head.ID).Msg("Failed to save started operation, worker stopping")
		q.stopLocked()
		return nil
	}

	q.current = head.ID
	q.opts.observer.OperationStarted(head, head.StartedAt.Sub(head.SubmittedAt))
	return head
}

// execute dispatches rec without holding mu and then records the outcome.
func (q *Queue) execute(ctx context.Context, rec *operation.Record) {
	log := q.log.With().
		Int64("operation_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Logger()

	ctx, span := q.opts.tracer.Start(ctx, "operation."+string(rec.Kind),
		trace.WithAttributes(
			attribute.Int64("deployment.id", rec.ResourceID),
			attribute.Int64("operation.id", rec.ID),
			attribute.String("operation.kind", string(rec.Kind)),
		),
	)
	defer span.End()

	log.Info().Str("task", rec.TaskName()).Msg("Operation started")

	err := q.catalog.Dispatch(ctx, rec)
	switch {
	case errors.Is(err, catalog.ErrUnknownKind):
		err = NewFatalError("catalog wiring defect", err).
			WithResource(rec.ResourceID).
			WithOperation(rec.ID).
			WithCode(ErrCodeUnknownKind)
		log.Error().Err(err).Msg("Catalog wiring defect")
	case err != nil:
		err = NewActionError(string(rec.Kind)+" failed", err).
			WithResource(rec.ResourceID).
			WithOperation(rec.ID)
		log.Warn().Err(err).Msg("Operation failed")
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	q.finish(context.WithoutCancel(ctx), rec, err, log)
}

func (q *Queue) finish(ctx context.Context, rec *operation.Record, actionErr error, log zerolog.Logger) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.current = 0

	if err := rec.MarkFinished(q.opts.now(), actionErr); err != nil {
		log.Error().Err(err).Msg("Failed to mark operation finished")
		return
	}
	if err := q.store.SaveOperation(ctx, rec); err != nil {
		// The record stays started in the store and blocks the queue as
		// an orphan until an operator abandons it.
		log.Error().Err(err).Msg("Failed to save finished operation")
		return
	}

	took := rec.FinishedAt.Sub(*rec.StartedAt)
	log.Info().
		Str("outcome", string(rec.Outcome)).
		Dur("took", took).
		Msg("Operation finished")
	q.opts.observer.OperationFinished(rec, took)
}
