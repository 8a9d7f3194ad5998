package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
	"github.com/cloudbench/cloudbench/pkg/stores"
)

// Event is a notable change in the life of an operation.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	DeploymentID int64  `json:"deployment_id,omitempty"`
	OperationID  int64  `json:"operation_id,omitempty"`
	Message      string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeOperationSubmitted = "operation.submitted"
	EventTypeOperationStarted   = "operation.started"
	EventTypeOperationFinished  = "operation.finished"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeOperationCancelled = "operation.cancelled"
	EventTypeOperationAbandoned = "operation.abandoned"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher buffers events and delivers them to subscribers in
// publication order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. In async mode it never
// blocks: a full buffer drops the event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in batches, flushing a partial
// batch every FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-tick:
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers the buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByDeployment creates a filter that only allows events of one
// deployment.
func FilterByDeployment(id int64) EventFilter {
	return func(event Event) bool {
		return event.DeploymentID == id
	}
}

// EventRecorder turns scheduler notifications into events.
type EventRecorder struct {
	publisher *EventPublisher
	logger    zerolog.Logger
}

// NewEventRecorder returns a scheduler.Observer publishing to p.
func NewEventRecorder(p *EventPublisher, logger zerolog.Logger) *EventRecorder {
	return &EventRecorder{publisher: p, logger: logger}
}

func (r *EventRecorder) publish(event Event) {
	event.Source = "scheduler"
	if err := r.publisher.Publish(event); err != nil {
		r.logger.Warn().Err(err).Str("type", event.Type).Msg("Event dropped")
	}
}

func operationEvent(rec *operation.Record, eventType, level, message string) Event {
	return Event{
		Type:         eventType,
		DeploymentID: rec.ResourceID,
		OperationID:  rec.ID,
		Level:        level,
		Message:      message,
		Data:         map[string]interface{}{"kind": string(rec.Kind)},
	}
}

// OperationSubmitted implements scheduler.Observer.
func (r *EventRecorder) OperationSubmitted(rec *operation.Record) {
	r.publish(operationEvent(rec, EventTypeOperationSubmitted, EventLevelInfo,
		fmt.Sprintf("%s of deployment %d queued", rec.Kind, rec.ResourceID)))
}

// OperationStarted implements scheduler.Observer.
func (r *EventRecorder) OperationStarted(rec *operation.Record, waited time.Duration) {
	e := operationEvent(rec, EventTypeOperationStarted, EventLevelInfo,
		fmt.Sprintf("%s of deployment %d started", rec.Kind, rec.ResourceID))
	e.Data["waited_seconds"] = waited.Seconds()
	r.publish(e)
}

// OperationFinished implements scheduler.Observer.
func (r *EventRecorder) OperationFinished(rec *operation.Record, took time.Duration) {
	e := operationEvent(rec, EventTypeOperationFinished, EventLevelInfo,
		fmt.Sprintf("%s of deployment %d %s", rec.Kind, rec.ResourceID, rec.Outcome))
	if rec.Outcome == operation.OutcomeFailed {
		e.Type = EventTypeOperationFailed
		e.Level = EventLevelError
		e.Data["error"] = rec.Error
	}
	e.Data["duration_seconds"] = took.Seconds()
	r.publish(e)
}

// OperationsCancelled implements scheduler.Observer.
func (r *EventRecorder) OperationsCancelled(resourceID int64, recs []*operation.Record) {
	for _, rec := range recs {
		r.publish(operationEvent(rec, EventTypeOperationCancelled, EventLevelWarning,
			fmt.Sprintf("%s of deployment %d cancelled", rec.Kind, resourceID)))
	}
}

// OperationAbandoned implements scheduler.Observer.
func (r *EventRecorder) OperationAbandoned(rec *operation.Record) {
	e := operationEvent(rec, EventTypeOperationAbandoned, EventLevelWarning,
		fmt.Sprintf("%s of deployment %d abandoned", rec.Kind, rec.ResourceID))
	e.Data["reason"] = rec.Error
	r.publish(e)
}

// WorkerStarted implements scheduler.Observer.
func (r *EventRecorder) WorkerStarted(int64) {}

// WorkerStopped implements scheduler.Observer.
func (r *EventRecorder) WorkerStopped(int64) {}

// QueuesChanged implements scheduler.Observer.
func (r *EventRecorder) QueuesChanged(int) {}

// EventAppender persists events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *stores.Event) error
}

// StoreSubscriber returns a subscriber writing every event to the store's
// event log.
func StoreSubscriber(store EventAppender, logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		row := &stores.Event{
			EventID:   event.ID,
			Type:      event.Type,
			Level:     stores.EventLevel(event.Level),
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if event.DeploymentID != 0 {
			id := event.DeploymentID
			row.DeploymentID = &id
		}
		if event.OperationID != 0 {
			id := event.OperationID
			row.OperationID = &id
		}
		if len(event.Data) > 0 {
			if data, err := json.Marshal(event.Data); err == nil {
				details := string(data)
				row.Details = &details
			}
		}

		if err := store.AppendEvent(context.Background(), row); err != nil {
			logger.Error().Err(err).Str("type", event.Type).Msg("Failed to persist event")
		}
	}
}

var _ scheduler.Observer = (*EventRecorder)(nil)
