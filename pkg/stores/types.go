package stores

import (
	"context"
	"time"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is an entry of the append-only deployment event log.
type Event struct {
	ID           int64      `json:"id"`
	EventID      string     `json:"event_id"`
	DeploymentID *int64     `json:"deployment_id,omitempty"`
	OperationID  *int64     `json:"operation_id,omitempty"`
	Type         string     `json:"type"`
	Level        EventLevel `json:"level"`
	Message      string     `json:"message"`
	Details      *string    `json:"details,omitempty"` // JSON blob
	Timestamp    time.Time  `json:"timestamp"`
}

// EventFilter narrows ListEvents. Nil fields match everything.
type EventFilter struct {
	DeploymentID *int64
	OperationID  *int64
	Level        *EventLevel
	Limit        int
	Offset       int
}

// Store is the full persistence surface of the service.
type Store interface {
	scheduler.Store
	deployment.Store

	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
