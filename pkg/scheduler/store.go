package scheduler

import (
	"context"

	"github.com/cloudbench/cloudbench/pkg/operation"
)

// Store is the durable store of operation records. Implementations
// serialize their own writes. Lookups of a missing record return an error
// wrapping operation.ErrNotFound.
type Store interface {
	// SaveOperation inserts rec when rec.ID is zero, assigning the id, and
	// updates it otherwise.
	SaveOperation(ctx context.Context, rec *operation.Record) error

	// GetOperation loads one record by id.
	GetOperation(ctx context.Context, id int64) (*operation.Record, error)

	// LoadPending returns the unfinished records of a resource in FIFO order.
	LoadPending(ctx context.Context, resourceID int64) ([]*operation.Record, error)

	// LoadActive returns the started but unfinished record of a resource,
	// or nil if there is none.
	LoadActive(ctx context.Context, resourceID int64) (*operation.Record, error)

	// DeleteOperations removes the given records of a resource atomically.
	DeleteOperations(ctx context.Context, resourceID int64, ids []int64) error

	// ListOperations returns every record of a resource in FIFO order.
	ListOperations(ctx context.Context, resourceID int64) ([]*operation.Record, error)

	// ListOrphaned returns started but unfinished records of all resources.
	ListOrphaned(ctx context.Context) ([]*operation.Record, error)

	// PendingResources returns the ids of resources with never-started records.
	PendingResources(ctx context.Context) ([]int64, error)
}
