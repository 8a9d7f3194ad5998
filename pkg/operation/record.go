package operation

import (
	"errors"
	"sort"
	"time"
)

// Outcome is the terminal result of a finished record.
type Outcome string

const (
	// OutcomeNone is the outcome of a record that has not finished.
	OutcomeNone Outcome = ""

	// OutcomeSucceeded means the action returned without error.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means the action returned an error or panicked.
	OutcomeFailed Outcome = "failed"

	// OutcomeAbandoned means an operator closed an orphaned record that
	// was started by a process that no longer runs it.
	OutcomeAbandoned Outcome = "abandoned"
)

// Status is the lifecycle position derived from the timestamps.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

var (
	// ErrAlreadyStarted is returned when StartedAt would be overwritten.
	ErrAlreadyStarted = errors.New("operation already started")

	// ErrAlreadyFinished is returned when FinishedAt would be overwritten.
	ErrAlreadyFinished = errors.New("operation already finished")

	// ErrNotStarted is returned when finishing a record that never started.
	ErrNotStarted = errors.New("operation not started")

	// ErrNotFound is wrapped by stores when a record does not exist.
	ErrNotFound = errors.New("operation not found")
)

// Arguments is the opaque payload interpreted only by the catalog action
// registered for the record's kind.
type Arguments map[string]string

// Record is one requested action against a resource.
type Record struct {
	// ID is assigned by the store on first save. It breaks ties between
	// records that share a submission timestamp.
	ID int64 `json:"id"`

	// ResourceID is the owning deployment. Immutable after creation.
	ResourceID int64 `json:"resource_id"`

	// Kind selects the catalog action.
	Kind Kind `json:"kind"`

	// SubmittedAt defines FIFO order together with ID.
	SubmittedAt time.Time `json:"submitted_at"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Arguments Arguments `json:"arguments,omitempty"`

	Outcome Outcome `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// New builds a queued record submitted now.
func New(resourceID int64, kind Kind, args Arguments) *Record {
	if args == nil {
		args = Arguments{}
	}
	return &Record{
		ResourceID:  resourceID,
		Kind:        kind,
		SubmittedAt: time.Now().UTC(),
		Arguments:   args,
	}
}

// Status derives the lifecycle position from the timestamps.
func (r *Record) Status() Status {
	switch {
	case r.FinishedAt != nil:
		return StatusFinished
	case r.StartedAt != nil:
		return StatusRunning
	default:
		return StatusQueued
	}
}

// IsQueued reports whether the record has not started yet.
func (r *Record) IsQueued() bool {
	return r.StartedAt == nil && r.FinishedAt == nil
}

// IsRunning reports whether the record started but has not finished.
func (r *Record) IsRunning() bool {
	return r.StartedAt != nil && r.FinishedAt == nil
}

// IsDone reports whether the record finished, whatever the outcome.
func (r *Record) IsDone() bool {
	return r.FinishedAt != nil
}

// MarkStarted sets StartedAt. It never overwrites an existing value.
func (r *Record) MarkStarted(at time.Time) error {
	if r.StartedAt != nil {
		return ErrAlreadyStarted
	}
	at = at.UTC()
	r.StartedAt = &at
	return nil
}

// MarkFinished sets FinishedAt and the outcome derived from actionErr.
// FinishedAt is never earlier than StartedAt.
func (r *Record) MarkFinished(at time.Time, actionErr error) error {
	if r.StartedAt == nil {
		return ErrNotStarted
	}
	if r.FinishedAt != nil {
		return ErrAlreadyFinished
	}
	at = at.UTC()
	if at.Before(*r.StartedAt) {
		at = *r.StartedAt
	}
	r.FinishedAt = &at
	if actionErr != nil {
		r.Outcome = OutcomeFailed
		r.Error = actionErr.Error()
	} else {
		r.Outcome = OutcomeSucceeded
		r.Error = ""
	}
	return nil
}

// Abandon closes a running record whose worker is gone.
func (r *Record) Abandon(at time.Time, reason string) error {
	if err := r.MarkFinished(at, nil); err != nil {
		return err
	}
	r.Outcome = OutcomeAbandoned
	r.Error = reason
	return nil
}

// TaskName names the artifacts produced by this record's action. It is
// derived from StartedAt and is empty for queued records.
func (r *Record) TaskName() string {
	if r.StartedAt == nil {
		return ""
	}
	return r.StartedAt.UTC().Format(TaskNameLayout)
}

// Before reports whether r precedes o in submission order.
func (r *Record) Before(o *Record) bool {
	if !r.SubmittedAt.Equal(o.SubmittedAt) {
		return r.SubmittedAt.Before(o.SubmittedAt)
	}
	return r.ID < o.ID
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.Arguments != nil {
		c.Arguments = make(Arguments, len(r.Arguments))
		for k, v := range r.Arguments {
			c.Arguments[k] = v
		}
	}
	return &c
}

// SortFIFO orders records by SubmittedAt ascending, ties broken by ID.
func SortFIFO(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Before(records[j])
	})
}
