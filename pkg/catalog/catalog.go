// Package catalog maps operation kinds to the actions that perform them.
//
// A Catalog is validated when it is built: every kind of the closed
// enumeration must have exactly one action. Dispatching a record whose kind
// is absent therefore indicates a wiring defect rather than a user error.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cloudbench/cloudbench/pkg/operation"
)

// ErrUnknownKind is returned by Dispatch for a kind with no registered action.
var ErrUnknownKind = errors.New("unknown operation kind")

// Action performs the external side effect for one operation record.
// Returning an error marks the record failed; it never halts the queue.
type Action interface {
	Run(ctx context.Context, rec *operation.Record) error
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, rec *operation.Record) error

// Run calls f.
func (f ActionFunc) Run(ctx context.Context, rec *operation.Record) error {
	return f(ctx, rec)
}

// PanicError wraps a value recovered from a panicking action.
type PanicError struct {
	Kind  operation.Kind
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("action %s panicked: %v", e.Kind, e.Value)
}

// Catalog is an immutable dispatch table.
type Catalog struct {
	actions map[operation.Kind]Action
}

// New builds a catalog from actions. It fails if a kind is missing, if a
// key is not a known kind, or if an action is nil.
func New(actions map[operation.Kind]Action) (*Catalog, error) {
	table := make(map[operation.Kind]Action, len(actions))

	for kind, action := range actions {
		if !kind.Valid() {
			return nil, fmt.Errorf("catalog: %w: %q", ErrUnknownKind, kind)
		}
		if action == nil {
			return nil, fmt.Errorf("catalog: nil action for kind %q", kind)
		}
		table[kind] = action
	}

	var missing []string
	for _, kind := range operation.Kinds() {
		if _, ok := table[kind]; !ok {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("catalog: no action registered for kinds %v", missing)
	}

	return &Catalog{actions: table}, nil
}

// MustNew is like New but panics on error.
func MustNew(actions map[operation.Kind]Action) *Catalog {
	c, err := New(actions)
	if err != nil {
		panic(err)
	}
	return c
}

// Uniform builds a catalog that routes every kind to the same action.
func Uniform(action Action) *Catalog {
	actions := make(map[operation.Kind]Action)
	for _, kind := range operation.Kinds() {
		actions[kind] = action
	}
	return MustNew(actions)
}

// Lookup returns the action registered for kind.
func (c *Catalog) Lookup(kind operation.Kind) (Action, bool) {
	a, ok := c.actions[kind]
	return a, ok
}

// Dispatch runs the action registered for rec.Kind. A panic inside the
// action is recovered and returned as a *PanicError.
func (c *Catalog) Dispatch(ctx context.Context, rec *operation.Record) (err error) {
	action, ok := c.actions[rec.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Kind: rec.Kind, Value: r}
		}
	}()

	return action.Run(ctx, rec)
}
