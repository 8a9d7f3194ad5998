package scheduler

import (
	"time"

	"github.com/cloudbench/cloudbench/pkg/operation"
)

// Observer receives scheduler lifecycle notifications. Implementations must
// not block; they are called from worker goroutines, sometimes with a queue
// lock held.
type Observer interface {
	OperationSubmitted(rec *operation.Record)
	OperationStarted(rec *operation.Record, waited time.Duration)
	OperationFinished(rec *operation.Record, took time.Duration)
	OperationsCancelled(resourceID int64, recs []*operation.Record)
	OperationAbandoned(rec *operation.Record)
	WorkerStarted(resourceID int64)
	WorkerStopped(resourceID int64)
	QueuesChanged(live int)
}

type nopObserver struct{}

func (nopObserver) OperationSubmitted(*operation.Record) {}
func (nopObserver) OperationStarted(*operation.Record, time.Duration) {}
func (nopObserver) OperationFinished(*operation.Record, time.Duration) {}
func (nopObserver) OperationsCancelled(int64, []*operation.Record) {}
func (nopObserver) OperationAbandoned(*operation.Record) {}
func (nopObserver) WorkerStarted(int64) {}
func (nopObserver) WorkerStopped(int64) {}
func (nopObserver) QueuesChanged(int) {}

// MultiObserver fans notifications out to several observers.
type MultiObserver []Observer

func (m MultiObserver) OperationSubmitted(rec *operation.Record) {
	for _, o := range m {
		o.OperationSubmitted(rec)
	}
}

func (m MultiObserver) OperationStarted(rec *operation.Record, waited time.Duration) {
	for _, o := range m {
		o.OperationStarted(rec, waited)
	}
}

func (m MultiObserver) OperationFinished(rec *operation.Record, took time.Duration) {
	for _, o := range m {
		o.OperationFinished(rec, took)
	}
}

func (m MultiObserver) OperationsCancelled(resourceID int64, recs []*operation.Record) {
	for _, o := range m {
		o.OperationsCancelled(resourceID, recs)
	}
}

func (m MultiObserver) OperationAbandoned(rec *operation.Record) {
	for _, o := range m {
		o.OperationAbandoned(rec)
	}
}

func (m MultiObserver) WorkerStarted(resourceID int64) {
	for _, o := range m {
		o.WorkerStarted(resourceID)
	}
}

func (m MultiObserver) WorkerStopped(resourceID int64) {
	for _, o := range m {
		o.WorkerStopped(resourceID)
	}
}

func (m MultiObserver) QueuesChanged(live int) {
	for _, o := range m {
		o.QueuesChanged(live)
	}
}
