// Package telemetry provides observability for the cloudbench service.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an event publisher whose events
// are persisted to the store's event log.
//
// # Usage
//
// Initialize telemetry at startup and hand its pieces to the scheduler and
// the deployment facade:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.PersistEvents(store)
//	tel.StartMetricsServer()
//
//	registry, err := scheduler.NewRegistry(store, cat,
//	    scheduler.WithLogger(tel.Logger.NewComponentLogger("scheduler").Zerolog()),
//	    scheduler.WithObserver(tel.Observer()),
//	    scheduler.WithTracer(tel.Tracer.Tracer()),
//	)
//
// # Tracing
//
// The scheduler opens a span per dispatched operation and the facade one per
// admission. HTTPMiddleware wraps the API so each request gets a span, joined
// to the caller's trace when a traceparent header is present.
//
// # Metrics
//
// Metrics implements scheduler.Observer and deployment.Observer. It counts
// submitted, started, finished, cancelled and abandoned operations by kind,
// observes queue wait and action duration, and tracks live queues and
// active workers. Admission decisions are counted by kind and decision.
//
// # Events
//
// EventRecorder turns scheduler notifications into events. With EnableAsync
// the publisher never blocks the caller, which matters because the
// scheduler notifies observers while holding a queue lock; a full buffer
// drops the event and logs a warning.
package telemetry
