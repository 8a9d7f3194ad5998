package scheduler

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
}

func defaultOptions() options {
	return options{
		logger:   zerolog.Nop(),
		observer: nopObserver{},
		tracer:   noop.NewTracerProvider().Tracer("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the logger. Queues derive child loggers from it.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver sets the lifecycle observer.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithTracer sets the tracer used for one span per dispatched operation.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = func() time.Time { return now().UTC() }
		}
	}
}
