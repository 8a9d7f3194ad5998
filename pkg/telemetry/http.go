package telemetry

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// HTTPMiddleware opens a span per request, continuing a trace passed in
// the traceparent header, and puts a logger carrying the trace id in the
// request context. Server errors mark the span as failed.
func (t *Telemetry) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = t.WithContext(ctx)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		ic := StartOperation(ctx, r.Method+" "+route, AttrHTTPMethod.String(r.Method), AttrHTTPRoute.String(route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ic.Ctx))

		ic.Span.SetAttributes(AttrHTTPStatus.Int(rec.status))
		var err error
		if rec.status >= http.StatusInternalServerError {
			err = fmt.Errorf("%s %s answered %d", r.Method, route, rec.status)
		}
		ic.End(err)
	})
}
