package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/policy"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
	"github.com/cloudbench/cloudbench/pkg/stores"
)

// Scheduler is the read and cancel side of the scheduler registry.
type Scheduler interface {
	ScheduleFor(ctx context.Context, resourceID int64) ([]*operation.Record, error)
	CurrentFor(ctx context.Context, resourceID int64) (*operation.Record, error)
	CancelFor(ctx context.Context, resourceID, requestID int64) ([]*operation.Record, error)
	AbandonFor(ctx context.Context, resourceID, requestID int64, reason string) (*operation.Record, error)
	Get(ctx context.Context, resourceID, requestID int64) (*operation.Record, error)
	History(ctx context.Context, resourceID int64) ([]*operation.Record, error)
	Orphans(ctx context.Context) ([]*operation.Record, error)
	Len() int
	Active() []int64
}

// PolicyLister lists the admission policies.
type PolicyLister interface {
	ListPolicies() []policy.Policy
}

// EventLister reads the persisted event log.
type EventLister interface {
	ListEvents(ctx context.Context, filter stores.EventFilter) ([]*stores.Event, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the JSON HTTP surface of the deployment facade and the
// scheduler.
type Server struct {
	http.Handler

	service   *deployment.Service
	scheduler Scheduler
	policies  PolicyLister
	events    EventLister
	health    HealthChecker
	metrics   http.Handler
	logger    zerolog.Logger
	wrap      []mux.MiddlewareFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPolicies enables GET /policies.
func WithPolicies(p PolicyLister) Option {
	return func(s *Server) { s.policies = p }
}

// WithEvents enables GET /events.
func WithEvents(e EventLister) Option {
	return func(s *Server) { s.events = e }
}

// WithHealthCheck adds a dependency probed by GET /healthz.
func WithHealthCheck(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMiddleware runs mw around every routed request, after request
// logging.
func WithMiddleware(mw ...mux.MiddlewareFunc) Option {
	return func(s *Server) { s.wrap = append(s.wrap, mw...) }
}

// NewServer builds the router.
func NewServer(service *deployment.Service, sched Scheduler, opts ...Option) *Server {
	s := &Server{
		service:   service,
		scheduler: sched,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Use(s.wrap...)

	get := r.Methods(http.MethodGet).Subrouter()
	get.HandleFunc(`/healthz`, s.handleHealth)
	get.HandleFunc(`/deployments`, s.handleListDeployments)
	get.HandleFunc(`/deployments/{id:[0-9]+}`, s.handleGetDeployment)
	get.HandleFunc(`/deployments/{id:[0-9]+}/requests`, s.handlePending)
	get.HandleFunc(`/deployments/{id:[0-9]+}/requests/history`, s.handleHistory)
	get.HandleFunc(`/deployments/{id:[0-9]+}/requests/current`, s.handleCurrent)
	get.HandleFunc(`/deployments/{id:[0-9]+}/requests/{rid:[0-9]+}`, s.handleGetRequest)
	get.HandleFunc(`/nodes`, s.handleNodes)
	get.HandleFunc(`/orphans`, s.handleOrphans)
	get.HandleFunc(`/policies`, s.handlePolicies)
	get.HandleFunc(`/events`, s.handleEvents)
	if s.metrics != nil {
		get.Handle(`/metrics`, s.metrics)
	}

	post := r.Methods(http.MethodPost).Subrouter()
	post.HandleFunc(`/deployments`, s.handleReserve)
	post.HandleFunc(`/deployments/{id:[0-9]+}/requests`, s.handleRequest)
	post.HandleFunc(`/deployments/{id:[0-9]+}/requests/{rid:[0-9]+}/abandon`, s.handleAbandon)
	post.HandleFunc(`/deployments/{id:[0-9]+}/requests/{rid:[0-9]+}/repeat`, s.handleRepeat)

	del := r.Methods(http.MethodDelete).Subrouter()
	del.HandleFunc(`/deployments/{id:[0-9]+}/requests/{rid:[0-9]+}`, s.handleCancel)

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)

	s.Handler = r
	return s
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("API server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	w.length += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)

		ev := s.logger.Debug()
		if sw.status >= 500 {
			ev = s.logger.Error()
		}
		ev.Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", sw.status).
			Int("length", sw.length).
			Dur("took", time.Since(start)).
			Msg("Request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps classified scheduler errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var serr *scheduler.Error
	if errors.As(err, &serr) {
		resp.Error = serr.Message
		resp.Class = serr.Class
		resp.Code = serr.Code
		switch serr.Class {
		case scheduler.ErrorClassNotFound:
			status = http.StatusNotFound
		case scheduler.ErrorClassRejected, scheduler.ErrorClassPrecondition:
			status = http.StatusConflict
		}
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", req.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

func pathID(req *http.Request, name string) int64 {
	// The route patterns only admit digits.
	id, _ := strconv.ParseInt(mux.Vars(req)[name], 10, 64)
	return id
}

func (s *Server) writeAdmission(w http.ResponseWriter, a *deployment.Admission) {
	status := http.StatusAccepted
	if !a.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, admissionResponse(a))
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Queues: s.scheduler.Len(),
		Active: s.scheduler.Active(),
	}
	if resp.Active == nil {
		resp.Active = []int64{}
	}
	if s.health != nil {
		if err := s.health.HealthCheck(req.Context()); err != nil {
			resp.Status = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	ds, err := s.service.Deployments(req.Context())
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	if ds == nil {
		ds = []*deployment.Deployment{}
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := s.service.Deployment(req.Context(), pathID(req, "id"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReserve(w http.ResponseWriter, req *http.Request) {
	var r deployment.Reservation
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		badRequest(w, "invalid reservation: %v", err)
		return
	}
	a, err := s.service.Reserve(req.Context(), r)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeAdmission(w, a)
}

func (s *Server) handleRequest(w http.ResponseWriter, req *http.Request) {
	var body OperationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request: %v", err)
		return
	}
	kind, err := operation.ParseKind(string(body.Kind))
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	if kind == operation.KindReserve {
		badRequest(w, "reserve is requested with POST /deployments")
		return
	}

	a, err := s.service.Request(req.Context(), pathID(req, "id"), kind, body.Arguments)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeAdmission(w, a)
}

func (s *Server) handlePending(w http.ResponseWriter, req *http.Request) {
	id := pathID(req, "id")
	if _, err := s.service.Deployment(req.Context(), id); err != nil {
		s.writeError(w, req, err)
		return
	}
	recs, err := s.scheduler.ScheduleFor(req.Context(), id)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, views(recs))
}

func (s *Server) handleHistory(w http.ResponseWriter, req *http.Request) {
	id := pathID(req, "id")
	if _, err := s.service.Deployment(req.Context(), id); err != nil {
		s.writeError(w, req, err)
		return
	}
	recs, err := s.scheduler.History(req.Context(), id)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, views(recs))
}

func (s *Server) handleCurrent(w http.ResponseWriter, req *http.Request) {
	rec, err := s.scheduler.CurrentFor(req.Context(), pathID(req, "id"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

func (s *Server) handleGetRequest(w http.ResponseWriter, req *http.Request) {
	rec, err := s.scheduler.Get(req.Context(), pathID(req, "id"), pathID(req, "rid"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	removed, err := s.scheduler.CancelFor(req.Context(), pathID(req, "id"), pathID(req, "rid"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: views(removed)})
}

func (s *Server) handleAbandon(w http.ResponseWriter, req *http.Request) {
	var body AbandonRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			badRequest(w, "invalid request: %v", err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "abandoned by operator"
	}
	rec, err := s.scheduler.AbandonFor(req.Context(), pathID(req, "id"), pathID(req, "rid"), body.Reason)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

func (s *Server) handleRepeat(w http.ResponseWriter, req *http.Request) {
	a, err := s.service.RepeatExperiment(req.Context(), pathID(req, "id"), pathID(req, "rid"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	s.writeAdmission(w, a)
}

func (s *Server) handleNodes(w http.ResponseWriter, req *http.Request) {
	nodes, err := s.service.Nodes(req.Context())
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	if nodes == nil {
		nodes = []*deployment.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleOrphans(w http.ResponseWriter, req *http.Request) {
	recs, err := s.scheduler.Orphans(req.Context())
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, views(recs))
}

func (s *Server) handlePolicies(w http.ResponseWriter, req *http.Request) {
	if s.policies == nil {
		writeJSON(w, http.StatusOK, []policy.Policy{})
		return
	}
	writeJSON(w, http.StatusOK, s.policies.ListPolicies())
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "event log is not enabled"})
		return
	}

	q := req.URL.Query()
	var filter stores.EventFilter
	if v := q.Get("deployment"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "invalid deployment: %q", v)
			return
		}
		filter.DeploymentID = &id
	}
	if v := q.Get("level"); v != "" {
		level := stores.EventLevel(v)
		filter.Level = &level
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "invalid %s: %q", name, v)
			return
		}
		*dst = n
	}

	events, err := s.events.ListEvents(req.Context(), filter)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	if events == nil {
		events = []*stores.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleNotFound(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no such route: " + req.URL.Path})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: req.Method + " not allowed on " + req.URL.Path})
}
