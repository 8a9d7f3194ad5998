package deployment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/policy"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
)

// Scheduler accepts operation records for execution.
type Scheduler interface {
	Submit(ctx context.Context, rec *operation.Record) error
	Get(ctx context.Context, resourceID, requestID int64) (*operation.Record, error)
}

// Admitter decides whether a request may be queued.
type Admitter interface {
	Admit(ctx context.Context, input policy.AdmissionInput) (*policy.Decision, error)
}

// Observer is told about every admission decision.
type Observer interface {
	AdmissionDecided(kind operation.Kind, accepted bool)
}

// Admission is the synchronous answer to an intention. A rejected
// admission created no record.
type Admission struct {
	Accepted   bool              `json:"accepted"`
	Message    string            `json:"message"`
	Warnings   []string          `json:"warnings,omitempty"`
	Operation  *operation.Record `json:"-"`
	Deployment *Deployment       `json:"deployment,omitempty"`
}

// Err returns a rejected-class error for a rejected admission, or nil.
func (a *Admission) Err() error {
	if a.Accepted {
		return nil
	}
	err := scheduler.NewRejectedError(a.Message, nil)
	if a.Deployment != nil {
		err = err.WithResource(a.Deployment.ID)
	}
	return err
}

// Service is the deployment facade: it checks a deployment's state through
// the admission policies and hands accepted requests to the scheduler.
type Service struct {
	store     Store
	scheduler Scheduler
	policies  Admitter
	validate  *validator.Validate
	logger    zerolog.Logger
	observer  Observer
	tracer    trace.Tracer
	source    string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithObserver sets the admission observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithTracer sets the tracer used for admission spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithSource names the caller in policy input, e.g. "api" or "cli".
func WithSource(source string) Option {
	return func(s *Service) { s.source = source }
}

// NewValidator returns a validator with the deployment rules registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("load_duration", validateLoadDuration)
	return v
}

// NewService creates the facade.
func NewService(store Store, sched Scheduler, policies Admitter, opts ...Option) *Service {
	s := &Service{
		store:     store,
		scheduler: sched,
		policies:  policies,
		validate:  NewValidator(),
		logger:    zerolog.Nop(),
		tracer:    noop.NewTracerProvider().Tracer("deployment"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "deployment").Logger()
	return s
}

// Deployment returns a deployment by id.
func (s *Service) Deployment(ctx context.Context, id int64) (*Deployment, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, scheduler.NewNotFoundError("deployment not found", err).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	return d, nil
}

// Deployments lists every deployment.
func (s *Service) Deployments(ctx context.Context) ([]*Deployment, error) {
	return s.store.ListDeployments(ctx)
}

// Nodes lists the node inventory.
func (s *Service) Nodes(ctx context.Context) ([]*Node, error) {
	return s.store.ListNodes(ctx)
}

// RequestDeploy queues a deploy unless the deployment is already deployed.
func (s *Service) RequestDeploy(ctx context.Context, id int64) (*Admission, error) {
	return s.Request(ctx, id, operation.KindDeploy, nil)
}

// RequestDestroy queues a destroy of a deployed deployment.
func (s *Service) RequestDestroy(ctx context.Context, id int64) (*Admission, error) {
	return s.Request(ctx, id, operation.KindDestroy, nil)
}

// RequestDelete queues the removal of a planned or destroyed deployment.
func (s *Service) RequestDelete(ctx context.Context, id int64) (*Admission, error) {
	return s.Request(ctx, id, operation.KindDelete, nil)
}

// RequestRedeploy queues a destroy-then-deploy.
func (s *Service) RequestRedeploy(ctx context.Context, id int64) (*Admission, error) {
	return s.Request(ctx, id, operation.KindRedeploy, nil)
}

// RequestClean queues removal of every OpenStack resource of the deployment.
func (s *Service) RequestClean(ctx context.Context, id int64) (*Admission, error) {
	return s.Request(ctx, id, operation.KindClean, nil)
}

// RequestExperiment queues a load run.
func (s *Service) RequestExperiment(ctx context.Context, id int64, e Experiment) (*Admission, error) {
	return s.Request(ctx, id, operation.KindRunLoad, e.Arguments())
}

// RequestRestartNode queues a restart of one compute node.
func (s *Service) RequestRestartNode(ctx context.Context, id int64, node string) (*Admission, error) {
	return s.Request(ctx, id, operation.KindRestartNode, operation.Arguments{ArgNode: node})
}

// RequestTest queues a pause, useful to exercise the queue.
func (s *Service) RequestTest(ctx context.Context, id int64) (*Admission, error) {
	return s.Request(ctx, id, operation.KindTest, nil)
}

// RepeatExperiment queues a run-load with the arguments of an earlier one.
func (s *Service) RepeatExperiment(ctx context.Context, id, requestID int64) (*Admission, error) {
	rec, err := s.scheduler.Get(ctx, id, requestID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != operation.KindRunLoad {
		return s.reject(ctx, operation.KindRunLoad, nil,
			fmt.Sprintf("Request %d is not an experiment", requestID)), nil
	}
	return s.Request(ctx, id, operation.KindRunLoad, rec.Clone().Arguments)
}

// Request admits and queues an operation of kind against deployment id.
// A rejection is reported through the Admission, not the error.
func (s *Service) Request(ctx context.Context, id int64, kind operation.Kind, args operation.Arguments) (*Admission, error) {
	if !kind.Valid() {
		return nil, scheduler.NewPreconditionError("unknown operation kind", nil).
			WithResource(id).
			WithCode(scheduler.ErrCodeUnknownKind).
			WithDetail("kind", string(kind))
	}
	if kind == operation.KindReserve {
		return nil, scheduler.NewPreconditionError("reserve creates a deployment, use Reserve", nil).
			WithResource(id).
			WithCode(scheduler.ErrCodeInvalidRecord)
	}

	ctx, span := s.tracer.Start(ctx, "admission."+string(kind),
		trace.WithAttributes(attribute.Int64("deployment.id", id)))
	defer span.End()

	d, err := s.Deployment(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if kind == operation.KindRunLoad {
		if err := s.validate.Struct(ExperimentFromArguments(args)); err != nil {
			return s.reject(ctx, kind, d, validationMessage(err)), nil
		}
	}

	decision, err := s.admit(ctx, kind, d.policyInput(), args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !decision.Allowed {
		return s.reject(ctx, kind, d, decision.Message()), nil
	}

	rec := operation.New(id, kind, args)
	if err := s.scheduler.Submit(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int64("operation.id", rec.ID))
	return s.accept(kind, d, rec, decision, acceptedMessage(kind, d.ID, args)), nil
}

// Reserve creates a planned deployment from free inventory nodes and queues
// its reserve operation.
func (s *Service) Reserve(ctx context.Context, r Reservation) (*Admission, error) {
	r = r.Normalize()
	kind := operation.KindReserve

	ctx, span := s.tracer.Start(ctx, "admission."+string(kind))
	defer span.End()

	decision, err := s.admit(ctx, kind, r.policyInput(), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !decision.Allowed {
		return s.reject(ctx, kind, nil, decision.Message()), nil
	}
	if err := s.validate.Struct(r); err != nil {
		return s.reject(ctx, kind, nil, validationMessage(err)), nil
	}

	d, err := s.store.ReserveDeployment(ctx, r)
	switch {
	case errors.Is(err, ErrUnknownNode), errors.Is(err, ErrNodeInUse):
		return s.reject(ctx, kind, nil, err.Error()), nil
	case err != nil:
		span.RecordError(err)
		return nil, fmt.Errorf("failed to reserve deployment: %w", err)
	}

	rec := operation.New(d.ID, kind, nil)
	if err := s.scheduler.Submit(ctx, rec); err != nil {
		s.logger.Error().Err(err).Int64("deployment_id", d.ID).Msg("Reserved deployment has no reserve operation")
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("deployment.id", d.ID), attribute.Int64("operation.id", rec.ID))
	return s.accept(kind, d, rec, decision, acceptedMessage(kind, d.ID, nil)), nil
}

func (s *Service) admit(ctx context.Context, kind operation.Kind, d policy.DeploymentInput, args operation.Arguments) (*policy.Decision, error) {
	input := policy.AdmissionInput{
		Kind:       string(kind),
		Deployment: d,
		Arguments:  map[string]string(args),
		Context:    policy.Context{Source: s.source},
	}
	decision, err := s.policies.Admit(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("admission failed: %w", err)
	}
	return decision, nil
}

func (s *Service) reject(ctx context.Context, kind operation.Kind, d *Deployment, message string) *Admission {
	ev := s.logger.Info().Str("kind", string(kind)).Str("reason", message)
	if d != nil {
		ev = ev.Int64("deployment_id", d.ID)
	}
	ev.Msg("Request rejected")

	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("admission.accepted", false))
	if s.observer != nil {
		s.observer.AdmissionDecided(kind, false)
	}
	return &Admission{Message: message, Deployment: d}
}

func (s *Service) accept(kind operation.Kind, d *Deployment, rec *operation.Record, decision *policy.Decision, message string) *Admission {
	a := &Admission{
		Accepted:   true,
		Message:    message,
		Operation:  rec,
		Deployment: d,
	}
	for _, w := range decision.Warnings {
		a.Warnings = append(a.Warnings, w.Message)
	}

	s.logger.Info().
		Int64("deployment_id", d.ID).
		Int64("operation_id", rec.ID).
		Str("kind", string(kind)).
		Int("warnings", len(a.Warnings)).
		Msg("Request admitted")

	if s.observer != nil {
		s.observer.AdmissionDecided(kind, true)
	}
	return a
}

func acceptedMessage(kind operation.Kind, id int64, args operation.Arguments) string {
	switch kind {
	case operation.KindReserve:
		return fmt.Sprintf("Deployment %d is reserved", id)
	case operation.KindDeploy:
		return fmt.Sprintf("Configuration %d is scheduled to be deployed", id)
	case operation.KindDestroy:
		return fmt.Sprintf("Deployment %d is scheduled to be destroyed", id)
	case operation.KindDelete:
		return fmt.Sprintf("Deployment %d is scheduled to be deleted", id)
	case operation.KindRedeploy:
		return fmt.Sprintf("Configuration %d is scheduled to be redeployed", id)
	case operation.KindClean:
		return fmt.Sprintf("Configuration %d is scheduled to be cleaned up", id)
	case operation.KindRunLoad:
		return fmt.Sprintf("Experiment for %d is scheduled", id)
	case operation.KindRestartNode:
		return fmt.Sprintf("Restarting %s", args[ArgNode])
	case operation.KindTest:
		return fmt.Sprintf("Pause for %d is scheduled", id)
	}
	return fmt.Sprintf("Request %s for %d is scheduled", kind, id)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
