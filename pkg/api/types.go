package api

import (
	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/scheduler"
)

// OperationRequest is the body of POST /deployments/{id}/requests.
type OperationRequest struct {
	Kind      operation.Kind      `json:"kind"`
	Arguments operation.Arguments `json:"arguments,omitempty"`
}

// AbandonRequest is the body of POST .../requests/{rid}/abandon.
type AbandonRequest struct {
	Reason string `json:"reason"`
}

// AdmissionResponse answers every intention, accepted or not.
type AdmissionResponse struct {
	Accepted     bool            `json:"accepted"`
	Message      string          `json:"message"`
	Warnings     []string        `json:"warnings,omitempty"`
	DeploymentID int64           `json:"deployment_id,omitempty"`
	Operation    *operation.View `json:"operation,omitempty"`
}

func admissionResponse(a *deployment.Admission) AdmissionResponse {
	resp := AdmissionResponse{
		Accepted: a.Accepted,
		Message:  a.Message,
		Warnings: a.Warnings,
	}
	if a.Deployment != nil {
		resp.DeploymentID = a.Deployment.ID
	}
	if a.Operation != nil {
		v := a.Operation.View()
		resp.Operation = &v
	}
	return resp
}

// CancelResponse lists the records removed by a tail-cancel.
type CancelResponse struct {
	Cancelled []operation.View `json:"cancelled"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string               `json:"error"`
	Class scheduler.ErrorClass `json:"class,omitempty"`
	Code  string               `json:"code,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string  `json:"status"`
	Queues int     `json:"queues"`
	Active []int64 `json:"active"`
}

func views(recs []*operation.Record) []operation.View {
	out := make([]operation.View, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.View())
	}
	return out
}
