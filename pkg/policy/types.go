package policy

import (
	"strings"
	"time"
)

// Severity is the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is informational.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks admission.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. The module must define a
// "deny" set whose members are strings or objects with "message" and
// optionally "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against one
// admission request.
type Decision struct {
	// Allowed is false if any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are the blocking results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking results and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Message joins the blocking violation messages.
func (d *Decision) Message() string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// AdmissionInput is the document bound to "input" during evaluation.
type AdmissionInput struct {
	// Kind is the requested operation kind, e.g. "destroy".
	Kind string `json:"kind"`

	Deployment DeploymentInput   `json:"deployment"`
	Arguments  map[string]string `json:"arguments"`
	Context    Context           `json:"context"`
}

// DeploymentInput describes the target deployment.
type DeploymentInput struct {
	ID         int64    `json:"id"`
	State      string   `json:"state"`
	Control    string   `json:"control,omitempty"`
	Monitoring string   `json:"monitoring,omitempty"`
	Compute    []string `json:"compute"`
}

// Context carries request metadata.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}
