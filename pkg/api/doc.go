// Package api exposes the deployment facade and the scheduler registry over
// JSON HTTP, and provides the client the CLI uses.
//
// Intentions answer 202 when accepted and 409 when rejected, both with an
// AdmissionResponse body. Classified scheduler errors map onto status codes:
// not_found is 404, rejected and precondition are 409, anything else is 500.
package api
