// Package operation defines the Operation Record, the persisted unit of work
// submitted against a deployment, and the closed set of operation kinds.
//
// A record is queued while both StartedAt and FinishedAt are nil, running
// while only StartedAt is set, and finished once FinishedAt is set. The two
// timestamps are written exactly once each, in that order.
package operation
