// Package deployment is the facade over testbed deployments.
//
// A Deployment owns a set of inventory nodes (one control node, an optional
// monitoring node and one or more compute nodes) and moves through the
// states planned, deployed and destroyed. Service exposes one intention per
// operation kind. Each intention loads the deployment, evaluates the
// admission policies against its current state and either returns a
// rejected Admission without touching any queue, or builds an operation
// record and submits it to the scheduler. The long-running work happens
// later on the deployment's queue; callers poll the scheduler for progress.
package deployment
