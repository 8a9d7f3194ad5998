// Package stores provides the durable SQLite store for cloudbench.
//
// SQLiteStore persists operation records, deployments, the node inventory
// and the event log. It satisfies both scheduler.Store and deployment.Store
// so one database backs the request queues and the deployment facade.
//
// The schema is embedded and applied with golang-migrate. File databases run
// in WAL mode; ":memory:" databases are limited to a single connection so
// every caller sees the same data.
//
// Timestamps are stored as fixed-width UTC text with microsecond precision,
// which keeps ORDER BY submitted_at equal to submission order.
package stores
