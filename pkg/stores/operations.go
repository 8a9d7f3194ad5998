package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloudbench/cloudbench/pkg/operation"
)

const operationColumns = `id, deployment_id, kind, arguments, submitted_at, started_at, finished_at, outcome, error`

// fifoOrder is the submission order of operation records.
const fifoOrder = `ORDER BY submitted_at ASC, id ASC`

// SaveOperation inserts rec when its id is zero and updates it otherwise.
func (s *SQLiteStore) SaveOperation(ctx context.Context, rec *operation.Record) error {
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	if rec.Arguments == nil {
		args = []byte("{}")
	}

	if rec.ID == 0 {
		query := `
			INSERT INTO operations (deployment_id, kind, arguments, submitted_at, started_at, finished_at, outcome, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := s.db.ExecContext(ctx, query,
			rec.ResourceID,
			string(rec.Kind),
			string(args),
			formatTime(rec.SubmittedAt),
			formatNullTime(rec.StartedAt),
			formatNullTime(rec.FinishedAt),
			string(rec.Outcome),
			rec.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to create operation: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get operation ID: %w", err)
		}
		rec.ID = id
		return nil
	}

	query := `
		UPDATE operations
		SET started_at = ?, finished_at = ?, outcome = ?, error = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		formatNullTime(rec.StartedAt),
		formatNullTime(rec.FinishedAt),
		string(rec.Outcome),
		rec.Error,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("operation %d: %w", rec.ID, operation.ErrNotFound)
	}

	return nil
}

// GetOperation retrieves an operation record by ID
func (s *SQLiteStore) GetOperation(ctx context.Context, id int64) (*operation.Record, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`

	rec, err := scanOperation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %d: %w", id, operation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return rec, nil
}

// LoadPending returns the unfinished records of a deployment in FIFO order.
func (s *SQLiteStore) LoadPending(ctx context.Context, resourceID int64) ([]*operation.Record, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
		WHERE deployment_id = ? AND finished_at IS NULL ` + fifoOrder
	return s.queryOperations(ctx, query, resourceID)
}

// LoadActive returns the running record of a deployment, or nil.
func (s *SQLiteStore) LoadActive(ctx context.Context, resourceID int64) (*operation.Record, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
		WHERE deployment_id = ? AND started_at IS NOT NULL AND finished_at IS NULL ` + fifoOrder + ` LIMIT 1`

	recs, err := s.queryOperations(ctx, query, resourceID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// DeleteOperations removes ids from a deployment in one transaction. Nothing
// is removed if any id is missing.
func (s *SQLiteStore) DeleteOperations(ctx context.Context, resourceID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, resourceID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `DELETE FROM operations WHERE deployment_id = ? AND id IN (` + placeholders(len(ids)) + `)`

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete operations: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows != int64(len(ids)) {
			return fmt.Errorf("operations %v of deployment %d: %w", ids, resourceID, operation.ErrNotFound)
		}
		return nil
	})
}

// ListOperations returns every record of a deployment in FIFO order.
func (s *SQLiteStore) ListOperations(ctx context.Context, resourceID int64) ([]*operation.Record, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE deployment_id = ? ` + fifoOrder
	return s.queryOperations(ctx, query, resourceID)
}

// ListOrphaned returns started but unfinished records of all deployments.
func (s *SQLiteStore) ListOrphaned(ctx context.Context) ([]*operation.Record, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
		WHERE started_at IS NOT NULL AND finished_at IS NULL ` + fifoOrder
	return s.queryOperations(ctx, query)
}

// PendingResources returns the deployments holding never-started records.
func (s *SQLiteStore) PendingResources(ctx context.Context) ([]int64, error) {
	query := `
		SELECT DISTINCT deployment_id FROM operations
		WHERE started_at IS NULL AND finished_at IS NULL
		ORDER BY deployment_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deployments: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deployment id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending deployments: %w", err)
	}

	return ids, nil
}

func (s *SQLiteStore) queryOperations(ctx context.Context, query string, args ...interface{}) ([]*operation.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	recs := []*operation.Record{}
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return recs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*operation.Record, error) {
	var (
		rec                 operation.Record
		kind, args, outcome string
		submitted           string
		started, finished   sql.NullString
	)

	err := row.Scan(
		&rec.ID,
		&rec.ResourceID,
		&kind,
		&args,
		&submitted,
		&started,
		&finished,
		&outcome,
		&rec.Error,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = operation.Kind(kind)
	rec.Outcome = operation.Outcome(outcome)

	if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
		return nil, fmt.Errorf("failed to decode arguments of operation %d: %w", rec.ID, err)
	}
	if rec.Arguments == nil {
		rec.Arguments = operation.Arguments{}
	}
	if rec.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if rec.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, err
	}

	return &rec, nil
}
