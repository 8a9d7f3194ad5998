package stores

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, deployment_id, operation_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.DeploymentID,
		event.OperationID,
		event.Type,
		string(event.Level),
		event.Message,
		event.Details,
		formatTime(event.Timestamp),
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents retrieves events, newest first, with optional filters and
// pagination
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT id, event_id, deployment_id, operation_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR deployment_id = ?)
		  AND (? IS NULL OR operation_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var level sql.NullString
	if filter.Level != nil {
		level = sql.NullString{String: string(*filter.Level), Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.DeploymentID, filter.DeploymentID,
		filter.OperationID, filter.OperationID,
		level, level,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event        Event
			deploymentID sql.NullInt64
			operationID  sql.NullInt64
			lvl          string
			timestamp    string
		)
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&deploymentID,
			&operationID,
			&event.Type,
			&lvl,
			&event.Message,
			&event.Details,
			&timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Level = EventLevel(lvl)
		if deploymentID.Valid {
			event.DeploymentID = &deploymentID.Int64
		}
		if operationID.Valid {
			event.OperationID = &operationID.Int64
		}
		if event.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
