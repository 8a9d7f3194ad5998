package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudbench/cloudbench/pkg/deployment"
)

const nodeColumns = `id, name, domain, ip, deployment_id, control, monitoring, compute, state`

// ReserveDeployment creates a planned deployment and assigns the
// reservation's nodes to it in one transaction.
func (s *SQLiteStore) ReserveDeployment(ctx context.Context, r deployment.Reservation) (*deployment.Deployment, error) {
	var id int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		nodes := make([]*deployment.Node, 0, len(r.Names()))
		for _, name := range r.Names() {
			n, err := scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name))
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: %s", deployment.ErrUnknownNode, name)
			}
			if err != nil {
				return fmt.Errorf("failed to get node: %w", err)
			}
			if !n.Free() {
				return fmt.Errorf("%w: %s is used by deployment %d", deployment.ErrNodeInUse, name, n.DeploymentID)
			}
			nodes = append(nodes, n)
		}

		result, err := tx.ExecContext(ctx,
			`INSERT INTO deployments (state, created_at) VALUES (?, ?)`,
			string(deployment.StatePlanned),
			formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("failed to create deployment: %w", err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get deployment ID: %w", err)
		}

		for _, n := range nodes {
			deployment.AssignRoles(n, r)
			_, err := tx.ExecContext(ctx, `
				UPDATE nodes SET deployment_id = ?, control = ?, monitoring = ?, compute = ?
				WHERE id = ?
			`, id, n.Control, n.Monitoring, n.Compute, n.ID)
			if err != nil {
				return fmt.Errorf("failed to assign node %s: %w", n.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetDeployment(ctx, id)
}

// GetDeployment retrieves a deployment and its nodes by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id int64) (*deployment.Deployment, error) {
	d := &deployment.Deployment{}
	var state, created string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, created_at FROM deployments WHERE id = ?`, id,
	).Scan(&d.ID, &state, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("deployment %d: %w", id, deployment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	d.State = deployment.State(state)
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}

	nodes, err := s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE deployment_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		d.Nodes = append(d.Nodes, *n)
	}

	return d, nil
}

// ListDeployments lists every deployment ordered by id.
func (s *SQLiteStore) ListDeployments(ctx context.Context) ([]*deployment.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM deployments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan deployment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	rows.Close()

	deployments := make([]*deployment.Deployment, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}

	return deployments, nil
}

// SetDeploymentState updates the lifecycle state of a deployment.
func (s *SQLiteStore) SetDeploymentState(ctx context.Context, id int64, state deployment.State) error {
	result, err := s.db.ExecContext(ctx, `UPDATE deployments SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to update deployment state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("deployment %d: %w", id, deployment.ErrNotFound)
	}

	return nil
}

// DeleteDeployment releases the deployment's nodes and removes it.
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE nodes SET deployment_id = NULL, control = 0, monitoring = 0, compute = 0
			WHERE deployment_id = ?
		`, id)
		if err != nil {
			return fmt.Errorf("failed to release nodes: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete deployment: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("deployment %d: %w", id, deployment.ErrNotFound)
		}
		return nil
	})
}

// UpsertNode inserts a node or refreshes its address by name.
func (s *SQLiteStore) UpsertNode(ctx context.Context, n *deployment.Node) error {
	state := n.State
	if state == "" {
		state = deployment.NodeActive
	}

	query := `
		INSERT INTO nodes (name, domain, ip, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			domain = excluded.domain,
			ip = excluded.ip
		RETURNING id
	`

	if err := s.db.QueryRowContext(ctx, query, n.Name, n.Domain, n.IP, string(state)).Scan(&n.ID); err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}

	return nil
}

// GetNode retrieves a node by name
func (s *SQLiteStore) GetNode(ctx context.Context, name string) (*deployment.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", name, deployment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// ListNodes lists the inventory ordered by id.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*deployment.Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
}

// SetNodeState updates the maintenance state of a node.
func (s *SQLiteStore) SetNodeState(ctx context.Context, name string, state deployment.NodeState) error {
	result, err := s.db.ExecContext(ctx, `UPDATE nodes SET state = ? WHERE name = ?`, string(state), name)
	if err != nil {
		return fmt.Errorf("failed to update node state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("node %s: %w", name, deployment.ErrNotFound)
	}

	return nil
}

func (s *SQLiteStore) queryNodes(ctx context.Context, query string, args ...interface{}) ([]*deployment.Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*deployment.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

func scanNode(row rowScanner) (*deployment.Node, error) {
	var (
		n            deployment.Node
		deploymentID sql.NullInt64
		state        string
	)

	err := row.Scan(
		&n.ID,
		&n.Name,
		&n.Domain,
		&n.IP,
		&deploymentID,
		&n.Control,
		&n.Monitoring,
		&n.Compute,
		&state,
	)
	if err != nil {
		return nil, err
	}

	n.DeploymentID = deploymentID.Int64
	n.State = deployment.NodeState(state)
	return &n, nil
}
