package deployment

import "context"

// Store persists deployments and the node inventory.
type Store interface {
	// ReserveDeployment creates a planned deployment and assigns the
	// reservation's nodes to it atomically. It fails with ErrUnknownNode or
	// ErrNodeInUse and then changes nothing. r is already normalized.
	ReserveDeployment(ctx context.Context, r Reservation) (*Deployment, error)

	GetDeployment(ctx context.Context, id int64) (*Deployment, error)
	ListDeployments(ctx context.Context) ([]*Deployment, error)
	SetDeploymentState(ctx context.Context, id int64, state State) error

	// DeleteDeployment releases the deployment's nodes and removes it.
	DeleteDeployment(ctx context.Context, id int64) error

	// UpsertNode inserts or updates a node by name. Role flags and
	// deployment membership are left untouched on update.
	UpsertNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, name string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	SetNodeState(ctx context.Context, name string, state NodeState) error
}
