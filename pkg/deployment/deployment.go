package deployment

import (
	"errors"
	"time"

	"github.com/cloudbench/cloudbench/pkg/policy"
)

// State is the lifecycle state of a deployment.
type State string

const (
	StatePlanned   State = "planned"
	StateDeployed  State = "deployed"
	StateDestroyed State = "destroyed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePlanned, StateDeployed, StateDestroyed:
		return true
	}
	return false
}

// NodeState is the maintenance state of a node.
type NodeState string

const (
	NodeActive     NodeState = "active"
	NodeRestarting NodeState = "restarting"
)

var (
	// ErrNotFound is returned when a deployment or node does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNodeInUse is returned when a reservation names a node that belongs
	// to another deployment.
	ErrNodeInUse = errors.New("node already in use")

	// ErrUnknownNode is returned when a reservation names a node missing
	// from the inventory.
	ErrUnknownNode = errors.New("unknown node")
)

// Node is a physical host of the testbed.
type Node struct {
	ID     int64  `json:"id"`
	Name   string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`
	Domain string `json:"domain" yaml:"domain" validate:"required"`
	IP     string `json:"ip" yaml:"ip" validate:"required,ip"`

	// DeploymentID is zero while the node is free.
	DeploymentID int64 `json:"deployment_id,omitempty" yaml:"-"`

	Control    bool      `json:"control" yaml:"-"`
	Monitoring bool      `json:"monitoring" yaml:"-"`
	Compute    bool      `json:"compute" yaml:"-"`
	State      NodeState `json:"state" yaml:"-"`
}

// Free reports whether the node can be reserved.
func (n *Node) Free() bool {
	return n.DeploymentID == 0
}

// Deployment is a set of reserved nodes running (or about to run) one
// OpenStack installation.
type Deployment struct {
	ID        int64     `json:"id"`
	State     State     `json:"state"`
	Nodes     []Node    `json:"nodes"`
	CreatedAt time.Time `json:"created_at"`
}

// ControlNode returns the control node, or nil.
func (d *Deployment) ControlNode() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Control {
			return &d.Nodes[i]
		}
	}
	return nil
}

// MonitoringNode returns the monitoring node, falling back to the control
// node when none is flagged.
func (d *Deployment) MonitoringNode() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Monitoring {
			return &d.Nodes[i]
		}
	}
	return d.ControlNode()
}

// ComputeNodes returns the compute nodes in inventory order.
func (d *Deployment) ComputeNodes() []Node {
	var out []Node
	for _, n := range d.Nodes {
		if n.Compute {
			out = append(out, n)
		}
	}
	return out
}

// Node returns the member node called name, or nil.
func (d *Deployment) Node(name string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Name == name {
			return &d.Nodes[i]
		}
	}
	return nil
}

func (d *Deployment) IsPlanned() bool   { return d.State == StatePlanned }
func (d *Deployment) IsDeployed() bool  { return d.State == StateDeployed }
func (d *Deployment) IsDestroyed() bool { return d.State == StateDestroyed }

// CanBeDeleted reports whether the deployment holds no running installation.
func (d *Deployment) CanBeDeleted() bool {
	return d.IsPlanned() || d.IsDestroyed()
}

// policyInput renders the deployment for admission policies.
func (d *Deployment) policyInput() policy.DeploymentInput {
	in := policy.DeploymentInput{
		ID:      d.ID,
		State:   string(d.State),
		Compute: []string{},
	}
	if n := d.ControlNode(); n != nil {
		in.Control = n.Name
	}
	if n := d.MonitoringNode(); n != nil {
		in.Monitoring = n.Name
	}
	for _, n := range d.ComputeNodes() {
		in.Compute = append(in.Compute, n.Name)
	}
	return in
}

// Reservation names the nodes of a new deployment.
type Reservation struct {
	Control string `json:"control" validate:"omitempty,hostname_rfc1123"`

	// Monitoring may be empty or "-" to reuse the control node.
	Monitoring string   `json:"monitoring" validate:"omitempty,hostname_rfc1123|eq=-"`
	Compute    []string `json:"compute" validate:"dive,hostname_rfc1123"`
}

// MonitoringSameAsControl is the monitoring value meaning "use the control
// node".
const MonitoringSameAsControl = "-"

// Normalize resolves the monitoring shorthand.
func (r Reservation) Normalize() Reservation {
	if r.Monitoring == "" || r.Monitoring == MonitoringSameAsControl {
		r.Monitoring = r.Control
	}
	return r
}

// Names returns every node named by the reservation, without duplicates.
func (r Reservation) Names() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	add(r.Control)
	add(r.Monitoring)
	for _, n := range r.Compute {
		add(n)
	}
	return names
}

func (r Reservation) policyInput() policy.DeploymentInput {
	compute := append([]string{}, r.Compute...)
	return policy.DeploymentInput{
		Control:    r.Control,
		Monitoring: r.Monitoring,
		Compute:    compute,
	}
}
