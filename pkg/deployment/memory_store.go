package deployment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	nextNode    int64
	deployments map[int64]*Deployment
	nodes       map[string]*Node
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[int64]*Deployment),
		nodes:       make(map[string]*Node),
	}
}

// ReserveDeployment implements Store.
func (s *MemoryStore) ReserveDeployment(ctx context.Context, r Reservation) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range r.Names() {
		n, ok := s.nodes[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
		}
		if !n.Free() {
			return nil, fmt.Errorf("%w: %s is used by deployment %d", ErrNodeInUse, name, n.DeploymentID)
		}
	}

	s.nextID++
	d := &Deployment{ID: s.nextID, State: StatePlanned, CreatedAt: time.Now().UTC()}
	s.deployments[d.ID] = d

	for _, name := range r.Names() {
		n := s.nodes[name]
		AssignRoles(n, r)
		n.DeploymentID = d.ID
	}
	return s.getLocked(d.ID)
}

// AssignRoles sets the role flags r gives to n.
func AssignRoles(n *Node, r Reservation) {
	n.Control = n.Name == r.Control
	n.Monitoring = n.Name == r.Monitoring
	n.Compute = false
	for _, c := range r.Compute {
		if c == n.Name {
			n.Compute = true
		}
	}
}

func (s *MemoryStore) getLocked(id int64) (*Deployment, error) {
	d, ok := s.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %d: %w", id, ErrNotFound)
	}
	out := *d
	out.Nodes = nil
	for _, n := range s.sortedNodesLocked() {
		if n.DeploymentID == id {
			out.Nodes = append(out.Nodes, *n)
		}
	}
	return &out, nil
}

func (s *MemoryStore) sortedNodesLocked() []*Node {
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// GetDeployment implements Store.
func (s *MemoryStore) GetDeployment(ctx context.Context, id int64) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

// ListDeployments implements Store.
func (s *MemoryStore) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.deployments))
	for id := range s.deployments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Deployment, 0, len(ids))
	for _, id := range ids {
		d, _ := s.getLocked(id)
		out = append(out, d)
	}
	return out, nil
}

// SetDeploymentState implements Store.
func (s *MemoryStore) SetDeploymentState(ctx context.Context, id int64, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[id]
	if !ok {
		return fmt.Errorf("deployment %d: %w", id, ErrNotFound)
	}
	d.State = state
	return nil
}

// DeleteDeployment implements Store.
func (s *MemoryStore) DeleteDeployment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[id]; !ok {
		return fmt.Errorf("deployment %d: %w", id, ErrNotFound)
	}
	for _, n := range s.nodes {
		if n.DeploymentID == id {
			n.DeploymentID = 0
			n.Control, n.Monitoring, n.Compute = false, false, false
		}
	}
	delete(s.deployments, id)
	return nil
}

// UpsertNode implements Store.
func (s *MemoryStore) UpsertNode(ctx context.Context, n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[n.Name]; ok {
		existing.Domain = n.Domain
		existing.IP = n.IP
		n.ID = existing.ID
		return nil
	}

	s.nextNode++
	stored := *n
	stored.ID = s.nextNode
	if stored.State == "" {
		stored.State = NodeActive
	}
	s.nodes[n.Name] = &stored
	n.ID = stored.ID
	return nil
}

// GetNode implements Store.
func (s *MemoryStore) GetNode(ctx context.Context, name string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[name]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", name, ErrNotFound)
	}
	out := *n
	return &out, nil
}

// ListNodes implements Store.
func (s *MemoryStore) ListNodes(ctx context.Context) ([]*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Node
	for _, n := range s.sortedNodesLocked() {
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

// SetNodeState implements Store.
func (s *MemoryStore) SetNodeState(ctx context.Context, name string, state NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[name]
	if !ok {
		return fmt.Errorf("node %s: %w", name, ErrNotFound)
	}
	n.State = state
	return nil
}
