package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cloudbench/cloudbench/pkg/deployment"
)

// Inventory is the node list of the testbed, optionally with deployments
// that already exist on it.
type Inventory struct {
	Nodes       []deployment.Node `yaml:"nodes" validate:"unique=Name,dive"`
	Deployments []DeploymentEntry `yaml:"deployments" validate:"dive"`
}

// DeploymentEntry is a pre-existing deployment of the inventory.
type DeploymentEntry struct {
	Control    string   `yaml:"control" validate:"required"`
	Monitoring string   `yaml:"monitoring"`
	Compute    []string `yaml:"compute"`

	// State defaults to planned.
	State deployment.State `yaml:"state"`
}

// Reservation returns the reservation creating the entry.
func (e DeploymentEntry) Reservation() deployment.Reservation {
	return deployment.Reservation{
		Control:    e.Control,
		Monitoring: e.Monitoring,
		Compute:    e.Compute,
	}.Normalize()
}

// LoadInventory reads and validates an inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory validates data against the inventory schema and decodes
// it.
func ParseInventory(data []byte) (*Inventory, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if raw == nil {
		return nil, errors.New("inventory is empty")
	}
	if err := NewSchemaRegistry().ValidateAgainstSchema("inventory", raw); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode inventory: %w", err)
	}
	if err := validator.New().Struct(&inv); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}
	for i, d := range inv.Deployments {
		if d.State != "" && !d.State.Valid() {
			return nil, fmt.Errorf("invalid inventory: deployment %d has unknown state %q", i, d.State)
		}
	}
	return &inv, nil
}

// ApplyResult summarizes what Apply changed.
type ApplyResult struct {
	Nodes       int
	Deployments []int64
	Skipped     int
}

// Apply upserts the inventory nodes into store, then reserves every listed
// deployment whose nodes are all free. Deployments touching a busy node are
// skipped, which makes Apply safe to run again.
func (inv *Inventory) Apply(ctx context.Context, store deployment.Store, logger zerolog.Logger) (*ApplyResult, error) {
	res := &ApplyResult{}
	for i := range inv.Nodes {
		n := inv.Nodes[i]
		if err := store.UpsertNode(ctx, &n); err != nil {
			return nil, fmt.Errorf("failed to store node %s: %w", n.Name, err)
		}
		res.Nodes++
	}

	for _, entry := range inv.Deployments {
		d, err := store.ReserveDeployment(ctx, entry.Reservation())
		if errors.Is(err, deployment.ErrNodeInUse) {
			logger.Info().Str("control", entry.Control).Msg("Deployment already present, skipping")
			res.Skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reserve deployment on %s: %w", entry.Control, err)
		}
		if entry.State != "" && entry.State != deployment.StatePlanned {
			if err := store.SetDeploymentState(ctx, d.ID, entry.State); err != nil {
				return nil, fmt.Errorf("failed to set state of deployment %d: %w", d.ID, err)
			}
		}
		logger.Info().Int64("deployment_id", d.ID).Str("control", entry.Control).Msg("Deployment imported")
		res.Deployments = append(res.Deployments, d.ID)
	}
	return res, nil
}
