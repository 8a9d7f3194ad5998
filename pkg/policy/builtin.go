package policy

import (
	"time"
)

// GetBuiltinPolicies returns the admission rules that are always loaded.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		lifecyclePolicy(),
		reservationPolicy(),
		maintenancePolicy(),
		experimentPolicy(),
	}
}

// lifecyclePolicy encodes the deployment state machine preconditions.
func lifecyclePolicy() Policy {
	return Policy{
		Name:        "deployment-lifecycle",
		Description: "Deploy only when not deployed, destroy only when deployed, delete only when planned or destroyed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lifecycle", "builtin"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cloudbench.admission.lifecycle

import rego.v1

deletable_states := {"planned", "destroyed"}

deny contains violation if {
	input.kind == "deploy"
	input.deployment.state == "deployed"
	violation := {
		"message": sprintf("Configuration %d can not be deployed", [input.deployment.id]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "destroy"
	input.deployment.state != "deployed"
	violation := {
		"message": sprintf("Deployment %d can not be destroyed", [input.deployment.id]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "delete"
	not input.deployment.state in deletable_states
	violation := {
		"message": sprintf("Deployment %d can not be deleted", [input.deployment.id]),
		"severity": "error",
	}
}
`,
	}
}

// reservationPolicy requires the node roles a kolla inventory needs.
func reservationPolicy() Policy {
	return Policy{
		Name:        "node-reservation",
		Description: "A reservation needs a control node and at least one compute node",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"reservation", "builtin"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cloudbench.admission.reservation

import rego.v1

deny contains "A deployment needs a control node" if {
	input.kind == "reserve"
	not input.deployment.control
}

deny contains "A deployment needs at least one compute node" if {
	input.kind == "reserve"
	count(input.deployment.compute) == 0
}
`,
	}
}

// maintenancePolicy restricts node restarts to compute nodes of a running
// deployment.
func maintenancePolicy() Policy {
	return Policy{
		Name:        "node-maintenance",
		Description: "Only compute nodes of a deployed deployment can be restarted",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"maintenance", "builtin"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cloudbench.admission.maintenance

import rego.v1

deny contains violation if {
	input.kind == "restart-node"
	not input.arguments.node
	violation := {
		"message": sprintf("Restart for deployment %d needs a node", [input.deployment.id]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "restart-node"
	node := input.arguments.node
	not node in input.deployment.compute
	violation := {
		"message": sprintf("Node %s is not a compute node of deployment %d", [node, input.deployment.id]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "restart-node"
	input.deployment.state != "deployed"
	violation := {
		"message": sprintf("Deployment %d is not deployed", [input.deployment.id]),
		"severity": "error",
	}
}
`,
	}
}

// experimentPolicy warns about experiments against deployments that are not
// running. It never blocks.
func experimentPolicy() Policy {
	return Policy{
		Name:        "experiment-target",
		Description: "Warns when an experiment targets a deployment that is not deployed",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"experiment", "builtin"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cloudbench.admission.experiment

import rego.v1

deny contains violation if {
	input.kind == "run-load"
	input.deployment.state != "deployed"
	violation := {
		"message": sprintf("Deployment %d is %s, the experiment will probably fail", [input.deployment.id, input.deployment.state]),
		"severity": "warning",
	}
}
`,
	}
}
