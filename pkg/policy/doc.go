// Package policy evaluates admission requests against Rego policies using
// the Open Policy Agent.
//
// Every policy module defines a "deny" set. A member is either a message
// string or an object:
//
//	deny contains violation if {
//		input.kind == "destroy"
//		input.deployment.state != "deployed"
//		violation := {
//			"message": sprintf("Deployment %d can not be destroyed", [input.deployment.id]),
//			"severity": "error",
//		}
//	}
//
// Violations with severity "error" or "critical" reject the request; other
// severities are reported as warnings. A member without a severity takes the
// policy's default.
//
// The input document has this shape:
//
//	{
//	  "kind": "restart-node",
//	  "deployment": {"id": 3, "state": "deployed", "control": "wally101",
//	                 "monitoring": "wally101", "compute": ["wally102"]},
//	  "arguments": {"node": "wally102"},
//	  "context": {"timestamp": "...", "source": "api"}
//	}
//
// Built-in policies encode the deployment lifecycle. Additional policies are
// loaded from a directory of .rego or .json files, which Loader.Watch keeps
// in sync using fsnotify.
package policy
