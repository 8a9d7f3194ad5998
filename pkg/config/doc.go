// Package config loads the cloudbench configuration file and the node
// inventory.
//
// The configuration is a YAML document whose sections map onto the
// configuration types of the packages they tune:
//
//	database:   stores.Config
//	scheduler:  idle eviction and shutdown timeouts
//	api:        listen address
//	ssh:        ssh.Config
//	openstack:  actions.Config
//	telemetry:  telemetry.Config
//
// Missing keys keep the values of Default.
//
// The inventory lists the nodes of the testbed and, optionally, deployments
// that already run on them:
//
//	nodes:
//	  - name: wally101
//	    domain: wally101.cloud
//	    ip: 10.0.0.1
//	deployments:
//	  - control: wally101
//	    compute: [wally102]
//	    state: deployed
//
// LoadInventory checks the document against a CUE schema held by
// SchemaRegistry before decoding it, then applies the struct validation
// tags of deployment.Node.
package config
