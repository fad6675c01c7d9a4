// Package types holds the Cluster/Node data model shared by every
// bootstrapd component.
package types

import "time"

// ClusterState is the state alphabet a Cluster moves through as its nodes
// bootstrap, run the configuration runner, and execute post-config hooks.
type ClusterState string

const (
	ClusterProvisioning   ClusterState = "provisioning"
	ClusterAnsibleRunning ClusterState = "ansible-running"
	ClusterHooksRunning   ClusterState = "hooks-running"
	ClusterCompleted      ClusterState = "completed"
)

// NodeState is the state alphabet a single bootstrap node moves through.
type NodeState string

const (
	NodeInit             NodeState = "init"
	NodeCharacterizing   NodeState = "characterizing"
	NodeInstalling       NodeState = "installing"
	NodeInstalled        NodeState = "installed"
	NodePXEBooting       NodeState = "pxe-booting"
	NodeBootedInitial    NodeState = "booted-initial"
	NodeBootedConfigured NodeState = "booted-configured"
	NodeBootedCompleted  NodeState = "booted-completed"
	NodeCompleted        NodeState = "completed"
)

// Cluster is one bootstrap-tracked hyperconverged cluster.
type Cluster struct {
	ID    int64
	Name  string
	State ClusterState
}

// Node is one bare-metal host being bootstrapped into a Cluster.
type Node struct {
	ID          int64
	Cluster     int64
	State       NodeState
	Name        string
	NID         int64
	BMCMACAddr  string
	BMCIPAddr   string
	HostMACAddr string
	HostIPAddr  string
}

// CSpec is the parsed cluster specification, as loaded by SpecLoader from
// the cluster-spec git repository. Bootstrap is keyed by lowercase BMC MAC
// address; Hooks is keyed by cluster name.
type CSpec struct {
	LocalDomain string
	Bootstrap   map[string]BootstrapEntry
	Hooks       map[string][]Hook
}

// BootstrapEntry describes one node entry under a cluster's bootstrap map.
type BootstrapEntry struct {
	Cluster string
	Domain  string
	FQDN    string
	Node    NodeSpec
	BMC     BMCSpec
}

// NodeSpec is the "node" stanza of a bootstrap entry.
type NodeSpec struct {
	Name        string
	FQDN        string
	SystemDisks []string
	Config      NodeConfigSpec
}

// NodeConfigSpec is the "config" stanza nested under a node's bootstrap
// entry, controlling installer behavior.
type NodeConfigSpec struct {
	Release       string
	Packages      []string
	Filesystem    string
	KernelOptions []string
}

// BMCSpec is the "bmc" stanza of a bootstrap entry: credentials and
// per-host BIOS/manager overrides.
type BMCSpec struct {
	Address      string
	Username     string
	Password     string
	Redfish      *bool
	BIOSSettings map[string]string
	MgrSettings  map[string]string
}

// Hook is one post-configuration hook entry under a cluster's hooks list.
type Hook struct {
	Type        string
	TargetNodes []string // "all", or an explicit name list
	Args        map[string]any
}

// Timestamped pairs a value with the time it was observed.
type Timestamped[T any] struct {
	Value T
	At    time.Time
}
