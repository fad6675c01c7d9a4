// Package store is bootstrapd's persistent Cluster/Node store: an embedded
// SQLite database with foreign-key enforcement, so deleting a cluster
// cascades to its nodes and a node can never reference a cluster that
// doesn't exist.
package store

import (
	"context"
	"errors"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface used by every other bootstrapd
// component. A single *sql.DB instance backs it. AddCluster writes the
// cluster row and its node rows in one transaction; every other mutating
// method issues one write statement.
type Store interface {
	// GetClusterByID returns the cluster with the given id.
	GetClusterByID(ctx context.Context, id int64) (*types.Cluster, error)
	// GetClusterByName returns the cluster with the given name.
	GetClusterByName(ctx context.Context, name string) (*types.Cluster, error)
	// AddCluster inserts a new cluster row and pre-creates one node row per
	// bootstrap entry belonging to it, all in state NodeInit.
	AddCluster(ctx context.Context, name string, state types.ClusterState, nodeNames []string) (*types.Cluster, error)
	// UpdateClusterState sets a cluster's state unconditionally.
	UpdateClusterState(ctx context.Context, id int64, state types.ClusterState) error
	// CompareAndSwapClusterState sets a cluster's state to to only if its
	// current state is from, atomically, returning whether the swap took
	// effect. Callers gating a one-time transition (e.g. the barrier
	// advance in pkg/orchestrator) must use this instead of
	// UpdateClusterState so that exactly one concurrent caller advances
	// the cluster.
	CompareAndSwapClusterState(ctx context.Context, id int64, from, to types.ClusterState) (bool, error)

	// GetNode returns a node by cluster name plus one of nid/name/bmcMAC
	// (whichever is non-empty/non-zero takes precedence in that order).
	GetNode(ctx context.Context, clusterName string, nid int64, name, bmcMAC string) (*types.Node, error)
	// GetNodeByID returns a node by its store-assigned row id.
	GetNodeByID(ctx context.Context, id int64) (*types.Node, error)
	// GetNodesInCluster returns every node belonging to the named cluster.
	GetNodesInCluster(ctx context.Context, clusterName string) ([]*types.Node, error)
	// AddNode inserts a single node row (used when a bootstrap entry is
	// discovered after its cluster already exists).
	AddNode(ctx context.Context, clusterID int64, name string, nid int64) (*types.Node, error)
	// UpdateNodeState sets a node's state.
	UpdateNodeState(ctx context.Context, id int64, state types.NodeState) error
	// UpdateNodeAddresses sets any non-empty address fields on a node.
	UpdateNodeAddresses(ctx context.Context, id int64, bmcMAC, bmcIP, hostMAC, hostIP string) error

	Close() error
}
