package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bootstrapd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddClusterPreCreatesNodes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.AddCluster(ctx, "cluster1", types.ClusterProvisioning, []string{"hv1", "hv2", "hv3"})
	require.NoError(t, err)
	require.Equal(t, "cluster1", c.Name)

	nodes, err := s.GetNodesInCluster(ctx, "cluster1")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		require.Equal(t, types.NodeInit, n.State)
	}
}

func TestNodeIDFromHostnameDigits(t *testing.T) {
	require.Equal(t, int64(12), NodeIDFromHostname("hv12"))
	require.Equal(t, int64(0), NodeIDFromHostname("hvX"))
}

func TestAddClusterAssignsMonotonicIDsForDigitFreeHostnames(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddCluster(ctx, "cluster1", types.ClusterProvisioning, []string{"alpha", "bravo"})
	require.NoError(t, err)

	nodes, err := s.GetNodesInCluster(ctx, "cluster1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, int64(1), nodes[0].NID)
	require.Equal(t, int64(2), nodes[1].NID)
}

func TestGetNodeByBMCMAC(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddCluster(ctx, "cluster1", types.ClusterProvisioning, []string{"hv1"})
	require.NoError(t, err)

	nodes, err := s.GetNodesInCluster(ctx, "cluster1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateNodeAddresses(ctx, nodes[0].ID, "AA:BB:CC:DD:EE:FF", "10.0.0.5", "", ""))

	got, err := s.GetNode(ctx, "cluster1", 0, "", "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	require.Equal(t, "hv1", got.Name)
	require.Equal(t, "10.0.0.5", got.BMCIPAddr)
}

func TestClusterDeleteCascadesToNodes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.AddCluster(ctx, "cluster1", types.ClusterProvisioning, []string{"hv1"})
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, c.ID)
	require.NoError(t, err)

	nodes, err := s.GetNodesInCluster(ctx, "cluster1")
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestGetClusterByNameNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetClusterByName(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwapClusterStateOnlySwapsOnMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.AddCluster(ctx, "cluster1", types.ClusterProvisioning, nil)
	require.NoError(t, err)

	swapped, err := s.CompareAndSwapClusterState(ctx, c.ID, types.ClusterHooksRunning, types.ClusterCompleted)
	require.NoError(t, err)
	require.False(t, swapped, "swap from the wrong expected state must not apply")

	got, err := s.GetClusterByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ClusterProvisioning, got.State)

	swapped, err = s.CompareAndSwapClusterState(ctx, c.ID, types.ClusterProvisioning, types.ClusterAnsibleRunning)
	require.NoError(t, err)
	require.True(t, swapped)

	got, err = s.GetClusterByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, types.ClusterAnsibleRunning, got.State)

	// A second racing caller expecting the same stale "from" must lose.
	swapped, err = s.CompareAndSwapClusterState(ctx, c.ID, types.ClusterProvisioning, types.ClusterAnsibleRunning)
	require.NoError(t, err)
	require.False(t, swapped)
}
