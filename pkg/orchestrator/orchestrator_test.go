package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/notify"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/specloader"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/store"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

type fakeStore struct {
	clusters map[int64]*types.Cluster
	nodes    map[int64]*types.Node
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{clusters: map[int64]*types.Cluster{}, nodes: map[int64]*types.Node{}}
}

func (f *fakeStore) GetClusterByID(ctx context.Context, id int64) (*types.Cluster, error) {
	c, ok := f.clusters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetClusterByName(ctx context.Context, name string) (*types.Cluster, error) {
	for _, c := range f.clusters {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) AddCluster(ctx context.Context, name string, state types.ClusterState, nodeNames []string) (*types.Cluster, error) {
	f.nextID++
	c := &types.Cluster{ID: f.nextID, Name: name, State: state}
	f.clusters[c.ID] = c
	return c, nil
}

func (f *fakeStore) UpdateClusterState(ctx context.Context, id int64, state types.ClusterState) error {
	c, ok := f.clusters[id]
	if !ok {
		return store.ErrNotFound
	}
	c.State = state
	return nil
}

func (f *fakeStore) CompareAndSwapClusterState(ctx context.Context, id int64, from, to types.ClusterState) (bool, error) {
	c, ok := f.clusters[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.State != from {
		return false, nil
	}
	c.State = to
	return true, nil
}

func (f *fakeStore) GetNode(ctx context.Context, clusterName string, nid int64, name, bmcMAC string) (*types.Node, error) {
	for _, n := range f.nodes {
		if name != "" && n.Name == name {
			return n, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetNodeByID(ctx context.Context, id int64) (*types.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return n, nil
}

func (f *fakeStore) GetNodesInCluster(ctx context.Context, clusterName string) ([]*types.Node, error) {
	var cluster *types.Cluster
	for _, c := range f.clusters {
		if c.Name == clusterName {
			cluster = c
		}
	}
	var out []*types.Node
	for _, n := range f.nodes {
		if cluster != nil && n.Cluster == cluster.ID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) AddNode(ctx context.Context, clusterID int64, name string, nid int64) (*types.Node, error) {
	f.nextID++
	n := &types.Node{ID: f.nextID, Cluster: clusterID, Name: name, NID: nid, State: types.NodeInit}
	f.nodes[n.ID] = n
	return n, nil
}

func (f *fakeStore) UpdateNodeState(ctx context.Context, id int64, state types.NodeState) error {
	n, ok := f.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	n.State = state
	return nil
}

func (f *fakeStore) UpdateNodeAddresses(ctx context.Context, id int64, bmcMAC, bmcIP, hostMAC, hostIP string) error {
	n, ok := f.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	if bmcMAC != "" {
		n.BMCMACAddr = bmcMAC
	}
	if bmcIP != "" {
		n.BMCIPAddr = bmcIP
	}
	if hostMAC != "" {
		n.HostMACAddr = hostMAC
	}
	if hostIP != "" {
		n.HostIPAddr = hostIP
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)

func TestHandleBarrierWaitsForAllNodes(t *testing.T) {
	fs := newFakeStore()
	cluster, _ := fs.AddCluster(context.Background(), "cluster1", types.ClusterProvisioning, nil)
	n1, _ := fs.AddNode(context.Background(), cluster.ID, "hv1", 1)
	n2, _ := fs.AddNode(context.Background(), cluster.ID, "hv2", 2)

	o := &Orchestrator{store: fs}

	advanced := false
	entry := types.BootstrapEntry{Cluster: "cluster1", Node: types.NodeSpec{Name: "hv1"}}
	err := o.handleBarrier(context.Background(), entry, HostCheckin{BMCMACAddr: "aa"}, types.NodeBootedInitial, types.ClusterAnsibleRunning, func(ready []*types.Node) error {
		advanced = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, advanced, "should not advance until every node reports in")
	require.Equal(t, types.NodeBootedInitial, n1.State)
	require.Equal(t, types.NodeInit, n2.State)

	entry2 := types.BootstrapEntry{Cluster: "cluster1", Node: types.NodeSpec{Name: "hv2"}}
	err = o.handleBarrier(context.Background(), entry2, HostCheckin{BMCMACAddr: "bb"}, types.NodeBootedInitial, types.ClusterAnsibleRunning, func(ready []*types.Node) error {
		advanced = true
		require.Len(t, ready, 2)
		return nil
	})
	require.NoError(t, err)
	require.True(t, advanced)

	updated, _ := fs.GetClusterByID(context.Background(), cluster.ID)
	require.Equal(t, types.ClusterAnsibleRunning, updated.State)
}

// writeBootstrapFixture lays out a minimal clusters.yml/base.yml/
// bootstrap.yml tree with an uppercase MAC key on disk, matching the
// layout specloader.Load expects.
func writeBootstrapFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "clusters.yml"), []byte("clusters: [cluster1]\n"), 0o644))

	clusterDir := filepath.Join(root, "cluster1")
	require.NoError(t, os.MkdirAll(clusterDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(clusterDir, "base.yml"), []byte("local_domain: example.internal\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(clusterDir, "bootstrap.yml"), []byte(`
bootstrap:
  AA:BB:CC:DD:EE:FF:
    node:
      name: hv1
      system_disks: ["/dev/sda"]
    bmc:
      address: 10.0.0.10
      username: root
      password: secret
      redfish: true
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(clusterDir, "pvc.yml"), []byte("hooks: []\n"), 0o644))
	return root
}

// TestHandleDnsmasqCheckinMatchesUppercaseMAC guards P4: the cspec's
// bootstrap map is always keyed lowercase (specloader.Load lowercases every
// MAC), so an incoming checkin MAC in any case must be lowercased before
// the map lookup, or a legitimate match silently falls into the
// not-in-bootstrap-map path.
func TestHandleDnsmasqCheckinMatchesUppercaseMAC(t *testing.T) {
	root := writeBootstrapFixture(t)
	loader := specloader.New(config.AnsibleConfig{Path: root, ClustersFile: "clusters.yml"})
	cspecFiles := config.CSpecFilesConfig{Base: "base.yml", PVC: "pvc.yml", Bootstrap: "bootstrap.yml"}

	fs := newFakeStore()
	notifier := notify.New(config.NotifyConfig{Enabled: false})

	var redfishInitCalled bool
	o := New(fs, loader, notifier, nil, nil, cspecFiles, func(ctx context.Context, node *types.Node, entry types.BootstrapEntry) error {
		redfishInitCalled = true
		require.Equal(t, "hv1", entry.Node.Name)
		return nil
	})

	err := o.HandleDnsmasqCheckin(context.Background(), DnsmasqCheckin{Action: "add", MACAddr: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)
	require.True(t, redfishInitCalled, "uppercase incoming MAC must match the lowercased cspec bootstrap key")
}
