package specloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
)

// writeFixture lays out a minimal clusters.yml/base.yml/bootstrap.yml/pvc.yml
// tree on disk, mirroring the layout Load expects, without needing a real
// git remote (the tests call loadFromDisk, which parses the files without
// pulling).
func writeFixture(t *testing.T) string {
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
      config:
        release: bookworm
    bmc:
      address: 10.0.0.10
      username: root
      password: secret
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(clusterDir, "pvc.yml"), []byte(`
hooks:
  - type: osd
    target_nodes: [all]
    args: {disk: /dev/sdb}
`), 0o644))
	return root
}

func TestLoadMergesClusterSpecsAndLowercasesMACs(t *testing.T) {
	root := writeFixture(t)
	l := New(config.AnsibleConfig{Path: root, ClustersFile: "clusters.yml"})

	cspec, err := l.loadFromDisk(config.CSpecFilesConfig{Base: "base.yml", PVC: "pvc.yml", Bootstrap: "bootstrap.yml"})
	require.NoError(t, err)

	entry, ok := cspec.Bootstrap["aa:bb:cc:dd:ee:ff"]
	require.True(t, ok)
	require.Equal(t, "cluster1", entry.Cluster)
	require.Equal(t, "hv1.example.internal", entry.FQDN)
	require.Len(t, cspec.Hooks["cluster1"], 1)
}
