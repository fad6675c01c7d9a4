package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	root := t.TempDir()
	hostPath := filepath.Join(root, "hosts")
	require.NoError(t, os.MkdirAll(hostPath, 0o755))
	return New(config.TFTPConfig{RootPath: root, HostPath: hostPath}, "10.0.0.1", 7000)
}

func TestAddPXERendersKernelOptions(t *testing.T) {
	r := newTestRenderer(t)
	node := types.NodeSpec{Name: "hv1", Config: types.NodeConfigSpec{KernelOptions: []string{"console=ttyS0", "quiet"}}}

	require.NoError(t, r.AddPXE(node, "AA:BB:CC:DD:EE:FF"))

	out, err := os.ReadFile(filepath.Join(r.cfg.HostPath, "mac-AABBCCDDEEFF.ipxe"))
	require.NoError(t, err)
	require.Contains(t, string(out), "console=ttyS0 quiet")
}

func TestAddPreseedIncludesCheckinURI(t *testing.T) {
	r := newTestRenderer(t)
	node := types.NodeSpec{FQDN: "hv1.example.internal", Config: types.NodeConfigSpec{Release: "bookworm", Filesystem: "lvm"}}

	require.NoError(t, r.AddPreseed(node, "aa:bb:cc:dd:ee:ff", "/dev/sda", "deb.example.com"))

	out, err := os.ReadFile(filepath.Join(r.cfg.HostPath, "mac-aabbccddeeff.preseed"))
	require.NoError(t, err)
	require.Contains(t, string(out), "http://10.0.0.1:7000/checkin/host")
	require.Contains(t, string(out), "hv1.example.internal")
}

func TestInitTFTPRootCreatesKeysFile(t *testing.T) {
	root := t.TempDir()
	tftpRoot := filepath.Join(root, "tftpboot")
	keyFile := filepath.Join(root, "deploy.key")
	require.NoError(t, os.WriteFile(keyFile+".pub", []byte("ssh-ed25519 AAAA...\n"), 0o644))

	r := New(config.TFTPConfig{RootPath: tftpRoot, HostPath: filepath.Join(tftpRoot, "hosts")}, "10.0.0.1", 7000)
	created, err := r.InitTFTPRoot(keyFile)
	require.NoError(t, err)
	require.True(t, created)

	_, err = os.Stat(filepath.Join(tftpRoot, "keys.txt"))
	require.NoError(t, err)

	created, err = r.InitTFTPRoot(keyFile)
	require.NoError(t, err)
	require.False(t, created)
}

func TestFormatIPRange(t *testing.T) {
	_, err := FormatIPRange("not-an-ip", "10.0.0.2")
	require.Error(t, err)

	rng, err := FormatIPRange("10.0.0.100", "10.0.0.200")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.100,10.0.0.200", rng)
}
