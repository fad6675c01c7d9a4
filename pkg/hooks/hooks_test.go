package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

func TestResolveTargetsAll(t *testing.T) {
	nodes := []*types.Node{{Name: "hv1"}, {Name: "hv2"}}
	targets := resolveTargets([]string{"all"}, nodes)
	require.Len(t, targets, 2)
}

func TestResolveTargetsExplicitList(t *testing.T) {
	nodes := []*types.Node{{Name: "hv1"}, {Name: "hv2"}, {Name: "hv3"}}
	targets := resolveTargets([]string{"hv1", "hv3"}, nodes)
	require.Len(t, targets, 2)
	require.Equal(t, "hv1", targets[0].Name)
	require.Equal(t, "hv3", targets[1].Name)
}

func TestHookIncompleteSkipsMissingTypeOrArgs(t *testing.T) {
	require.True(t, hookIncomplete(types.Hook{Type: "", Args: map[string]any{"a": 1}}))
	require.True(t, hookIncomplete(types.Hook{Type: "script", Args: nil}))
	require.False(t, hookIncomplete(types.Hook{Type: "script", Args: map[string]any{}}))
}

func TestBuildOSDDBCmd(t *testing.T) {
	cmd := buildOSDDBCmd("hv1", map[string]any{"disk": "/dev/sdb"})
	require.Equal(t, "pvc storage osd create-db-vg --yes hv1 /dev/sdb", cmd)
}

func TestBuildOSDCmd(t *testing.T) {
	cmd := buildOSDCmd("hv1", map[string]any{"disk": "/dev/sdc", "weight": 2.0})
	require.Equal(t, "pvc storage osd add --yes hv1 /dev/sdc --weight 2", cmd)

	cmd = buildOSDCmd("hv1", map[string]any{"disk": "/dev/sdc", "weight": 1.0, "ext_db": true, "ext_db_ratio": 0.1})
	require.Equal(t, "pvc storage osd add --yes hv1 /dev/sdc --weight 1 --ext-db --ext-db-ratio 0.1", cmd)
}

func TestBuildPoolCmd(t *testing.T) {
	cmd := buildPoolCmd(map[string]any{"name": "vms", "pgs": "128"})
	require.Equal(t, "pvc storage pool add vms 128 --replcfg copies=3,mincopies=2", cmd)
}

func TestBuildNetworkCmdUnmanaged(t *testing.T) {
	cmd := buildNetworkCmd(map[string]any{"vni": "1000", "description": "storage", "type": "bridged"})
	require.Equal(t, "pvc network add 1000 --description storage --type bridged", cmd)
}

func TestBuildNetworkCmdManagedWithDHCP(t *testing.T) {
	args := map[string]any{
		"vni":            "1001",
		"description":    "vms",
		"type":           "managed",
		"domain":         "vms.example.internal",
		"ip4":            true,
		"ip4_network":    "10.1.0.0/24",
		"ip4_gateway":    "10.1.0.1",
		"ip4_dhcp":       true,
		"ip4_dhcp_start": "10.1.0.100",
		"ip4_dhcp_end":   "10.1.0.200",
	}
	cmd := buildNetworkCmd(args)
	require.Equal(t, "pvc network add 1001 --description vms --type managed --domain vms.example.internal --ipnet 10.1.0.0/24 --gateway 10.1.0.1 --dhcp --dhcp-start 10.1.0.100 --dhcp-end 10.1.0.200", cmd)
}

func TestBuildNetworkCmdManagedNoDHCP(t *testing.T) {
	args := map[string]any{
		"vni":         "1002",
		"description": "vms",
		"type":        "managed",
		"domain":      "vms.example.internal",
		"ip4":         true,
		"ip4_network": "10.2.0.0/24",
		"ip4_gateway": "10.2.0.1",
	}
	cmd := buildNetworkCmd(args)
	require.Equal(t, "pvc network add 1002 --description vms --type managed --domain vms.example.internal --ipnet 10.2.0.0/24 --gateway 10.2.0.1 --no-dhcp", cmd)
}

func TestBuildScriptCmdInline(t *testing.T) {
	cmd := buildScriptCmd(map[string]any{"arguments": []any{"--flag", "value"}})
	require.Equal(t, scriptRemotePath+" --flag value", cmd)
}

func TestBuildScriptCmdRemoteWithSudo(t *testing.T) {
	cmd := buildScriptCmd(map[string]any{"source": "remote", "path": "/opt/tools/run.sh", "use_sudo": true})
	require.Equal(t, "sudo /opt/tools/run.sh", cmd)
}

func TestResolveCopyPath(t *testing.T) {
	require.Equal(t, "/abs/file.txt", resolveCopyPath("/root", "/abs/file.txt"))
	require.Equal(t, "/root/files/file.txt", resolveCopyPath("/root", "files/file.txt"))
}

func TestRunWebhookSendsConfiguredRequest(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := &Runner{cfg: config.AnsibleConfig{}, httpClient: srv.Client()}
	args := map[string]any{
		"uri":    srv.URL + "/hooks/notify",
		"action": "post",
		"body":   map[string]any{"event": "cluster-ready"},
	}
	err := r.runWebhook(context.Background(), args)
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/hooks/notify", gotPath)
	require.Equal(t, "cluster-ready", gotBody["event"])
}

func TestRunWebhookNonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := &Runner{cfg: config.AnsibleConfig{}, httpClient: srv.Client()}
	err := r.runWebhook(context.Background(), map[string]any{"uri": srv.URL, "action": "post"})
	require.Error(t, err)
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"weight":  2.5,
		"pgs":     "128",
		"mode":    []any{"0755", "0644"},
		"ip4_dhcp": true,
	}
	require.Equal(t, 2.5, argFloat(args, "weight", 1))
	require.Equal(t, float64(1), argFloat(args, "missing", 1))
	require.Equal(t, "128", argString(args, "pgs", "64"))
	require.Equal(t, "64", argString(args, "missing", "64"))
	require.Equal(t, []string{"0755", "0644"}, argStringSlice(args, "mode"))
}
