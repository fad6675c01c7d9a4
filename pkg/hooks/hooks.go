// Package hooks executes a cluster's post-configuration-runner hook list:
// per-node SSH commands and file copies, plus cluster-wide webhook calls.
// Grounded on original_source/.../lib/hooks.py.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pkg/sftp"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/bootstraperr"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/metrics"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/notify"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

// Runner executes hooks against a cluster's nodes over SSH, and fires
// webhook-type hooks directly over HTTP.
type Runner struct {
	cfg            config.AnsibleConfig
	deployUsername string
	signer         ssh.Signer
	httpClient     *http.Client
}

// New builds a Runner, loading the deploy SSH private key once up front.
func New(cfg config.AnsibleConfig, deployUsername string) (*Runner, error) {
	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ansible key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ansible key file: %w", err)
	}

	return &Runner{
		cfg:            cfg,
		deployUsername: deployUsername,
		signer:         signer,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (r *Runner) dial(address string) (*ssh.Client, error) {
	clientCfg := &ssh.ClientConfig{
		User:            r.deployUsername,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}
	return ssh.Dial("tcp", address+":22", clientCfg)
}

// runCommand opens one SSH session per command, matching original_source's
// one-exec-per-connection pattern.
func (r *Runner) runCommand(client *ssh.Client, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logger := log.WithComponent("hooks")
	err = session.Run(command)
	logger.Debug().Str("command", command).Str("stdout", stdout.String()).Str("stderr", stderr.String()).Msg("ran hook command")
	return err
}

// RunHooks waits 300s for the cluster to settle, then runs every hook in
// order, notifying begin/success/failure per hook, with a 5s pause between
// hooks, matching original_source's run_hooks.
func (r *Runner) RunHooks(ctx context.Context, notifier *notify.Notifier, clusterName string, nodes []*types.Node, hookList []types.Hook) error {
	logger := log.WithComponent("hooks").With().Str("cluster", clusterName).Logger()
	logger.Info().Msg("waiting 300s before starting hook run")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(300 * time.Second):
	}

	notifier.Send(ctx, notify.StatusBegin, fmt.Sprintf("cluster %s: running post-setup hook tasks", clusterName))

	for _, hook := range hookList {
		if hookIncomplete(hook) {
			logger.Warn().Msg("hook entry missing type or args, skipping")
			continue
		}

		targets := resolveTargets(hook.TargetNodes, nodes)
		logger.Info().Str("type", hook.Type).Msg("running hook")

		timer := metrics.NewTimer()
		err := r.runOne(ctx, clusterName, hook, targets)
		timer.ObserveDurationVec(metrics.TaskDuration, "hook")

		if err != nil {
			logger.Warn().Err(err).Str("type", hook.Type).Msg("hook failed")
			metrics.HookRunsTotal.WithLabelValues(hook.Type, "failure").Inc()
			notifier.Send(ctx, notify.StatusFailure, fmt.Sprintf("cluster %s: failed hook task '%s' with error '%v'", clusterName, hook.Type, err))
		} else {
			metrics.HookRunsTotal.WithLabelValues(hook.Type, "success").Inc()
			notifier.Send(ctx, notify.StatusSuccess, fmt.Sprintf("cluster %s: completed hook task '%s'", clusterName, hook.Type))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}

	notifier.Send(ctx, notify.StatusSuccess, fmt.Sprintf("cluster %s: completed post-setup hook tasks", clusterName))
	return nil
}

// hookIncomplete reports a hook entry with no type or no args, matching
// original_source's guard: RunHooks logs a warning and skips such an entry
// rather than dispatching and failing it.
func hookIncomplete(hook types.Hook) bool {
	return hook.Type == "" || hook.Args == nil
}

func resolveTargets(targetNodes []string, nodes []*types.Node) []*types.Node {
	for _, t := range targetNodes {
		if t == "all" {
			return nodes
		}
	}
	set := make(map[string]bool, len(targetNodes))
	for _, t := range targetNodes {
		set[t] = true
	}
	var out []*types.Node
	for _, n := range nodes {
		if set[n.Name] {
			out = append(out, n)
		}
	}
	return out
}

func (r *Runner) runOne(ctx context.Context, clusterName string, hook types.Hook, targets []*types.Node) error {
	var err error
	switch hook.Type {
	case "osddb":
		err = r.runOSDDB(targets, hook.Args)
	case "osd":
		err = r.runOSD(targets, hook.Args)
	case "pool":
		err = r.runPool(targets, hook.Args)
	case "network":
		err = r.runNetwork(targets, hook.Args)
	case "copy":
		err = r.runCopy(targets, hook.Args)
	case "script":
		err = r.runScript(targets, hook.Args)
	case "webhook":
		err = r.runWebhook(ctx, hook.Args)
	default:
		err = fmt.Errorf("unknown hook type")
	}
	if err != nil {
		return &bootstraperr.HookError{Cluster: clusterName, HookType: hook.Type, Err: err}
	}
	return nil
}

func buildOSDDBCmd(nodeName string, args map[string]any) string {
	disk, _ := args["disk"].(string)
	return fmt.Sprintf("pvc storage osd create-db-vg --yes %s %s", nodeName, disk)
}

func (r *Runner) runOSDDB(targets []*types.Node, args map[string]any) error {
	for _, node := range targets {
		client, err := r.dial(node.HostIPAddr)
		if err != nil {
			return err
		}
		err = r.runCommand(client, buildOSDDBCmd(node.Name, args))
		client.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func buildOSDCmd(nodeName string, args map[string]any) string {
	disk, _ := args["disk"].(string)
	weight := argFloat(args, "weight", 1)
	extDB, _ := args["ext_db"].(bool)
	extDBRatio := argFloat(args, "ext_db_ratio", 0.05)

	cmd := fmt.Sprintf("pvc storage osd add --yes %s %s --weight %v", nodeName, disk, weight)
	if extDB {
		cmd = fmt.Sprintf("%s --ext-db --ext-db-ratio %v", cmd, extDBRatio)
	}
	return cmd
}

func (r *Runner) runOSD(targets []*types.Node, args map[string]any) error {
	for _, node := range targets {
		client, err := r.dial(node.HostIPAddr)
		if err != nil {
			return err
		}
		err = r.runCommand(client, buildOSDCmd(node.Name, args))
		client.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func buildPoolCmd(args map[string]any) string {
	name, _ := args["name"].(string)
	pgs := argString(args, "pgs", "64")
	replcfg := argString(args, "replcfg", "copies=3,mincopies=2")
	return fmt.Sprintf("pvc storage pool add %s %s --replcfg %s", name, pgs, replcfg)
}

func (r *Runner) runPool(targets []*types.Node, args map[string]any) error {
	if len(targets) == 0 {
		return fmt.Errorf("no target nodes for pool hook")
	}
	node := targets[0]

	client, err := r.dial(node.HostIPAddr)
	if err != nil {
		return err
	}
	defer client.Close()
	return r.runCommand(client, buildPoolCmd(args))
}

func buildNetworkCmd(args map[string]any) string {
	vni, _ := args["vni"].(string)
	description, _ := args["description"].(string)
	nettype, _ := args["type"].(string)

	cmd := fmt.Sprintf("pvc network add %s --description %s --type %s", vni, description, nettype)

	if mtu, ok := args["mtu"]; ok {
		if mtuStr := fmt.Sprintf("%v", mtu); mtuStr != "auto" && mtuStr != "default" {
			cmd = fmt.Sprintf("%s --mtu %s", cmd, mtuStr)
		}
	}

	if nettype == "managed" {
		domain, _ := args["domain"].(string)
		cmd = fmt.Sprintf("%s --domain %s", cmd, domain)

		if dnsServers, ok := args["dns_servers"].([]any); ok {
			for _, s := range dnsServers {
				cmd = fmt.Sprintf("%s --dns-server %v", cmd, s)
			}
		}

		if ip4, _ := args["ip4"].(bool); ip4 {
			ip4Net, _ := args["ip4_network"].(string)
			ip4Gw, _ := args["ip4_gateway"].(string)
			cmd = fmt.Sprintf("%s --ipnet %s --gateway %s", cmd, ip4Net, ip4Gw)

			if ip4DHCP, _ := args["ip4_dhcp"].(bool); ip4DHCP {
				start, _ := args["ip4_dhcp_start"].(string)
				end, _ := args["ip4_dhcp_end"].(string)
				cmd = fmt.Sprintf("%s --dhcp --dhcp-start %s --dhcp-end %s", cmd, start, end)
			} else {
				cmd = fmt.Sprintf("%s --no-dhcp", cmd)
			}
		}

		if ip6, _ := args["ip6"].(bool); ip6 {
			ip6Net, _ := args["ip6_network"].(string)
			ip6Gw, _ := args["ip6_gateway"].(string)
			cmd = fmt.Sprintf("%s --ipnet6 %s --gateway6 %s", cmd, ip6Net, ip6Gw)
		}
	}
	return cmd
}

func (r *Runner) runNetwork(targets []*types.Node, args map[string]any) error {
	if len(targets) == 0 {
		return fmt.Errorf("no target nodes for network hook")
	}
	node := targets[0]

	client, err := r.dial(node.HostIPAddr)
	if err != nil {
		return err
	}
	defer client.Close()
	return r.runCommand(client, buildNetworkCmd(args))
}

var absPathRe = regexp.MustCompile(`^/`)

// resolveCopyPath joins a copy/script hook's local source path against the
// ansible tree root unless it's already absolute.
func resolveCopyPath(root, path string) string {
	if absPathRe.MatchString(path) {
		return path
	}
	return filepath.Join(root, path)
}

func (r *Runner) runCopy(targets []*types.Node, args map[string]any) error {
	sources := argStringSlice(args, "source")
	destinations := argStringSlice(args, "destination")
	modes := argStringSlice(args, "mode")

	n := len(sources)
	if len(destinations) < n {
		n = len(destinations)
	}
	if len(modes) < n {
		n = len(modes)
	}

	for _, node := range targets {
		client, err := r.dial(node.HostIPAddr)
		if err != nil {
			return err
		}
		sftpClient, err := sftp.NewClient(client)
		if err != nil {
			client.Close()
			return err
		}

		for i := 0; i < n; i++ {
			src := resolveCopyPath(r.cfg.Path, sources[i])
			mode, err := strconv.ParseUint(modes[i], 8, 32)
			if err != nil {
				sftpClient.Close()
				client.Close()
				return fmt.Errorf("parse copy mode %q: %w", modes[i], err)
			}
			if err := copyFile(sftpClient, src, destinations[i], os.FileMode(mode)); err != nil {
				sftpClient.Close()
				client.Close()
				return err
			}
		}

		sftpClient.Close()
		client.Close()
	}
	return nil
}

const scriptRemotePath = "/tmp/bootstrapd.hook"

// buildScriptCmd constructs the remote command line for a script hook,
// matching original_source's build_script_command: the uploaded/staged path
// (or the remote path verbatim for source=="remote"), its arguments, and an
// optional sudo prefix.
func buildScriptCmd(args map[string]any) string {
	source, _ := args["source"].(string)
	path, _ := args["path"].(string)
	arguments := argStringSlice(args, "arguments")
	useSudo, _ := args["use_sudo"].(bool)

	remoteCommand := scriptRemotePath
	if source == "remote" {
		remoteCommand = path
	}
	if len(arguments) > 0 {
		remoteCommand = fmt.Sprintf("%s %s", remoteCommand, strings.Join(arguments, " "))
	}
	if useSudo {
		remoteCommand = "sudo " + remoteCommand
	}
	return remoteCommand
}

func (r *Runner) runScript(targets []*types.Node, args map[string]any) error {
	script, _ := args["script"].(string)
	source, _ := args["source"].(string)
	path, _ := args["path"].(string)

	const remotePath = scriptRemotePath

	for _, node := range targets {
		client, err := r.dial(node.HostIPAddr)
		if err != nil {
			return err
		}

		switch {
		case script != "":
			if err := uploadInlineScript(client, script, remotePath); err != nil {
				client.Close()
				return err
			}
		case source == "local":
			localPath := resolveCopyPath(r.cfg.Path, path)
			sftpClient, err := sftp.NewClient(client)
			if err != nil {
				client.Close()
				return err
			}
			err = copyFile(sftpClient, localPath, remotePath, 0o755)
			sftpClient.Close()
			if err != nil {
				client.Close()
				return err
			}
		case source == "remote":
			// path is already present on the target; nothing to stage.
		}

		remoteCommand := buildScriptCmd(args)

		err = r.runCommand(client, remoteCommand)
		client.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runWebhook(ctx context.Context, args map[string]any) error {
	uri, _ := args["uri"].(string)
	action, _ := args["action"].(string)
	body := args["body"]

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(action), uri, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func uploadInlineScript(client *ssh.Client, script, remotePath string) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(script)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return sftpClient.Chmod(remotePath, 0o755)
}

func copyFile(client *sftp.Client, src, dest string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read local file %s: %w", src, err)
	}
	f, err := client.Create(dest)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", dest, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write remote file %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return client.Chmod(dest, mode)
}

func argFloat(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}

func argString(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return fallback
}

func argStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}
