// Package orchestrator is bootstrapd's control plane: it turns raw DHCP and
// host checkin events into Store mutations and dispatches the Redfish,
// configuration-runner, and hook-runner stages at the right points in a
// cluster's lifecycle. Grounded on
// original_source/.../lib/lib.py and lib/host.py.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/hooks"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/metrics"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/notify"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/redfish"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/runner"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/specloader"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/store"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

// DnsmasqCheckin is the JSON body of a POST /checkin/dnsmasq request.
type DnsmasqCheckin struct {
	Action      string `json:"action"`
	MACAddr     string `json:"macaddr"`
	IPAddr      string `json:"ipaddr"`
	Hostname    string `json:"hostname"`
	ClientID    string `json:"client_id"`
	VendorClass string `json:"vendor_class"`
	UserClass   string `json:"user_class"`
	DestAddr    string `json:"destaddr"`
}

// HostCheckin is the JSON body of a POST /checkin/host request.
type HostCheckin struct {
	Action      string `json:"action"`
	BMCMACAddr  string `json:"bmc_macaddr"`
	BMCIPAddr   string `json:"bmc_ipaddr"`
	HostMACAddr string `json:"host_macaddr"`
	HostIPAddr  string `json:"host_ipaddr"`
}

// RedfishInitFunc dispatches one node's Redfish init sequence, typically by
// enqueueing it onto the task queue rather than running it on the request
// goroutine.
type RedfishInitFunc func(ctx context.Context, node *types.Node, entry types.BootstrapEntry) error

// Orchestrator holds every component the checkin handlers dispatch into.
type Orchestrator struct {
	store       store.Store
	loader      *specloader.Loader
	notifier    *notify.Notifier
	hookRunner  *hooks.Runner
	runner      *runner.Runner
	cspecFiles  config.CSpecFilesConfig
	redfishInit RedfishInitFunc
}

// New builds an Orchestrator. redfishInit lets the caller fan RedfishInit
// calls out through the task queue instead of running them inline on the
// HTTP request goroutine.
func New(st store.Store, loader *specloader.Loader, notifier *notify.Notifier, hookRunner *hooks.Runner, runnerImpl *runner.Runner, cspecFiles config.CSpecFilesConfig, redfishInit RedfishInitFunc) *Orchestrator {
	return &Orchestrator{
		store:       st,
		loader:      loader,
		notifier:    notifier,
		hookRunner:  hookRunner,
		runner:      runnerImpl,
		cspecFiles:  cspecFiles,
		redfishInit: redfishInit,
	}
}

// HandleDnsmasqCheckin implements dnsmasq_checkin: on an "add" event it
// checks the node against the bootstrap map, skips already-registered
// nodes, and kicks off RedfishInit for Redfish-capable BMCs. "tftp" events
// are logged only.
func (o *Orchestrator) HandleDnsmasqCheckin(ctx context.Context, data DnsmasqCheckin) error {
	logger := log.WithComponent("orchestrator")

	switch data.Action {
	case "add":
		logger.Info().Str("macaddr", data.MACAddr).Msg("dnsmasq add checkin")

		cspec, err := o.loader.Load(ctx, o.cspecFiles)
		if err != nil {
			return fmt.Errorf("load cspec: %w", err)
		}

		entry, inBootstrapMap := cspec.Bootstrap[strings.ToLower(data.MACAddr)]
		if !inBootstrapMap {
			logger.Warn().Str("macaddr", data.MACAddr).Msg("device not in bootstrap map; ignoring")
			return nil
		}

		nodes, err := o.store.GetNodesInCluster(ctx, entry.Cluster)
		if err != nil && err != store.ErrNotFound {
			return fmt.Errorf("check existing registration: %w", err)
		}
		for _, n := range nodes {
			if strings.EqualFold(n.BMCMACAddr, data.MACAddr) {
				logger.Info().Str("macaddr", data.MACAddr).Msg("device already bootstrapped; ignoring")
				return nil
			}
		}

		o.notifier.Send(ctx, notify.StatusInfo, fmt.Sprintf("new host checkin from MAC %s as host %s in cluster %s", data.MACAddr, entry.FQDN, entry.Cluster))

		isRedfish := false
		if entry.BMC.Redfish != nil {
			isRedfish = *entry.BMC.Redfish
		} else {
			isRedfish = redfish.CheckRedfish(ctx, entry.BMC.Address)
		}
		logger.Info().Bool("redfish", isRedfish).Str("macaddr", data.MACAddr).Msg("redfish capability determined")

		if !isRedfish {
			return nil
		}

		cluster, err := o.store.GetClusterByName(ctx, entry.Cluster)
		if err == store.ErrNotFound {
			var nodeNames []string
			for _, e := range cspec.Bootstrap {
				if e.Cluster == entry.Cluster {
					nodeNames = append(nodeNames, e.Node.Name)
				}
			}
			sort.Strings(nodeNames)
			cluster, err = o.store.AddCluster(ctx, entry.Cluster, types.ClusterProvisioning, nodeNames)
		}
		if err != nil {
			return fmt.Errorf("get-or-create cluster: %w", err)
		}

		node, err := o.store.GetNode(ctx, entry.Cluster, 0, entry.Node.Name, "")
		if err == store.ErrNotFound {
			node, err = o.store.AddNode(ctx, cluster.ID, entry.Node.Name, 0)
		}
		if err != nil {
			return fmt.Errorf("get-or-create node: %w", err)
		}
		if err := o.store.UpdateNodeAddresses(ctx, node.ID, data.MACAddr, data.IPAddr, "", ""); err != nil {
			return fmt.Errorf("record bmc address: %w", err)
		}

		return o.redfishInit(ctx, node, entry)

	case "tftp":
		logger.Info().Str("destaddr", data.DestAddr).Msg("tftp checkin")
		return nil

	default:
		logger.Warn().Str("action", data.Action).Msg("unknown dnsmasq checkin action")
		return nil
	}
}

// HandleHostCheckin implements host_checkin: dispatches on data.Action
// across the install-start/install-complete/system-boot_* states,
// implementing the barrier that waits for every node in a cluster to reach
// the same state before advancing the cluster and invoking the next stage.
func (o *Orchestrator) HandleHostCheckin(ctx context.Context, data HostCheckin) error {
	logger := log.WithComponent("orchestrator")

	cspec, err := o.loader.Load(ctx, o.cspecFiles)
	if err != nil {
		return fmt.Errorf("load cspec: %w", err)
	}
	entry, ok := cspec.Bootstrap[strings.ToLower(data.BMCMACAddr)]
	if !ok {
		return fmt.Errorf("bmc %s not present in bootstrap map", data.BMCMACAddr)
	}

	switch data.Action {
	case "install-start":
		logger.Info().Str("fqdn", entry.FQDN).Msg("install start")
		o.notifier.Send(ctx, notify.StatusBegin, fmt.Sprintf("cluster %s: base install starting for host %s", entry.Cluster, entry.FQDN))
		return o.setNodeState(ctx, entry, data, types.NodeInstalling)

	case "install-complete":
		logger.Info().Str("fqdn", entry.FQDN).Msg("install complete")
		o.notifier.Send(ctx, notify.StatusSuccess, fmt.Sprintf("cluster %s: base install completed for host %s", entry.Cluster, entry.FQDN))
		return o.setNodeState(ctx, entry, data, types.NodeInstalled)

	case "system-boot_initial":
		return o.handleBarrier(ctx, entry, data, types.NodeBootedInitial, types.ClusterAnsibleRunning, func(ready []*types.Node) error {
			return o.runner.RunBootstrap(ctx, o.notifier, entry.Cluster, cspec.LocalDomain, ready)
		})

	case "system-boot_configured":
		return o.handleBarrier(ctx, entry, data, types.NodeBootedConfigured, types.ClusterHooksRunning, func(ready []*types.Node) error {
			clusterHooks := cspec.Hooks[entry.Cluster]
			if err := o.hookRunner.RunHooks(ctx, o.notifier, entry.Cluster, ready, clusterHooks); err != nil {
				return err
			}
			if err := o.markClusterNodesCompleted(ctx, entry.Cluster); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(300 * time.Second):
			}

			cluster, err := o.store.GetClusterByName(ctx, entry.Cluster)
			if err != nil {
				return fmt.Errorf("get cluster: %w", err)
			}
			swapped, err := o.store.CompareAndSwapClusterState(ctx, cluster.ID, types.ClusterHooksRunning, types.ClusterCompleted)
			if err != nil {
				return err
			}
			if !swapped {
				return nil
			}
			o.notifier.Send(ctx, notify.StatusCompleted, fmt.Sprintf("cluster %s: bootstrap deployment completed", entry.Cluster))
			return nil
		})

	case "system-boot_completed":
		// The cluster has already reached "completed" by the time a node
		// reports this state; treated as a no-op acknowledgment.
		logger.Debug().Str("fqdn", entry.FQDN).Msg("system-boot_completed checkin acknowledged")
		return nil

	default:
		return fmt.Errorf("unknown host checkin action %q", data.Action)
	}
}

func (o *Orchestrator) setNodeState(ctx context.Context, entry types.BootstrapEntry, data HostCheckin, state types.NodeState) error {
	node, err := o.store.GetNode(ctx, entry.Cluster, 0, entry.Node.Name, "")
	if err != nil {
		return fmt.Errorf("get node: %w", err)
	}
	if err := o.store.UpdateNodeAddresses(ctx, node.ID, data.BMCMACAddr, data.BMCIPAddr, data.HostMACAddr, data.HostIPAddr); err != nil {
		return fmt.Errorf("update node addresses: %w", err)
	}
	return o.store.UpdateNodeState(ctx, node.ID, state)
}

// handleBarrier sets the checking-in node's state, then advances the
// cluster (and invokes advance) only once every node in the cluster has
// reached targetState — the compare-and-swap barrier semantics shared by
// both the post-install and post-configuration transitions.
func (o *Orchestrator) handleBarrier(ctx context.Context, entry types.BootstrapEntry, data HostCheckin, targetState types.NodeState, nextClusterState types.ClusterState, advance func(ready []*types.Node) error) error {
	if err := o.setNodeState(ctx, entry, data, targetState); err != nil {
		return err
	}

	allNodes, err := o.store.GetNodesInCluster(ctx, entry.Cluster)
	if err != nil {
		return fmt.Errorf("get nodes in cluster: %w", err)
	}

	var ready []*types.Node
	for _, n := range allNodes {
		if n.State == targetState {
			ready = append(ready, n)
		}
	}

	if len(ready) < len(allNodes) {
		log.WithComponent("orchestrator").Info().Int("ready", len(ready)).Int("total", len(allNodes)).Msg("barrier not yet satisfied")
		return nil
	}

	cluster, err := o.store.GetClusterByName(ctx, entry.Cluster)
	if err != nil {
		return fmt.Errorf("get cluster: %w", err)
	}

	// Every node hitting the barrier on the same tick observes "all ready"
	// and reaches this point; the compare-and-swap ensures only the one
	// whose swap actually lands gets to invoke advance, so the
	// configuration runner or hook runner fires exactly once per cluster
	// lifecycle transition.
	prevClusterState := map[types.ClusterState]types.ClusterState{
		types.ClusterAnsibleRunning: types.ClusterProvisioning,
		types.ClusterHooksRunning:   types.ClusterAnsibleRunning,
	}[nextClusterState]
	swapped, err := o.store.CompareAndSwapClusterState(ctx, cluster.ID, prevClusterState, nextClusterState)
	if err != nil {
		return fmt.Errorf("advance cluster state: %w", err)
	}
	if !swapped {
		log.WithComponent("orchestrator").Info().Str("cluster", entry.Cluster).Msg("barrier satisfied but cluster state already advanced by another caller")
		return nil
	}
	metrics.BarrierAdvancesTotal.WithLabelValues(string(nextClusterState)).Inc()

	return advance(ready)
}

func (o *Orchestrator) markClusterNodesCompleted(ctx context.Context, clusterName string) error {
	nodes, err := o.store.GetNodesInCluster(ctx, clusterName)
	if err != nil {
		return fmt.Errorf("get nodes in cluster: %w", err)
	}
	for _, n := range nodes {
		if err := o.store.UpdateNodeState(ctx, n.ID, types.NodeCompleted); err != nil {
			return fmt.Errorf("mark node completed: %w", err)
		}
	}
	return nil
}
