package redfish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/artifact"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/bootstraperr"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/metrics"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/notify"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/store"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

// systemDetails holds the pieces of a Redfish System resource this daemon
// cares about, gathered during characterization.
type systemDetails struct {
	vendor            string
	systemRoot        string
	storageRoot       string
	resetActionTarget string
	ethernetRoot      string
}

// characterize reads the given System resource once and resolves the
// sub-resource paths later init steps need (storage, Ethernet interfaces,
// reset action). It does not walk the ServiceRoot, Systems or Managers
// collections; the System path comes from the caller.
func characterize(ctx context.Context, session *Session, systemRoot string) (*systemDetails, error) {
	system, err := session.Get(ctx, systemRoot)
	if err != nil {
		return nil, fmt.Errorf("get system: %w", err)
	}

	vendor, _ := system["Manufacturer"].(string)

	details := &systemDetails{vendor: vendor, systemRoot: systemRoot}

	if storage, ok := system["Storage"].(map[string]any); ok {
		details.storageRoot, _ = storage["@odata.id"].(string)
	}
	if ethernet, ok := system["EthernetInterfaces"].(map[string]any); ok {
		details.ethernetRoot, _ = ethernet["@odata.id"].(string)
	}
	if actions, ok := system["Actions"].(map[string]any); ok {
		if reset, ok := actions["#ComputerSystem.Reset"].(map[string]any); ok {
			details.resetActionTarget, _ = reset["target"].(string)
		}
	}
	if details.resetActionTarget == "" {
		details.resetActionTarget = systemRoot + "/Actions/ComputerSystem.Reset"
	}

	return details, nil
}

// findHostMAC walks a System's EthernetInterfaces collection in collection
// order and returns the lower-cased MACAddress of the first interface not
// reported as disabled. There is no fallback source: when no interface
// reports a MAC address, it returns an error.
func findHostMAC(ctx context.Context, session *Session, ethernetRoot string) (string, error) {
	if ethernetRoot == "" {
		return "", fmt.Errorf("system did not report an EthernetInterfaces collection")
	}

	collection, err := session.Get(ctx, ethernetRoot)
	if err != nil {
		return "", fmt.Errorf("get ethernet interfaces: %w", err)
	}

	members, _ := collection["Members"].([]any)
	for _, m := range members {
		obj, _ := m.(map[string]any)
		path, _ := obj["@odata.id"].(string)
		if path == "" {
			continue
		}
		iface, err := session.Get(ctx, path)
		if err != nil {
			continue
		}
		if enabled, ok := iface["InterfaceEnabled"].(bool); ok && !enabled {
			continue
		}
		if mac, _ := iface["MACAddress"].(string); mac != "" {
			return strings.ToLower(mac), nil
		}
	}

	return "", fmt.Errorf("no enabled ethernet interface reported a MAC address")
}

// RedfishInit drives one node from power-off through a Redfish
// characterization, disk-target resolution, PXE artifact render, and
// boot-to-installer sequence, then blocks until the node reaches
// booted-completed or completed (or the context is canceled), grounded on
// original_source/.../lib/redfish.py's main per-node init routine.
func RedfishInit(ctx context.Context, st store.Store, notifier *notify.Notifier, renderer *artifact.Renderer, repoMirror string, node *types.Node, entry types.BootstrapEntry) error {
	logger := log.WithComponent("redfish").With().Str("node", entry.Node.Name).Str("cluster", entry.Cluster).Logger()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RedfishInitDuration)

	notifier.Send(ctx, notify.StatusBegin, fmt.Sprintf("starting redfish init for %s", entry.Node.FQDN))

	if err := st.UpdateNodeState(ctx, node.ID, types.NodeCharacterizing); err != nil {
		return &bootstraperr.StoreError{Op: "UpdateNodeState(characterizing)", Err: err}
	}

	session, err := NewSession(ctx, entry.BMC.Address, entry.BMC.Username, entry.BMC.Password)
	if err != nil {
		notifier.Send(ctx, notify.StatusFailure, fmt.Sprintf("%s: could not open redfish session", entry.Node.FQDN))
		return err
	}
	defer session.Close()

	if err := st.UpdateNodeAddresses(ctx, node.ID, "", entry.BMC.Address, "", ""); err != nil {
		logger.Warn().Err(err).Msg("failed to record bmc address touch")
	}

	const systemRoot = "/redfish/v1/Systems/1"
	details, err := characterize(ctx, session, systemRoot)
	if err != nil {
		notifier.Send(ctx, notify.StatusFailure, fmt.Sprintf("%s: characterization failed", entry.Node.FQDN))
		return &bootstraperr.RedfishError{BMCAddress: entry.BMC.Address, Op: "characterize", Err: err}
	}
	logger.Info().Str("vendor", details.vendor).Msg("characterized system")

	if err := SetPowerState(ctx, session, systemRoot, details.resetActionTarget, PowerOff); err != nil {
		logger.Warn().Err(err).Msg("force-off request failed, continuing")
	}
	if err := SetIndicatorState(ctx, session, systemRoot, details.vendor, IndicatorOn); err != nil {
		logger.Warn().Err(err).Msg("indicator-on request failed, continuing")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(60 * time.Second):
	}

	hostMAC, err := findHostMAC(ctx, session, details.ethernetRoot)
	if err != nil {
		notifier.Send(ctx, notify.StatusFailure, fmt.Sprintf("%s: could not determine host MAC address", entry.Node.FQDN))
		return &bootstraperr.RedfishError{BMCAddress: entry.BMC.Address, Op: "findHostMAC", Err: err}
	}
	if err := st.UpdateNodeAddresses(ctx, node.ID, "", "", hostMAC, ""); err != nil {
		logger.Warn().Err(err).Msg("failed to persist host mac")
	}

	target, err := GetSystemDriveTarget(ctx, session, entry.Node.SystemDisks, details.storageRoot)
	if err != nil {
		notifier.Send(ctx, notify.StatusFailure, fmt.Sprintf("%s: could not resolve system drive target", entry.Node.FQDN))
		return &bootstraperr.RedfishError{BMCAddress: entry.BMC.Address, Op: "GetSystemDriveTarget", Err: err}
	}
	logger.Info().Str("target", target).Msg("resolved system drive target")

	if err := renderer.AddPXE(entry.Node, hostMAC); err != nil {
		return fmt.Errorf("render pxe artifact: %w", err)
	}
	if err := renderer.AddPreseed(entry.Node, hostMAC, target, repoMirror); err != nil {
		return fmt.Errorf("render preseed artifact: %w", err)
	}

	if err := applySettings(ctx, session, systemRoot, entry.BMC.BIOSSettings, "Bios"); err != nil {
		logger.Warn().Err(err).Msg("applying bios settings failed, continuing")
	}
	if err := applySettings(ctx, session, "/redfish/v1/Managers/1", entry.BMC.MgrSettings, "Oem"); err != nil {
		logger.Warn().Err(err).Msg("applying manager settings failed, continuing")
	}

	if err := SetBootOverride(ctx, session, systemRoot, "Pxe"); err != nil {
		notifier.Send(ctx, notify.StatusFailure, fmt.Sprintf("%s: could not set pxe boot override", entry.Node.FQDN))
		return &bootstraperr.RedfishError{BMCAddress: entry.BMC.Address, Op: "SetBootOverride", Err: err}
	}

	notifier.Send(ctx, notify.StatusSuccess, fmt.Sprintf("%s: characterized, booting to installer", entry.Node.FQDN))

	if err := SetPowerState(ctx, session, systemRoot, details.resetActionTarget, PowerOn); err != nil {
		return &bootstraperr.RedfishError{BMCAddress: entry.BMC.Address, Op: "power-on", Err: err}
	}
	if err := st.UpdateNodeState(ctx, node.ID, types.NodePXEBooting); err != nil {
		return &bootstraperr.StoreError{Op: "UpdateNodeState(pxe-booting)", Err: err}
	}

	if err := waitForCompletion(ctx, st, node.ID); err != nil {
		return err
	}

	if err := SetPowerState(ctx, session, systemRoot, details.resetActionTarget, PowerOff); err != nil {
		logger.Warn().Err(err).Msg("final shutdown request failed")
	}
	for try := 0; try < 30; try++ {
		state, err := GetPowerState(ctx, session, systemRoot)
		if err == nil && strings.EqualFold(state, "Off") {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	if err := SetIndicatorState(ctx, session, systemRoot, details.vendor, IndicatorOff); err != nil {
		logger.Warn().Err(err).Msg("indicator-off request failed")
	}

	return nil
}

// applySettings PATCHes root+"/Settings" with the settings map nested under
// the given attribute key, e.g. {"Bios": {...}}, skipping entirely when there's nothing
// configured. Unknown keys are left for the BMC itself to reject or ignore,
// matching original_source's best-effort apply.
func applySettings(ctx context.Context, session *Session, root string, settings map[string]string, attributeKey string) error {
	if len(settings) == 0 {
		return nil
	}
	attrs := make(map[string]any, len(settings))
	for k, v := range settings {
		attrs[k] = v
	}
	_, err := session.Patch(ctx, root+"/Settings", map[string]any{attributeKey: attrs})
	return err
}

// waitForCompletion polls the store every 60s until node reaches
// booted-completed or completed, implementing the barrier half of the per-node
// redfish-init/host-checkin handshake.
func waitForCompletion(ctx context.Context, st store.Store, nodeID int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(60 * time.Second):
		}

		node, err := st.GetNodeByID(ctx, nodeID)
		if err != nil {
			return err
		}
		if node.State == types.NodeBootedCompleted || node.State == types.NodeCompleted {
			return nil
		}
	}
}
