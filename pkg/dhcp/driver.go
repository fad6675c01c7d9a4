// Package dhcp supervises dnsmasq as a child process, providing combined
// DHCP and TFTP service for PXE-booting nodes. The command line is built
// once from config and is stable across restarts, matching
// original_source/.../lib/dnsmasq.py.
package dhcp

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
)

// Driver supervises one dnsmasq subprocess.
type Driver struct {
	cfg     config.DHCPConfig
	tftp    config.TFTPConfig
	apiPort int
	debug   bool

	mu  sync.Mutex
	cmd *exec.Cmd
}

// New builds a Driver from the dhcp/tftp config sections.
func New(dhcpCfg config.DHCPConfig, tftpCfg config.TFTPConfig, apiPort int, debug bool) *Driver {
	return &Driver{cfg: dhcpCfg, tftp: tftpCfg, apiPort: apiPort, debug: debug}
}

// BuildArgs computes the dnsmasq command-line arguments, reproducing
// original_source's flag set: authoritative DHCP, integrated TFTP, and the
// BIOS/UEFI/iPXE chainload tagging logic so a client is served the right
// boot program depending on what it already is.
func (d *Driver) BuildArgs() []string {
	args := []string{
		"--no-daemon",
		"--bogus-priv",
		"--no-hosts",
		"--dhcp-authoritative",
		"--filterwin2k",
		"--expand-hosts",
		"--domain-needed",
		fmt.Sprintf("--domain=%s", d.cfg.Domain),
		fmt.Sprintf("--local=/%s/", d.cfg.Domain),
		"--log-facility=-",
		"--log-dhcp",
		"--keep-in-foreground",
		"--bind-interfaces",
		fmt.Sprintf("--listen-address=%s", d.cfg.Address),
		fmt.Sprintf("--dhcp-option=3,%s", d.cfg.Gateway),
		fmt.Sprintf("--dhcp-range=%s,%s,%s", d.cfg.LeaseStart, d.cfg.LeaseEnd, d.cfg.LeaseTime),
		"--enable-tftp",
		fmt.Sprintf("--tftp-root=%s", d.tftp.RootPath),

		// BIOS clients (option 93 == 0) chainload the legacy PXE binary;
		// everything else (UEFI, arch 7/9) chainloads iPXE, which then
		// fetches the per-host config built by pkg/artifact.
		"--dhcp-match=set:bios,option:client-arch,0",
		"--dhcp-match=set:efi64,option:client-arch,7",
		"--dhcp-match=set:efi64,option:client-arch,9",
		"--dhcp-boot=tag:bios,undionly.kpxe",
		"--dhcp-boot=tag:efi64,ipxe.efi",
		"--dhcp-userclass=set:ipxe,iPXE",
		"--dhcp-boot=tag:ipxe,boot.ipxe",
	}

	if d.debug {
		args = append(args, "--leasefile-ro")
	}

	return args
}

// Start launches dnsmasq as a child process and returns once it has been
// spawned; it does not wait for exit.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return fmt.Errorf("dhcp driver already started")
	}

	logger := log.WithComponent("dhcp")
	args := d.BuildArgs()
	cmd := exec.CommandContext(ctx, "dnsmasq", args...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("API_PORT=%d", d.apiPort))

	logger.Info().Strs("args", args).Msg("starting dnsmasq")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start dnsmasq: %w", err)
	}

	d.cmd = cmd
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warn().Err(err).Msg("dnsmasq exited")
		} else {
			logger.Info().Msg("dnsmasq exited cleanly")
		}
	}()

	return nil
}

// Stop sends SIGTERM to the dnsmasq child and returns without waiting; the
// goroutine started by Start reaps the process.
func (d *Driver) Stop() error {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

// Reload sends SIGHUP to the dnsmasq child, causing it to reread its lease
// database without a full restart.
func (d *Driver) Reload() error {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("dhcp driver not running")
	}
	return cmd.Process.Signal(syscall.SIGHUP)
}
