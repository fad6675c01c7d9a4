// Package artifact renders the per-host iPXE and preseed files a node
// fetches during PXE boot, and prepares the TFTP root directory structure
// on first run. Every render is atomic: written to a temp file in the
// destination directory, then renamed into place, so a concurrently
// PXE-booting host never observes a half-written file.
package artifact

import (
	_ "embed"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

//go:embed templates/host.ipxe.tmpl
var ipxeTemplateSrc string

//go:embed templates/host.preseed.tmpl
var preseedTemplateSrc string

var (
	ipxeTemplate    = template.Must(template.New("host.ipxe").Parse(ipxeTemplateSrc))
	preseedTemplate = template.Must(template.New("host.preseed").Parse(preseedTemplateSrc))
)

// Renderer renders PXE/preseed artifacts into the TFTP host directory.
type Renderer struct {
	cfg config.TFTPConfig
	dhcpAddress string
	apiPort     int
}

// New builds a Renderer. dhcpAddress/apiPort are embedded in the rendered
// preseed's checkin URL, per spec §6.
func New(cfg config.TFTPConfig, dhcpAddress string, apiPort int) *Renderer {
	return &Renderer{cfg: cfg, dhcpAddress: dhcpAddress, apiPort: apiPort}
}

type ipxeData struct {
	TFTPHost    string
	ImgArgsHost string
}

// AddPXE renders the per-host iPXE config for hostMAC into
// mac-<nocolons>.ipxe under the TFTP host directory.
func (r *Renderer) AddPXE(node types.NodeSpec, hostMAC string) error {
	var imgArgs string
	if len(node.Config.KernelOptions) > 0 {
		imgArgs = strings.Join(node.Config.KernelOptions, " ")
	}

	var buf strings.Builder
	if err := ipxeTemplate.Execute(&buf, ipxeData{TFTPHost: r.cfg.RootPath, ImgArgsHost: imgArgs}); err != nil {
		return fmt.Errorf("render ipxe template: %w", err)
	}

	dest := filepath.Join(r.cfg.HostPath, fmt.Sprintf("mac-%s.ipxe", stripColons(hostMAC)))
	return atomicWrite(dest, buf.String())
}

type preseedData struct {
	DebRelease     string
	DebMirror      string
	AddPkgList     string
	Filesystem     string
	SkipBlockcheck bool
	FQDN           string
	TargetDisk     string
	CheckinURI     string
}

// AddPreseed renders the per-host installer preseed for hostMAC into
// mac-<nocolons>.preseed under the TFTP host directory.
func (r *Renderer) AddPreseed(node types.NodeSpec, hostMAC, systemDriveTarget, repoMirror string) error {
	var pkgs string
	if len(node.Config.Packages) > 0 {
		pkgs = strings.Join(node.Config.Packages, ",")
	}

	data := preseedData{
		DebRelease:     node.Config.Release,
		DebMirror:      repoMirror,
		AddPkgList:     pkgs,
		Filesystem:     node.Config.Filesystem,
		SkipBlockcheck: false,
		FQDN:           node.FQDN,
		TargetDisk:     systemDriveTarget,
		CheckinURI:     fmt.Sprintf("http://%s:%d/checkin/host", r.dhcpAddress, r.apiPort),
	}

	var buf strings.Builder
	if err := preseedTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("render preseed template: %w", err)
	}

	dest := filepath.Join(r.cfg.HostPath, fmt.Sprintf("mac-%s.preseed", stripColons(hostMAC)))
	return atomicWrite(dest, buf.String())
}

// InitTFTPRoot creates the TFTP root/host directories and drops the deploy
// public key as keys.txt on first run, matching
// original_source/.../lib/tftp.py:init_tftp. It is a no-op if the root
// already exists.
func (r *Renderer) InitTFTPRoot(deployKeyFile string) (created bool, err error) {
	logger := log.WithComponent("artifact")

	if _, statErr := os.Stat(r.cfg.RootPath); statErr == nil {
		logger.Debug().Msg("TFTP root already initialized")
		return false, nil
	}

	logger.Info().Str("path", r.cfg.RootPath).Msg("first run: building TFTP root")
	if err := os.MkdirAll(r.cfg.RootPath, 0o755); err != nil {
		return false, fmt.Errorf("create tftp root: %w", err)
	}
	if err := os.MkdirAll(r.cfg.HostPath, 0o755); err != nil {
		return false, fmt.Errorf("create tftp host path: %w", err)
	}

	pubKey, err := os.ReadFile(deployKeyFile + ".pub")
	if err != nil {
		return false, fmt.Errorf("read deploy public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.cfg.RootPath, "keys.txt"), pubKey, 0o644); err != nil {
		return false, fmt.Errorf("write keys.txt: %w", err)
	}

	return true, nil
}

func stripColons(mac string) string {
	return strings.ReplaceAll(mac, ":", "")
}

func atomicWrite(dest, contents string) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(contents + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// FormatIPRange joins a start/end lease pair as "start,end", the form
// dnsmasq's --dhcp-range flag takes, after checking that both parse as IP
// addresses. It does not check the address family or that start precedes end.
func FormatIPRange(start, end string) (string, error) {
	s := net.ParseIP(start)
	e := net.ParseIP(end)
	if s == nil || e == nil {
		return "", fmt.Errorf("invalid lease range %s-%s", start, end)
	}
	return start + "," + end, nil
}

