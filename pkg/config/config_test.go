package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
pvc:
  debug: true
  deploy_username: deploy
  database:
    path: /var/lib/bootstrapd/bootstrapd.db
  api:
    address: 0.0.0.0
    port: 7000
  queue:
    address: 127.0.0.1
    port: 7001
    path: /var/lib/bootstrapd/queue.db
  dhcp:
    address: 10.0.0.1
    gateway: 10.0.0.1
    domain: example.internal
    lease_start: 10.0.0.100
    lease_end: 10.0.0.200
    lease_time: 1h
  tftp:
    root_path: /tftpboot
    host_path: /tftpboot/hosts
  ansible:
    path: /var/lib/bootstrapd/ansible
    keyfile: /etc/bootstrapd/deploy.key
    remote: origin
    branch: main
    clusters_file: clusters.yml
    cspec_files:
      base: base.yml
      pvc: pvc.yml
      bootstrap: bootstrap.yml
  notifications:
    enabled: true
    uri: https://hooks.example.com/notify
    action: post
    icons:
      info: "i"
      success: "+"
    body:
      text: "{icon} {message}"
    completed_triggerword: completed
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrapd.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Debug)
	require.Equal(t, "deploy", cfg.DeployUsername)
	require.Equal(t, 7000, cfg.API.Port)
	require.Equal(t, "base.yml", cfg.Ansible.CSpecFiles.Base)
	require.Equal(t, "+", cfg.Notify.Icons["success"])
}

func TestLoadMissingTopLevel(t *testing.T) {
	path := writeConfig(t, "other: {}\n")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing top-level category 'pvc'")
}

func TestLoadMissingSecondLevelKey(t *testing.T) {
	broken := `
pvc:
  debug: false
  deploy_username: deploy
  database: {}
  api: {address: a, port: 1}
  queue: {address: a, port: 1, path: p}
  dhcp: {address: a, gateway: a, domain: a, lease_start: a, lease_end: a, lease_time: a}
  tftp: {root_path: a, host_path: a}
  ansible: {path: a, keyfile: a, remote: a, branch: a, clusters_file: a, cspec_files: {base: a, pvc: a, bootstrap: a}}
  notifications: {enabled: true, uri: a, action: a, icons: {}, body: {}, completed_triggerword: a}
`
	path := writeConfig(t, broken)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing second-level key 'path' under 'database'")
}
