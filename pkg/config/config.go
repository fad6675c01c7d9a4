// Package config loads and strictly validates bootstrapd's YAML
// configuration file, producing precise errors that name the exact missing
// key rather than a generic "invalid config" message.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/bootstraperr"
)

// ConfigEnvVar is the environment variable naming the config file path.
const ConfigEnvVar = "BOOTSTRAPD_CONFIG_FILE"

// Config is bootstrapd's fully validated runtime configuration.
type Config struct {
	Debug          bool
	DeployUsername string

	Database DatabaseConfig
	API      APIConfig
	Queue    QueueConfig
	DHCP     DHCPConfig
	TFTP     TFTPConfig
	Ansible  AnsibleConfig
	Notify   NotifyConfig
}

type DatabaseConfig struct {
	Path string
}

type APIConfig struct {
	Address string
	Port    int
}

type QueueConfig struct {
	Address string
	Port    int
	Path    string
}

type DHCPConfig struct {
	Address     string
	Gateway     string
	Domain      string
	LeaseStart  string
	LeaseEnd    string
	LeaseTime   string
}

type TFTPConfig struct {
	RootPath string
	HostPath string
}

type AnsibleConfig struct {
	Path         string
	KeyFile      string
	Remote       string
	Branch       string
	ClustersFile string
	CSpecFiles   CSpecFilesConfig
}

type CSpecFilesConfig struct {
	Base      string
	PVC       string
	Bootstrap string
}

type NotifyConfig struct {
	Enabled             bool
	URI                 string
	Action              string
	Icons               map[string]string
	Body                map[string]string
	CompletedTriggerword string
}

// rawConfig mirrors the nested YAML shape exactly (map[string]any at each
// level) so validation can walk it key by key and report the precise
// missing key, as original_source's Daemon.py:read_config does.
type rawConfig struct {
	PVC map[string]any `yaml:"pvc"`
}

// Path returns the config file path from the environment, or an error if unset.
func Path() (string, error) {
	p := os.Getenv(ConfigEnvVar)
	if p == "" {
		return "", &bootstraperr.ConfigError{Path: "", Msg: fmt.Sprintf("the %q environment variable must be set", ConfigEnvVar)}
	}
	return p, nil
}

// Load reads and strictly validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &bootstraperr.ConfigError{Path: path, Msg: fmt.Sprintf("failed to read configuration file: %v", err)}
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &bootstraperr.ConfigError{Path: path, Msg: fmt.Sprintf("failed to parse configuration file: %v", err)}
	}

	if raw.PVC == nil {
		return nil, cfgErr(path, "missing top-level category 'pvc'")
	}
	base := raw.PVC

	cfg := &Config{}

	var ok bool
	if cfg.Debug, ok = asBool(base["debug"]); !ok {
		return nil, cfgErr(path, "missing first-level key 'debug'")
	}
	if cfg.DeployUsername, ok = base["deploy_username"].(string); !ok {
		return nil, cfgErr(path, "missing first-level key 'deploy_username'")
	}

	database, err := category(base, "database")
	if err != nil {
		return nil, cfgErr(path, err.Error())
	}
	api, err := category(base, "api")
	if err != nil {
		return nil, cfgErr(path, err.Error())
	}
	queue, err := category(base, "queue")
	if err != nil {
		return nil, cfgErr(path, err.Error())
	}
	dhcp, err := category(base, "dhcp")
	if err != nil {
		return nil, cfgErr(path, err.Error())
	}
	tftp, err := category(base, "tftp")
	if err != nil {
		return nil, cfgErr(path, err.Error())
	}
	ansible, err := category(base, "ansible")
	if err != nil {
		return nil, cfgErr(path, err.Error())
	}
	notify, err := category(base, "notifications")
	if err != nil {
		return nil, cfgErr(path, err.Error())
	}

	if cfg.Database.Path, err = strKey(database, "database", "path"); err != nil {
		return nil, cfgErr(path, err.Error())
	}

	if cfg.API.Address, err = strKey(api, "api", "address"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.API.Port, err = intKey(api, "api", "port"); err != nil {
		return nil, cfgErr(path, err.Error())
	}

	if cfg.Queue.Address, err = strKey(queue, "queue", "address"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.Queue.Port, err = intKey(queue, "queue", "port"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.Queue.Path, err = strKey(queue, "queue", "path"); err != nil {
		return nil, cfgErr(path, err.Error())
	}

	for _, kv := range []struct {
		dst *string
		key string
	}{
		{&cfg.DHCP.Address, "address"},
		{&cfg.DHCP.Gateway, "gateway"},
		{&cfg.DHCP.Domain, "domain"},
		{&cfg.DHCP.LeaseStart, "lease_start"},
		{&cfg.DHCP.LeaseEnd, "lease_end"},
		{&cfg.DHCP.LeaseTime, "lease_time"},
	} {
		if *kv.dst, err = strKey(dhcp, "dhcp", kv.key); err != nil {
			return nil, cfgErr(path, err.Error())
		}
	}

	if cfg.TFTP.RootPath, err = strKey(tftp, "tftp", "root_path"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.TFTP.HostPath, err = strKey(tftp, "tftp", "host_path"); err != nil {
		return nil, cfgErr(path, err.Error())
	}

	for _, kv := range []struct {
		dst *string
		key string
	}{
		{&cfg.Ansible.Path, "path"},
		{&cfg.Ansible.KeyFile, "keyfile"},
		{&cfg.Ansible.Remote, "remote"},
		{&cfg.Ansible.Branch, "branch"},
		{&cfg.Ansible.ClustersFile, "clusters_file"},
	} {
		if *kv.dst, err = strKey(ansible, "ansible", kv.key); err != nil {
			return nil, cfgErr(path, err.Error())
		}
	}

	cspecFilesRaw, ok := ansible["cspec_files"].(map[string]any)
	if !ok {
		return nil, cfgErr(path, "missing second-level category 'cspec_files' under 'ansible'")
	}
	if cfg.Ansible.CSpecFiles.Base, err = strKeyThird(cspecFilesRaw, "ansible/cspec_files", "base"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.Ansible.CSpecFiles.PVC, err = strKeyThird(cspecFilesRaw, "ansible/cspec_files", "pvc"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.Ansible.CSpecFiles.Bootstrap, err = strKeyThird(cspecFilesRaw, "ansible/cspec_files", "bootstrap"); err != nil {
		return nil, cfgErr(path, err.Error())
	}

	if cfg.Notify.Enabled, ok = asBool(notify["enabled"]); !ok {
		return nil, cfgErr(path, "missing second-level key 'enabled' under 'notifications'")
	}
	if cfg.Notify.URI, err = strKey(notify, "notifications", "uri"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.Notify.Action, err = strKey(notify, "notifications", "action"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.Notify.Icons, err = mapKey(notify, "notifications", "icons"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.Notify.Body, err = mapKey(notify, "notifications", "body"); err != nil {
		return nil, cfgErr(path, err.Error())
	}
	if cfg.Notify.CompletedTriggerword, err = strKey(notify, "notifications", "completed_triggerword"); err != nil {
		return nil, cfgErr(path, err.Error())
	}

	return cfg, nil
}

func cfgErr(path, msg string) error {
	return &bootstraperr.ConfigError{Path: path, Msg: msg}
}

func category(base map[string]any, name string) (map[string]any, error) {
	v, ok := base[name].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing first-level category '%s'", name)
	}
	return v, nil
}

func strKey(m map[string]any, category, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing second-level key '%s' under '%s'", key, category)
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), nil
	}
	return s, nil
}

func strKeyThird(m map[string]any, category, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing third-level key '%s' under '%s'", key, category)
	}
	return fmt.Sprint(v), nil
}

func intKey(m map[string]any, category, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("missing second-level key '%s' under '%s'", key, category)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("second-level key '%s' under '%s' must be an integer", key, category)
	}
}

func mapKey(m map[string]any, category, key string) (map[string]string, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("missing second-level key '%s' under '%s'", key, category)
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("second-level key '%s' under '%s' must be a mapping", key, category)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	default:
		return false, v != nil
	}
}
