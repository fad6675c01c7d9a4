// Package bootstraperr defines the typed error taxonomy shared across
// bootstrapd's components, so callers can branch on error kind without
// string-matching messages.
package bootstraperr

import "fmt"

// ConfigError signals a malformed or incomplete configuration file.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Path, e.Msg)
}

// SpecError signals a problem loading or parsing a cluster spec repository.
type SpecError struct {
	Cluster string
	Msg     string
	Err     error
}

func (e *SpecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spec %s: %s: %v", e.Cluster, e.Msg, e.Err)
	}
	return fmt.Sprintf("spec %s: %s", e.Cluster, e.Msg)
}

func (e *SpecError) Unwrap() error { return e.Err }

// StoreError signals a failure in the persistent Cluster/Node store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// RedfishError signals a failure interacting with a BMC's Redfish service.
type RedfishError struct {
	BMCAddress string
	Op         string
	Err        error
}

func (e *RedfishError) Error() string {
	return fmt.Sprintf("redfish %s %s: %v", e.BMCAddress, e.Op, e.Err)
}

func (e *RedfishError) Unwrap() error { return e.Err }

// RunnerError signals a failure invoking the external configuration runner.
type RunnerError struct {
	Cluster string
	Err     error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner %s: %v", e.Cluster, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// HookError signals a failure running one post-configuration hook.
type HookError struct {
	Cluster  string
	HookType string
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s/%s: %v", e.Cluster, e.HookType, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// NotifierError signals a failure delivering a webhook notification. It is
// never fatal to the caller; components log it and continue.
type NotifierError struct {
	URI string
	Err error
}

func (e *NotifierError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.URI, e.Err)
}

func (e *NotifierError) Unwrap() error { return e.Err }
