package redfish

import (
	"context"
	"fmt"
	"strings"
)

// IndicatorState and PowerState are the caller-facing verbs; vendor quirks
// are resolved internally against the literal Redfish enum values.
type IndicatorState bool

const (
	IndicatorOn  IndicatorState = true
	IndicatorOff IndicatorState = false
)

type PowerState bool

const (
	PowerOn  PowerState = true
	PowerOff PowerState = false
)

// isDell reports whether a vendor string (as returned in a System or
// Manufacturer field) identifies a Dell BMC, which inverts several enum
// mappings relative to the Redfish-default vendors this daemon otherwise
// targets. Grounded on original_source's per-vendor branches in
// lib/redfish.py's indicator/power helpers.
func isDell(vendor string) bool {
	return strings.Contains(strings.ToLower(vendor), "dell")
}

// SetIndicatorState sets the chassis identify LED. Dell BMCs use "Blinking"
// for on and "Lit" for off; every other vendor this daemon has seen uses
// "Lit" for on and "Off" for off.
func SetIndicatorState(ctx context.Context, session *Session, systemRoot, vendor string, state IndicatorState) error {
	on, off := "Lit", "Off"
	if isDell(vendor) {
		on, off = "Blinking", "Lit"
	}

	value := off
	if state == IndicatorOn {
		value = on
	}

	_, err := session.Patch(ctx, systemRoot, map[string]any{"IndicatorLED": value})
	return err
}

// SetPowerState issues a power action. Dell BMCs accept "On"/"ForceOff";
// other vendors this daemon targets use the same verbs, so there's
// currently no branch — kept separate from SetIndicatorState's vendor split
// since original_source keeps them as independent helpers with independent
// vendor tables.
func SetPowerState(ctx context.Context, session *Session, systemRoot, resetActionTarget string, state PowerState) error {
	resetType := "ForceOff"
	if state == PowerOn {
		resetType = "On"
	}

	_, err := session.Post(ctx, resetActionTarget, map[string]any{"ResetType": resetType})
	return err
}

// SetBootOverride configures a one-shot boot override to target, e.g. "Pxe".
func SetBootOverride(ctx context.Context, session *Session, systemRoot, target string) error {
	_, err := session.Patch(ctx, systemRoot, map[string]any{
		"Boot": map[string]any{
			"BootSourceOverrideEnabled": "Once",
			"BootSourceOverrideTarget":  target,
		},
	})
	return err
}

// GetPowerState reads the system's current PowerState field.
func GetPowerState(ctx context.Context, session *Session, systemRoot string) (string, error) {
	system, err := session.Get(ctx, systemRoot)
	if err != nil {
		return "", err
	}
	state, _ := system["PowerState"].(string)
	if state == "" {
		return "", fmt.Errorf("system %s did not report a PowerState", systemRoot)
	}
	return state, nil
}
