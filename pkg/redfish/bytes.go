package redfish

import (
	"fmt"
	"math"
)

var byteUnits = []string{"B", "kB", "MB", "GB", "TB", "PB", "EB"}

// FormatBytesHuman renders a byte count in base-1000 units, matching
// original_source's format_bytes_tohuman. TB and above apply a ±2%-of-ceiling
// rounding rule: if the value is within 2% of the next whole unit, it's
// displayed as that whole number rather than a decimal (e.g. 1997GB when
// scaled to TB rounds to "2TB", not "2.00TB").
func FormatBytesHuman(databytes float64) string {
	if databytes <= 0 {
		return "0B"
	}

	value := databytes
	unitIdx := 0
	for unitIdx < len(byteUnits)-1 && value >= 1000 {
		value /= 1000
		unitIdx++
	}

	unit := byteUnits[unitIdx]

	if unitIdx >= 4 { // TB, PB, EB
		ceiling := math.Ceil(value)
		if ceiling-value <= ceiling*0.02 {
			return fmt.Sprintf("%d%s", int64(ceiling), unit)
		}
		return fmt.Sprintf("%.2f%s", value, unit)
	}

	if value == math.Trunc(value) {
		return fmt.Sprintf("%d%s", int64(value), unit)
	}
	return fmt.Sprintf("%.2f%s", value, unit)
}
