package redfish

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatBytesHumanSmallUnits(t *testing.T) {
	require.Equal(t, "0B", FormatBytesHuman(0))
	require.Equal(t, "512B", FormatBytesHuman(512))
	require.Equal(t, "1kB", FormatBytesHuman(1000))
	require.Equal(t, "1.50kB", FormatBytesHuman(1500))
}

func TestFormatBytesHumanRoundsNearCeiling(t *testing.T) {
	// 1997GB -> 1.997TB, within 2% of 2TB's ceiling -> rounds to "2TB".
	require.Equal(t, "2TB", FormatBytesHuman(1997e9))
}

func TestFormatBytesHumanDoesNotRoundFarFromCeiling(t *testing.T) {
	require.Equal(t, "1.50TB", FormatBytesHuman(1500e9))
}
