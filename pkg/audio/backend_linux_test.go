package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChannelVolumes(t *testing.T) {
	assert.Equal(t, []uint32{maxVolume / 2, maxVolume / 2}, createChannelVolumes(2, 0.5))
	assert.Equal(t, []uint32{maxVolume}, createChannelVolumes(1, 1.5))
	assert.Equal(t, []uint32{0, 0, 0}, createChannelVolumes(3, -1))
	assert.Empty(t, createChannelVolumes(0, 0.5))
}

func TestParseChannelVolumes(t *testing.T) {
	assert.Zero(t, parseChannelVolumes(nil))
	assert.Zero(t, parseChannelVolumes([]uint32{}))

	assert.InDelta(t, 1, parseChannelVolumes([]uint32{maxVolume}), 0.0001)
	assert.InDelta(t, 0.5, parseChannelVolumes([]uint32{0, maxVolume}), 0.0001)
	assert.InDelta(t, 0.25, parseChannelVolumes([]uint32{maxVolume / 4, maxVolume / 4}), 0.0001)
}

func TestChannelVolumesRoundTrip(t *testing.T) {
	for percent := float32(0); percent <= 100; percent++ {
		volumes := createChannelVolumes(2, toScalar(percent))
		got := toPercent(parseChannelVolumes(volumes))

		assert.InDelta(t, percent, got, 0.5, "percent %v", percent)
	}
}

func TestScalarToDecibels(t *testing.T) {
	assert.InDelta(t, 0, scalarToDecibels(1), 0.0001)
	assert.InDelta(t, -60, scalarToDecibels(0.1), 0.0001)
	assert.True(t, math.IsInf(float64(scalarToDecibels(0)), -1))
	assert.True(t, math.IsInf(float64(scalarToDecibels(-0.5)), -1))
}

func TestPulsePropertyStore(t *testing.T) {
	device := &paDevice{description: "Built-in Audio Analog Stereo", product: "HDA Intel PCH"}

	store, err := device.OpenPropertyStore()
	require.NoError(t, err)
	defer store.Release()

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	value, err := store.Value(KeyDeviceFriendlyName)
	require.NoError(t, err)
	assert.Equal(t, "Built-in Audio Analog Stereo", value.String())

	// keys the store doesn't have read as empty
	value, err = store.Value(KeyAudioEndpointGUID)
	require.NoError(t, err)
	assert.True(t, value.IsEmpty())
}
