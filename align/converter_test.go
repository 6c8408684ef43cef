package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConverterSingleDeviceWraparound(t *testing.T) {
	// 8-bit clock wraps at 256; one sample every 10 ticks.
	c := NewConverter([]string{"imu"}, 10, 8)

	for i := 0; i < 100; i++ {
		raw := uint64(i*10) % 256
		index, ok := c.Convert("imu", raw)
		require.True(t, ok)
		assert.Equal(t, uint64(i), index)
	}
	assert.False(t, c.Bootstrapping())
}

func TestConverterJitterRounding(t *testing.T) {
	c := NewConverter([]string{"imu"}, 10, 16)

	_, ok := c.Convert("imu", 100)
	require.True(t, ok)

	// 4 ticks of jitter stays on the same step, 6 rounds to the next.
	index, ok := c.Convert("imu", 114)
	require.True(t, ok)
	assert.Equal(t, uint64(1), index)

	index, ok = c.Convert("imu", 120)
	require.True(t, ok)
	assert.Equal(t, uint64(1), index)

	index, ok = c.Convert("imu", 131)
	require.True(t, ok)
	assert.Equal(t, uint64(2), index)
}

func TestConverterMissedSampleKeepsCounting(t *testing.T) {
	c := NewConverter([]string{"imu"}, 10, 8)

	_, ok := c.Convert("imu", 0)
	require.True(t, ok)

	// One missed sample: delta of two periods advances the index by two.
	index, ok := c.Convert("imu", 20)
	require.True(t, ok)
	assert.Equal(t, uint64(2), index)
}

func TestConverterBootstrapClassification(t *testing.T) {
	c := NewConverter([]string{"eye", "insole"}, 10, 8)

	// First reading overall anchors the reference instant at 250.
	index, ok := c.Convert("eye", 250)
	require.True(t, ok)
	assert.Equal(t, uint64(0), index)
	assert.True(t, c.Bootstrapping())

	// A reading logically before the reference is rejected and dropped.
	_, ok = c.Convert("insole", 240)
	assert.False(t, ok)
	assert.True(t, c.Bootstrapping())

	// A wrapped reading shortly after the reference is admitted.
	index, ok = c.Convert("insole", 2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), index)
	assert.False(t, c.Bootstrapping())

	// Steady state from here on, both devices keep their own cadence.
	index, ok = c.Convert("eye", 4)
	require.True(t, ok)
	assert.Equal(t, uint64(1), index)

	index, ok = c.Convert("insole", 12)
	require.True(t, ok)
	assert.Equal(t, uint64(2), index)
}

func TestConverterUnknownDevice(t *testing.T) {
	c := NewConverter([]string{"imu"}, 10, 8)
	_, ok := c.Convert("ghost", 0)
	assert.False(t, ok)
}

func BenchmarkConvert(b *testing.B) {
	c := NewConverter([]string{"imu"}, 10, 32)
	c.Convert("imu", 0)
	for i := 0; i < b.N; i++ {
		c.Convert("imu", uint64(i*10))
	}
}
