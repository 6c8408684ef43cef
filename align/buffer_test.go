package align

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(b *Buffer, isRunning bool) []Snapshot {
	var out []Snapshot
	for {
		snapshot, _, ok := b.Yeet(isRunning)
		if !ok {
			return out
		}
		out = append(out, snapshot)
	}
}

func TestBufferEmitsInIndexOrder(t *testing.T) {
	b := NewBuffer([]string{"a", "b"}, 5, nil)

	for i := uint64(0); i < 3; i++ {
		require.True(t, b.Plop("a", []byte(fmt.Sprintf("a%d", i)), i))
		require.True(t, b.Plop("b", []byte(fmt.Sprintf("b%d", i)), i))
	}

	for i := 0; i < 3; i++ {
		snapshot, index, ok := b.Yeet(true)
		require.True(t, ok)
		assert.Equal(t, uint64(i), index)
		assert.Equal(t, []byte(fmt.Sprintf("a%d", i)), snapshot["a"])
		assert.Equal(t, []byte(fmt.Sprintf("b%d", i)), snapshot["b"])
	}
	_, _, ok := b.Yeet(true)
	assert.False(t, ok)
}

func TestBufferPermutationInvariance(t *testing.T) {
	const n = 16
	type push struct {
		device string
		index  uint64
	}
	var pushes []push
	for _, device := range []string{"a", "b", "c"} {
		for i := uint64(0); i < n; i++ {
			pushes = append(pushes, push{device, i})
		}
	}

	reference := NewBuffer([]string{"a", "b", "c"}, n+1, nil)
	for _, p := range pushes {
		reference.Plop(p.device, []byte(fmt.Sprintf("%s%d", p.device, p.index)), p.index)
	}
	want := drainAll(reference, true)
	require.Len(t, want, n)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := make([]push, len(pushes))
		copy(shuffled, pushes)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		b := NewBuffer([]string{"a", "b", "c"}, n+1, nil)
		for _, p := range shuffled {
			b.Plop(p.device, []byte(fmt.Sprintf("%s%d", p.device, p.index)), p.index)
		}
		assert.Equal(t, want, drainAll(b, true))
	}
}

func TestBufferStalledDeviceForcesEmission(t *testing.T) {
	b := NewBuffer([]string{"healthy", "silent"}, 3, nil)

	b.Plop("healthy", []byte("h0"), 0)
	b.Plop("healthy", []byte("h1"), 1)
	_, _, ok := b.Yeet(true)
	assert.False(t, ok, "below the staleness threshold the buffer keeps waiting")

	b.Plop("healthy", []byte("h2"), 2)
	snapshot, index, ok := b.Yeet(true)
	require.True(t, ok)
	assert.Equal(t, uint64(0), index)
	assert.Equal(t, []byte("h0"), snapshot["healthy"])
	assert.Nil(t, snapshot["silent"])
}

func TestBufferLateSampleRejected(t *testing.T) {
	b := NewBuffer([]string{"a", "b"}, 5, nil)
	b.Plop("a", []byte("a0"), 0)
	b.Plop("b", []byte("b0"), 0)

	_, _, ok := b.Yeet(true)
	require.True(t, ok)

	assert.False(t, b.Plop("b", []byte("late"), 0))

	// The rejected push left the queues untouched.
	b.Plop("a", []byte("a1"), 1)
	b.Plop("b", []byte("b1"), 1)
	snapshot, index, ok := b.Yeet(true)
	require.True(t, ok)
	assert.Equal(t, uint64(1), index)
	assert.Equal(t, []byte("b1"), snapshot["b"])
}

func TestBufferDuplicateKeepsFirst(t *testing.T) {
	b := NewBuffer([]string{"a"}, 5, nil)
	require.True(t, b.Plop("a", []byte("first"), 0))
	assert.False(t, b.Plop("a", []byte("second"), 0))

	snapshot, _, ok := b.Yeet(true)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), snapshot["a"])
}

func TestBufferDrainOnShutdown(t *testing.T) {
	b := NewBuffer([]string{"a", "b"}, 10, nil)
	b.Plop("a", []byte("a0"), 0)
	b.Plop("a", []byte("a1"), 1)
	b.Plop("b", []byte("b0"), 0)

	// Unconditional drain: emits while anything is buffered, nulls elsewhere.
	snapshots := drainAll(b, false)
	require.Len(t, snapshots, 2)
	assert.Equal(t, []byte("a0"), snapshots[0]["a"])
	assert.Equal(t, []byte("b0"), snapshots[0]["b"])
	assert.Equal(t, []byte("a1"), snapshots[1]["a"])
	assert.Nil(t, snapshots[1]["b"])

	// Drained for good, even if a straggler shows up afterwards.
	b.Plop("b", []byte("b9"), 9)
	_, _, ok := b.Yeet(false)
	assert.False(t, ok)
}

func TestBufferUnknownDevice(t *testing.T) {
	b := NewBuffer([]string{"a"}, 5, nil)
	assert.False(t, b.Plop("ghost", []byte("x"), 0))
}
