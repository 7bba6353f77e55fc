package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonrf/txgate/pkg/schema"
)

func pulseSignal(t uint64, pulses ...uint16) *schema.CapturedSignal {
	return &schema.CapturedSignal{
		CaptureTimeUs: t,
		FrequencyMHz:  433.92,
		PulseTimesUs:  pulses,
		Valid:         true,
	}
}

func TestBuffer_AppendMovesOwnership(t *testing.T) {
	b := New()
	require.NoError(t, b.Reserve(4))

	src := pulseSignal(100, 200, 210, 190)
	require.NoError(t, b.Append(src))

	// Source is emptied by the move.
	assert.Nil(t, src.PulseTimesUs)
	assert.Zero(t, src.CaptureTimeUs)

	got, ok := b.Get(0)
	require.True(t, ok)
	assert.Equal(t, uint64(100), got.CaptureTimeUs)
	assert.Equal(t, []uint16{200, 210, 190}, got.PulseTimesUs)
}

func TestBuffer_BoundedNeverExceedsCapacity(t *testing.T) {
	b := New()
	require.NoError(t, b.Reserve(2))

	require.NoError(t, b.Append(pulseSignal(1, 150)))
	require.NoError(t, b.Append(pulseSignal(2, 150)))

	err := b.Append(pulseSignal(3, 150))
	require.Error(t, err)
	wfErr, ok := err.(*schema.WorkflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeBufferOverflow, wfErr.Code)
	assert.Equal(t, 2, b.Len())
}

func TestBuffer_AppendWithoutReserve(t *testing.T) {
	b := New()
	err := b.Append(pulseSignal(1, 150))
	require.Error(t, err)
}

func TestBuffer_NearCapacity(t *testing.T) {
	b := New()
	require.NoError(t, b.Reserve(10))

	for i := 0; i < 8; i++ {
		require.NoError(t, b.Append(pulseSignal(uint64(i), 150)))
	}
	assert.False(t, b.NearCapacity())

	require.NoError(t, b.Append(pulseSignal(9, 150)))
	assert.True(t, b.NearCapacity(), "90 percent fill must trip the threshold")
}

func TestBuffer_RefInvalidatedByMutation(t *testing.T) {
	b := New()
	require.NoError(t, b.Reserve(4))
	require.NoError(t, b.Append(pulseSignal(1, 150)))

	ref := b.Ref(0)
	got, ok := ref.Deref()
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.CaptureTimeUs)

	require.NoError(t, b.Append(pulseSignal(2, 150)))

	_, ok = ref.Deref()
	assert.False(t, ok, "ref taken before a mutation must be stale after it")
}

func TestBuffer_RefInvalidatedByClear(t *testing.T) {
	b := New()
	require.NoError(t, b.Reserve(4))
	require.NoError(t, b.Append(pulseSignal(1, 150)))

	ref := b.Ref(0)
	b.Clear()

	_, ok := ref.Deref()
	assert.False(t, ok)
	assert.Zero(t, b.Len())
}

func TestBuffer_GetOutOfRange(t *testing.T) {
	b := New()
	require.NoError(t, b.Reserve(2))
	_, ok := b.Get(0)
	assert.False(t, ok)
	_, ok = b.Get(-1)
	assert.False(t, ok)
}

func TestBuffer_ReserveDropsContents(t *testing.T) {
	b := New()
	require.NoError(t, b.Reserve(2))
	require.NoError(t, b.Append(pulseSignal(1, 150)))
	require.NoError(t, b.Reserve(5))
	assert.Zero(t, b.Len())
	assert.Equal(t, 5, b.Cap())
}
