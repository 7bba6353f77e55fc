package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapturedSignal_CloneIsIndependent(t *testing.T) {
	orig := &CapturedSignal{
		FrequencyMHz: 433.92,
		RSSI:         -62,
		PulseTimesUs: []uint16{200, 210, 190, 205},
		Protocol:     "RCSwitch-1",
		Valid:        true,
	}

	cp := orig.Clone()
	require.Equal(t, orig.PulseTimesUs, cp.PulseTimesUs)

	cp.PulseTimesUs[0] = 9999
	assert.Equal(t, uint16(200), orig.PulseTimesUs[0], "mutating the clone must not touch the original")

	orig.PulseTimesUs[1] = 1
	assert.Equal(t, uint16(210), cp.PulseTimesUs[1])
}

func TestCapturedSignal_CloneNilPulses(t *testing.T) {
	orig := &CapturedSignal{FrequencyMHz: 2400, PayloadLen: 4}
	cp := orig.Clone()
	assert.Nil(t, cp.PulseTimesUs)
}

func TestCapturedSignal_TakeEmptiesSource(t *testing.T) {
	src := &CapturedSignal{
		CaptureTimeUs: 12345,
		PulseTimesUs:  []uint16{150, 150},
		Valid:         true,
	}

	moved := src.Take()
	assert.Equal(t, uint64(12345), moved.CaptureTimeUs)
	assert.Len(t, moved.PulseTimesUs, 2)

	// Source is empty and safely reusable.
	assert.Nil(t, src.PulseTimesUs)
	assert.Zero(t, src.CaptureTimeUs)
	assert.False(t, src.Valid)
}

func TestCapturedSignal_AvgPulseUs(t *testing.T) {
	s := &CapturedSignal{PulseTimesUs: []uint16{100, 300}}
	assert.InDelta(t, 200.0, s.AvgPulseUs(), 0.001)

	empty := &CapturedSignal{}
	assert.Zero(t, empty.AvgPulseUs())
}

func TestIsValidTransition(t *testing.T) {
	assert.True(t, IsValidTransition(StateIdle, StateInit))
	assert.True(t, IsValidTransition(StateTransmit, StateCleanup))
	assert.True(t, IsValidTransition(StateCleanup, StateIdle))

	// Idle is unreachable except through Cleanup.
	for _, from := range []WorkflowState{
		StateInit, StateListening, StateAnalyzing, StateReady, StateTxGated, StateTransmit,
	} {
		assert.False(t, IsValidTransition(from, StateIdle), "from %s", from)
	}

	assert.False(t, IsValidTransition(StateListening, StateTransmit))
	assert.False(t, IsValidTransition(StateIdle, StateTransmit))
}

func TestParseRunConfig(t *testing.T) {
	data := []byte(`{
		"band": "sub1ghz",
		"listen_min": "1s",
		"listen_max": "5s",
		"buffer_size": 20,
		"dry_run": true,
		"blacklist_mhz": [121.5, 243.0],
		"max_tx_per_minute": 3,
		"policy_rules": ["frequency_mhz < 1000.0"]
	}`)

	cfg, err := ParseRunConfig(data)
	require.NoError(t, err)
	assert.Equal(t, BandSub1GHz, cfg.Band)
	assert.Equal(t, 1*time.Second, cfg.ListenMin)
	assert.Equal(t, 5*time.Second, cfg.ListenMax)
	assert.Equal(t, 20, cfg.BufferSize)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, []float64{121.5, 243.0}, cfg.Safety.BlacklistMHz)
	assert.Equal(t, 3, cfg.Safety.MaxTxPerMinute)

	// Omitted fields keep defaults.
	assert.Equal(t, DefaultReadyTimeout, cfg.ReadyTimeout)
	assert.Equal(t, DefaultInitTimeout, cfg.InitTimeout)
}

func TestParseRunConfig_BadDuration(t *testing.T) {
	_, err := ParseRunConfig([]byte(`{"listen_min": "fast"}`))
	require.Error(t, err)
	wfErr, ok := err.(*WorkflowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, wfErr.Code)
}

func TestParseRunConfig_MinExceedsMax(t *testing.T) {
	_, err := ParseRunConfig([]byte(`{"listen_min": "10s", "listen_max": "2s"}`))
	require.Error(t, err)
}

func TestTimeoutFor(t *testing.T) {
	cfg := DefaultRunConfig()
	assert.Equal(t, cfg.ListenMax, cfg.TimeoutFor(StateListening))
	assert.Equal(t, cfg.TransmitMax, cfg.TimeoutFor(StateTransmit))
	assert.Zero(t, cfg.TimeoutFor(StateIdle))
}
