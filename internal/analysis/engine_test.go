package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonrf/txgate/internal/buffer"
	"github.com/halcyonrf/txgate/pkg/schema"
)

func pulses(n int, width uint16) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = width
	}
	return out
}

func TestValidate_PulseBand(t *testing.T) {
	e := New(schema.BandSub1GHz)

	tests := []struct {
		name    string
		signal  schema.CapturedSignal
		wantErr bool
	}{
		{
			name:   "valid",
			signal: schema.CapturedSignal{PulseTimesUs: pulses(12, 200), RSSI: -60},
		},
		{
			name:    "too few samples",
			signal:  schema.CapturedSignal{PulseTimesUs: pulses(9, 200)},
			wantErr: true,
		},
		{
			name:    "pulse below range",
			signal:  schema.CapturedSignal{PulseTimesUs: append(pulses(11, 200), 50)},
			wantErr: true,
		},
		{
			name:    "pulse above range",
			signal:  schema.CapturedSignal{PulseTimesUs: append(pulses(11, 200), 12000)},
			wantErr: true,
		},
		{
			name:    "rssi below floor",
			signal:  schema.CapturedSignal{PulseTimesUs: pulses(12, 200), RSSI: -110},
			wantErr: true,
		},
		{
			name:   "rssi unmeasured is fine",
			signal: schema.CapturedSignal{PulseTimesUs: pulses(12, 200), RSSI: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(&tt.signal)
			if tt.wantErr {
				require.Error(t, err)
				wfErr, ok := err.(*schema.WorkflowError)
				require.True(t, ok)
				assert.Equal(t, schema.ErrCodeInvalidSignal, wfErr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_PacketBand(t *testing.T) {
	e := New(schema.Band24GHz)

	tests := []struct {
		name    string
		signal  schema.CapturedSignal
		wantErr bool
	}{
		{name: "valid", signal: schema.CapturedSignal{PayloadLen: 8, RSSI: -50}},
		{name: "empty payload", signal: schema.CapturedSignal{PayloadLen: 0, RSSI: -50}, wantErr: true},
		{name: "oversize payload", signal: schema.CapturedSignal{PayloadLen: 33, RSSI: -50}, wantErr: true},
		{name: "weak rssi", signal: schema.CapturedSignal{PayloadLen: 8, RSSI: -95}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(&tt.signal)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClassify_PulseHeuristic(t *testing.T) {
	e := New(schema.BandSub1GHz)

	tests := []struct {
		name   string
		signal schema.CapturedSignal
		want   string
	}{
		{name: "garage door", signal: schema.CapturedSignal{PulseTimesUs: pulses(48, 450)}, want: "Garage Door"},
		{name: "doorbell", signal: schema.CapturedSignal{PulseTimesUs: pulses(24, 300)}, want: "Doorbell"},
		{name: "car remote", signal: schema.CapturedSignal{PulseTimesUs: pulses(128, 380)}, want: "Car Remote"},
		{name: "unknown", signal: schema.CapturedSignal{PulseTimesUs: pulses(60, 380)}, want: "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.Classify(&tt.signal)
			assert.Equal(t, tt.want, tt.signal.DeviceType)
		})
	}
}

func TestClassify_PacketBandUntouched(t *testing.T) {
	e := New(schema.Band24GHz)
	s := schema.CapturedSignal{PayloadLen: 4}
	e.Classify(&s)
	assert.Empty(t, s.DeviceType)
}

func fillBuffer(t *testing.T, signals ...*schema.CapturedSignal) *buffer.Buffer {
	t.Helper()
	b := buffer.New()
	require.NoError(t, b.Reserve(len(signals)+1))
	for _, s := range signals {
		require.NoError(t, b.Append(s))
	}
	return b
}

func TestAnalyze_Statistics(t *testing.T) {
	e := New(schema.BandSub1GHz)
	b := fillBuffer(t,
		&schema.CapturedSignal{CaptureTimeUs: 1_000_000, RSSI: -40, Valid: true, Protocol: "p1", PulseTimesUs: pulses(12, 200)},
		&schema.CapturedSignal{CaptureTimeUs: 2_000_000, RSSI: -60, Valid: true, Protocol: "p1", PulseTimesUs: pulses(12, 200)},
		&schema.CapturedSignal{CaptureTimeUs: 3_000_000, RSSI: -80, Valid: false, Protocol: "p2", PulseTimesUs: pulses(12, 200)},
	)

	res := e.Analyze(b)
	assert.Equal(t, 3, res.SignalCount)
	assert.Equal(t, 2, res.ValidSignalCount)
	assert.Equal(t, 1, res.UniquePatterns)
	assert.InDelta(t, -60.0, res.AvgRSSI, 0.001)
	assert.InDelta(t, -80.0, res.MinRSSI, 0.001)
	assert.InDelta(t, -40.0, res.MaxRSSI, 0.001)
	assert.Equal(t, 2*time.Second, res.CaptureDuration)
}

func TestAnalyze_SummaryDeterministic(t *testing.T) {
	mk := func() *buffer.Buffer {
		return fillBuffer(t,
			&schema.CapturedSignal{CaptureTimeUs: 10, RSSI: -50, Valid: true, Protocol: "a", PulseTimesUs: pulses(12, 200)},
			&schema.CapturedSignal{CaptureTimeUs: 20, RSSI: -70, Valid: true, Protocol: "b", PulseTimesUs: pulses(12, 200)},
		)
	}

	e := New(schema.BandSub1GHz)
	r1 := e.Analyze(mk())
	r2 := e.Analyze(mk())
	assert.Equal(t, r1.Summary, r2.Summary)
	assert.Equal(t, "2 signals, 2 valid, avg RSSI: -60.0 dBm", r1.Summary)
}

func TestAnalyze_EmptyBuffer(t *testing.T) {
	e := New(schema.BandSub1GHz)
	b := buffer.New()
	require.NoError(t, b.Reserve(4))
	res := e.Analyze(b)
	assert.Zero(t, res.SignalCount)
	assert.Empty(t, res.Summary)
}
