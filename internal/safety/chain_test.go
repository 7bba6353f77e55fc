package safety

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonrf/txgate/pkg/schema"
)

func testClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Unix(1700000000, 0).UTC())
}

func pulseSignal() *schema.CapturedSignal {
	s := &schema.CapturedSignal{
		FrequencyMHz: 433.92,
		RSSI:         -55,
		Valid:        true,
		Protocol:     "ev1527",
	}
	s.PulseTimesUs = make([]uint16, 24)
	for i := range s.PulseTimesUs {
		s.PulseTimesUs[i] = 300
	}
	return s
}

func packetSignal() *schema.CapturedSignal {
	return &schema.CapturedSignal{
		FrequencyMHz: 2402.0,
		RSSI:         -48,
		Valid:        true,
		Protocol:     "aa:bb:cc:dd:ee",
		PayloadLen:   12,
	}
}

func newTestChain(t *testing.T, band schema.RFBand, cfg schema.SafetyConfig, clock clockwork.Clock) (*Chain, *Context) {
	t.Helper()
	ctx := NewContext(cfg, clock)
	chain := NewChain(band, ctx, NewRuleSet(cfg.PolicyRules), schema.DefaultTransmitMax, clock)
	return chain, ctx
}

func TestChain_ApprovedOrder(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{}, clock)

	sig := pulseSignal()
	req := &schema.TransmitRequest{Duration: 72 * time.Millisecond}

	chain.Begin(schema.DefaultTxGateTimeout)
	res := chain.Tick(req, sig)
	require.Equal(t, VerdictPending, res.Verdict)
	assert.Equal(t, []schema.GateName{schema.GatePolicy}, res.Passed)

	ctx.Confirm()
	res = chain.Tick(req, sig)
	require.Equal(t, VerdictApproved, res.Verdict)
	assert.Equal(t, schema.GateOrder, res.Passed)
	assert.True(t, req.Confirmed)
	assert.False(t, chain.Active())
}

func TestChain_BlacklistDeniedAtPolicy(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{
		BlacklistMHz: []float64{433.92},
	}, clock)

	// Confirmation is queued up front; the policy gate must still deny
	// before the confirmation gate ever runs.
	ctx.Confirm()

	sig := pulseSignal()
	req := &schema.TransmitRequest{Duration: 50 * time.Millisecond}

	chain.Begin(schema.DefaultTxGateTimeout)
	res := chain.Tick(req, sig)
	require.Equal(t, VerdictDenied, res.Verdict)
	assert.Equal(t, schema.GatePolicy, res.DeniedBy)
	assert.Equal(t, "policy: blacklisted frequency", res.Reason)
	assert.Empty(t, res.Passed)
}

func TestChain_BlacklistTolerance(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{
		BlacklistMHz: []float64{433.92},
	}, clock)
	ctx.Confirm()

	sig := pulseSignal()
	sig.FrequencyMHz = 433.85 // within 0.1 MHz of the entry

	chain.Begin(schema.DefaultTxGateTimeout)
	res := chain.Tick(&schema.TransmitRequest{Duration: time.Millisecond}, sig)
	require.Equal(t, VerdictDenied, res.Verdict)
	assert.Equal(t, schema.GatePolicy, res.DeniedBy)
}

func TestChain_ConfirmationTimeout(t *testing.T) {
	clock := testClock()
	chain, _ := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{}, clock)

	sig := pulseSignal()
	req := &schema.TransmitRequest{Duration: time.Millisecond}

	chain.Begin(schema.DefaultTxGateTimeout)
	res := chain.Tick(req, sig)
	require.Equal(t, VerdictPending, res.Verdict)

	clock.Advance(schema.DefaultTxGateTimeout - time.Second)
	res = chain.Tick(req, sig)
	require.Equal(t, VerdictPending, res.Verdict)

	clock.Advance(time.Second)
	res = chain.Tick(req, sig)
	require.Equal(t, VerdictDenied, res.Verdict)
	assert.Equal(t, schema.GateConfirmation, res.DeniedBy)
	assert.Equal(t, "confirmation timeout", res.Reason)
	assert.Equal(t, []schema.GateName{schema.GatePolicy}, res.Passed)
}

func TestChain_Cancellation(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{}, clock)

	sig := pulseSignal()
	req := &schema.TransmitRequest{Duration: time.Millisecond}

	chain.Begin(schema.DefaultTxGateTimeout)
	require.Equal(t, VerdictPending, chain.Tick(req, sig).Verdict)

	ctx.Cancel()
	res := chain.Tick(req, sig)
	require.Equal(t, VerdictDenied, res.Verdict)
	assert.Equal(t, schema.GateConfirmation, res.DeniedBy)
	assert.Equal(t, "canceled by user", res.Reason)
}

func TestChain_RateLimitDenial(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{
		MaxTxPerMinute: 10,
	}, clock)

	// Ledger already saturated from earlier transmissions in the window.
	for i := 0; i < 10; i++ {
		ctx.Ledger().Seed(clock.Now().Add(-time.Duration(i) * time.Second))
	}

	sig := pulseSignal()
	req := &schema.TransmitRequest{Duration: time.Millisecond}

	chain.Begin(schema.DefaultTxGateTimeout)
	ctx.Confirm()
	res := chain.Tick(req, sig)
	require.Equal(t, VerdictDenied, res.Verdict)
	assert.Equal(t, schema.GateRateLimit, res.DeniedBy)
	assert.Equal(t, []schema.GateName{schema.GatePolicy, schema.GateConfirmation}, res.Passed)

	// The window slides: a minute later the same request approves.
	clock.Advance(RateWindow + time.Second)
	chain.Begin(schema.DefaultTxGateTimeout)
	ctx.Confirm()
	res = chain.Tick(req, sig)
	require.Equal(t, VerdictApproved, res.Verdict)
}

func TestChain_BandGate_PulseRange(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{}, clock)

	sig := pulseSignal()
	sig.PulseTimesUs[5] = 20 // corrupted sample below the floor

	chain.Begin(schema.DefaultTxGateTimeout)
	ctx.Confirm()
	res := chain.Tick(&schema.TransmitRequest{Duration: time.Millisecond}, sig)
	require.Equal(t, VerdictDenied, res.Verdict)
	assert.Equal(t, schema.GateBand, res.DeniedBy)
	assert.Contains(t, res.Reason, "pulse 5 out of range")
	assert.Equal(t,
		[]schema.GateName{schema.GatePolicy, schema.GateConfirmation, schema.GateRateLimit},
		res.Passed)
}

func TestChain_BandGate_PacketBinding(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.Band24GHz, schema.SafetyConfig{}, clock)

	sig := packetSignal()
	req := &schema.TransmitRequest{Duration: time.Millisecond}

	chain.Begin(schema.DefaultTxGateTimeout)
	ctx.Confirm()
	res := chain.Tick(req, sig)
	require.Equal(t, VerdictDenied, res.Verdict)
	assert.Equal(t, schema.GateBand, res.DeniedBy)
	assert.Equal(t, "band: address not observed during listening", res.Reason)

	// Bound addresses approve.
	ctx.ObserveAddress(sig.Protocol)
	chain.Begin(schema.DefaultTxGateTimeout)
	ctx.Confirm()
	res = chain.Tick(req, sig)
	require.Equal(t, VerdictApproved, res.Verdict)
}

func TestChain_PolicyRules(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{
		PolicyRules: []string{"duration_ms <= 100", "pulse_count >= 10"},
	}, clock)
	ctx.Confirm()

	sig := pulseSignal()

	chain.Begin(schema.DefaultTxGateTimeout)
	res := chain.Tick(&schema.TransmitRequest{Duration: 500 * time.Millisecond}, sig)
	require.Equal(t, VerdictDenied, res.Verdict)
	assert.Equal(t, schema.GatePolicy, res.DeniedBy)
	assert.Contains(t, res.Reason, "duration_ms <= 100")

	chain.Begin(schema.DefaultTxGateTimeout)
	ctx.Confirm()
	res = chain.Tick(&schema.TransmitRequest{Duration: 50 * time.Millisecond}, sig)
	require.Equal(t, VerdictApproved, res.Verdict)
}

func TestChain_AttemptAudit(t *testing.T) {
	clock := testClock()
	chain, ctx := newTestChain(t, schema.BandSub1GHz, schema.SafetyConfig{
		BlacklistMHz: []float64{433.92},
	}, clock)

	sig := pulseSignal()
	chain.Begin(schema.DefaultTxGateTimeout)
	res := chain.Tick(&schema.TransmitRequest{Duration: time.Millisecond}, sig)
	require.Equal(t, VerdictDenied, res.Verdict)

	attempts := ctx.Attempts()
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Allowed)
	assert.Equal(t, schema.GatePolicy, attempts[0].DeniedBy)
	assert.InDelta(t, 433.92, attempts[0].FrequencyMHz, 0.001)
}

func TestConfirmation_SingleUse(t *testing.T) {
	ctx := NewContext(schema.SafetyConfig{}, testClock())
	ctx.Confirm()

	confirmed, canceled := ctx.consumeConfirmation()
	assert.True(t, confirmed)
	assert.False(t, canceled)

	confirmed, canceled = ctx.consumeConfirmation()
	assert.False(t, confirmed)
	assert.False(t, canceled)
}

func TestRateLedger_WindowPrune(t *testing.T) {
	clock := testClock()
	l := NewRateLedger(3, clock)
	l.Record()
	l.Record()
	l.Record()
	assert.False(t, l.Allow())
	assert.Equal(t, 3, l.Count())

	clock.Advance(RateWindow + time.Millisecond)
	assert.True(t, l.Allow())
	assert.Equal(t, 0, l.Count())
}

func TestEstimateTransmitDuration(t *testing.T) {
	sig := pulseSignal() // 24 pulses x 300 us
	got := EstimateTransmitDuration(schema.BandSub1GHz, sig)
	assert.Equal(t, time.Duration(24*300*10)*time.Microsecond, got)

	assert.Equal(t, 10*time.Millisecond, EstimateTransmitDuration(schema.Band24GHz, packetSignal()))
}

func TestContext_BlacklistMutation(t *testing.T) {
	ctx := NewContext(schema.SafetyConfig{}, testClock())
	assert.False(t, ctx.IsFrequencyBlacklisted(868.3))

	ctx.AddBlacklist(868.3)
	assert.True(t, ctx.IsFrequencyBlacklisted(868.35))

	assert.True(t, ctx.RemoveBlacklist(868.3))
	assert.False(t, ctx.IsFrequencyBlacklisted(868.3))
	assert.False(t, ctx.RemoveBlacklist(868.3))
}
