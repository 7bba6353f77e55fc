package safety

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/halcyonrf/txgate/internal/analysis"
	"github.com/halcyonrf/txgate/pkg/schema"
)

// Verdict is the state of a gate-chain attempt.
type Verdict int

const (
	// VerdictPending means the chain is waiting (confirmation gate).
	VerdictPending Verdict = iota
	// VerdictApproved means all four gates passed.
	VerdictApproved
	// VerdictDenied means exactly one gate denied.
	VerdictDenied
)

func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictApproved:
		return "approved"
	case VerdictDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Result reports a chain attempt's outcome. On denial, DeniedBy names the
// single denying gate and Passed lists every gate before it in order, so a
// denial is never ambiguous.
type Result struct {
	Verdict  Verdict
	Passed   []schema.GateName
	DeniedBy schema.GateName
	Reason   string
}

// chain stages, in fixed order.
const (
	stagePolicy = iota
	stageConfirm
	stageRateLimit
	stageBand
	stageDone
)

// Chain evaluates the four approval gates in fixed order with short-circuit
// denial. The confirmation gate is tick-driven: Tick returns Pending until
// the operator resolves it or the gate deadline passes, so the engine's
// control loop never blocks on human input.
type Chain struct {
	ctx     *Context
	clock   clockwork.Clock
	band    schema.RFBand
	rules   *RuleSet
	maxTx   time.Duration

	stage    int
	passed   []schema.GateName
	deadline time.Time
}

// NewChain creates a gate chain bound to a safety context.
func NewChain(band schema.RFBand, ctx *Context, rules *RuleSet, maxTxDuration time.Duration, clock clockwork.Clock) *Chain {
	return &Chain{
		ctx:   ctx,
		clock: clock,
		band:  band,
		rules: rules,
		maxTx: maxTxDuration,
		stage: stageDone,
	}
}

// Begin starts a fresh attempt. confirmTimeout bounds the confirmation wait.
func (c *Chain) Begin(confirmTimeout time.Duration) {
	c.stage = stagePolicy
	c.passed = c.passed[:0]
	c.deadline = c.clock.Now().Add(confirmTimeout)
}

// Active reports whether an attempt is in progress.
func (c *Chain) Active() bool {
	return c.stage != stageDone
}

// Tick advances the chain one step. Gates before the confirmation gate
// resolve in the first tick; once confirmed, the remaining gates resolve in
// the same tick. The caller supplies the selected record each tick so the
// chain never holds a reference across buffer mutations.
func (c *Chain) Tick(req *schema.TransmitRequest, sig *schema.CapturedSignal) Result {
	for {
		switch c.stage {
		case stagePolicy:
			if reason := c.checkPolicy(req, sig); reason != "" {
				return c.deny(schema.GatePolicy, reason, req, sig)
			}
			c.pass(schema.GatePolicy)

		case stageConfirm:
			confirmed, canceled := c.ctx.consumeConfirmation()
			switch {
			case canceled:
				return c.deny(schema.GateConfirmation, "canceled by user", req, sig)
			case confirmed:
				req.Confirmed = true
				c.pass(schema.GateConfirmation)
			case !c.clock.Now().Before(c.deadline):
				return c.deny(schema.GateConfirmation, "confirmation timeout", req, sig)
			default:
				return Result{Verdict: VerdictPending, Passed: c.passedCopy()}
			}

		case stageRateLimit:
			if !c.ctx.Ledger().Allow() {
				return c.deny(schema.GateRateLimit,
					fmt.Sprintf("rate limit: %d transmissions in last 60s (max %d)",
						c.ctx.Ledger().Count(), c.ctx.Ledger().Limit()),
					req, sig)
			}
			c.pass(schema.GateRateLimit)

		case stageBand:
			if reason := c.checkBand(sig); reason != "" {
				return c.deny(schema.GateBand, reason, req, sig)
			}
			c.pass(schema.GateBand)
			c.stage = stageDone
			c.ctx.RecordAttempt(TransmitAttempt{
				Timestamp:    c.clock.Now(),
				FrequencyMHz: sig.FrequencyMHz,
				Duration:     req.Duration,
				Allowed:      true,
			})
			return Result{Verdict: VerdictApproved, Passed: c.passedCopy()}

		default:
			return Result{Verdict: VerdictPending}
		}
	}
}

func (c *Chain) pass(gate schema.GateName) {
	c.passed = append(c.passed, gate)
	c.stage++
}

func (c *Chain) deny(gate schema.GateName, reason string, req *schema.TransmitRequest, sig *schema.CapturedSignal) Result {
	c.stage = stageDone
	c.ctx.RecordAttempt(TransmitAttempt{
		Timestamp:    c.clock.Now(),
		FrequencyMHz: sig.FrequencyMHz,
		Duration:     req.Duration,
		Allowed:      false,
		DeniedBy:     gate,
		Reason:       reason,
	})
	return Result{
		Verdict:  VerdictDenied,
		Passed:   c.passedCopy(),
		DeniedBy: gate,
		Reason:   reason,
	}
}

func (c *Chain) passedCopy() []schema.GateName {
	cp := make([]schema.GateName, len(c.passed))
	copy(cp, c.passed)
	return cp
}

// checkPolicy runs the built-in policy checks, then the configured rules.
func (c *Chain) checkPolicy(req *schema.TransmitRequest, sig *schema.CapturedSignal) string {
	if c.ctx.IsFrequencyBlacklisted(sig.FrequencyMHz) {
		return "policy: blacklisted frequency"
	}
	if req.Duration > c.maxTx {
		return "policy: duration exceeds maximum"
	}
	if !sig.Valid {
		return "policy: signal invalid"
	}
	if c.rules != nil {
		failed, err := c.rules.Evaluate(PolicyEnv(req, sig))
		if err != nil {
			// Rule errors deny: fail closed.
			return fmt.Sprintf("policy: rule error in %q", failed)
		}
		if failed != "" {
			return fmt.Sprintf("policy: rule not satisfied: %q", failed)
		}
	}
	return ""
}

// checkBand re-validates the band-specific constraints. The pulse band
// re-checks every timing sample; the packet band requires a sane payload and
// a destination address bound during this run's Listening phase.
func (c *Chain) checkBand(sig *schema.CapturedSignal) string {
	if c.band == schema.BandSub1GHz {
		for i, p := range sig.PulseTimesUs {
			if p < analysis.PulseMinUs || p > analysis.PulseMaxUs {
				return fmt.Sprintf("band: pulse %d out of range: %d us", i, p)
			}
		}
		return ""
	}
	if sig.PayloadLen < 1 || sig.PayloadLen > schema.MaxPayloadBytes {
		return fmt.Sprintf("band: invalid packet length: %d", sig.PayloadLen)
	}
	if !c.ctx.WasAddressObserved(sig.Protocol) {
		return "band: address not observed during listening"
	}
	return ""
}
