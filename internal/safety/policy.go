package safety

import (
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// RuleSet evaluates operator-supplied policy rules against a selected
// signal. Rules are boolean expr expressions; all must hold for the policy
// gate to pass. Compiled programs are cached and reused.
type RuleSet struct {
	mu    sync.RWMutex
	rules []string
	cache map[string]*vm.Program
}

// NewRuleSet creates a rule set from config.
func NewRuleSet(rules []string) *RuleSet {
	return &RuleSet{
		rules: rules,
		cache: make(map[string]*vm.Program),
	}
}

// PolicyEnv builds the expression environment for a transmit request.
// Every key is available as a top-level variable inside rules.
func PolicyEnv(req *schema.TransmitRequest, sig *schema.CapturedSignal) map[string]any {
	return map[string]any{
		"frequency_mhz": sig.FrequencyMHz,
		"duration_ms":   req.Duration.Milliseconds(),
		"pulse_count":   sig.PulseCount(),
		"avg_pulse_us":  sig.AvgPulseUs(),
		"payload_len":   sig.PayloadLen,
		"rssi":          int(sig.RSSI),
		"valid":         sig.Valid,
		"protocol":      sig.Protocol,
		"device_type":   sig.DeviceType,
	}
}

// Evaluate runs every rule against env. It returns the first rule that does
// not hold, or an error for a rule that fails to compile or evaluate.
// A failing or erroring rule both deny: the policy gate is fail-closed.
func (r *RuleSet) Evaluate(env map[string]any) (failed string, err error) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	for _, rule := range rules {
		prg, cErr := r.getOrCompile(rule, env)
		if cErr != nil {
			return rule, cErr
		}
		out, rErr := vm.Run(prg, env)
		if rErr != nil {
			return rule, schema.NewErrorf(schema.ErrCodeValidation,
				"policy rule evaluation failed for %q: %s", rule, rErr.Error()).WithCause(rErr)
		}
		ok, isBool := out.(bool)
		if !isBool {
			return rule, schema.NewErrorf(schema.ErrCodeValidation,
				"policy rule %q did not produce a boolean", rule)
		}
		if !ok {
			return rule, nil
		}
	}
	return "", nil
}

func (r *RuleSet) getOrCompile(rule string, env map[string]any) (*vm.Program, error) {
	r.mu.RLock()
	if prg, ok := r.cache[rule]; ok {
		r.mu.RUnlock()
		return prg, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, ok := r.cache[rule]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(rule,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy rule compile failed for %q: %s", rule, err.Error()).WithCause(err)
	}
	r.cache[rule] = prg
	return prg, nil
}

// EstimateTransmitDuration estimates how long transmitting sig would take.
// Pulse band: sum of pulse widths times the 10-repeat transmit scheme.
// Packet band: a flat 10 ms.
func EstimateTransmitDuration(band schema.RFBand, sig *schema.CapturedSignal) time.Duration {
	if band == schema.BandSub1GHz {
		var totalUs uint64
		for _, p := range sig.PulseTimesUs {
			totalUs += uint64(p)
		}
		return time.Duration(totalUs*10) * time.Microsecond
	}
	return 10 * time.Millisecond
}
