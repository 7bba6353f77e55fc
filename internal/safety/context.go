// Package safety implements the transmission approval chain: four ordered
// gates (policy, confirmation, rate limit, band) plus the ambient policy
// state they evaluate against. The Context is an explicit value owned by the
// orchestrator rather than a global, so independent engines (and tests)
// never share hidden state.
package safety

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/halcyonrf/txgate/pkg/schema"
)

// BlacklistToleranceMHz is the matching tolerance for blacklisted
// frequencies (100 kHz).
const BlacklistToleranceMHz = 0.1

// TransmitAttempt is one audit record of a gate-chain outcome.
type TransmitAttempt struct {
	Timestamp    time.Time       `json:"timestamp"`
	FrequencyMHz float64         `json:"frequency_mhz"`
	Duration     time.Duration   `json:"duration"`
	Allowed      bool            `json:"allowed"`
	DeniedBy     schema.GateName `json:"denied_by,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Context holds the policy state shared across workflow runs: the frequency
// blacklist, the rate ledger, the single-use confirmation flags, observed
// address bindings, and the transmit-attempt audit trail.
type Context struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	cfg    schema.SafetyConfig
	ledger *RateLedger

	confirmed bool
	canceled  bool

	// bindings holds destination addresses observed during the current run's
	// Listening phases. Bindings persist across continue-observation cycles
	// and are cleared only when a new run starts.
	bindings map[string]struct{}

	lastTransmit time.Time
	attempts     []TransmitAttempt
	maxAttempts  int
}

// NewContext creates a safety context from the given policy config.
func NewContext(cfg schema.SafetyConfig, clock clockwork.Clock) *Context {
	if cfg.MaxTxPerMinute <= 0 {
		cfg.MaxTxPerMinute = schema.DefaultMaxTxPerMinute
	}
	return &Context{
		clock:       clock,
		cfg:         cfg,
		ledger:      NewRateLedger(cfg.MaxTxPerMinute, clock),
		bindings:    make(map[string]struct{}),
		maxAttempts: schema.DefaultAuditLogEntries,
	}
}

// Config returns the policy config.
func (c *Context) Config() schema.SafetyConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// --- confirmation (single use) ---

// Confirm records operator approval. The flag is consumed by the next
// confirmation-gate tick, pass or fail.
func (c *Context) Confirm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = true
}

// Cancel records operator cancellation. Single use, like Confirm.
func (c *Context) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
}

// consumeConfirmation reads and clears both flags atomically.
func (c *Context) consumeConfirmation() (confirmed, canceled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	confirmed, canceled = c.confirmed, c.canceled
	c.confirmed = false
	c.canceled = false
	return confirmed, canceled
}

// ClearConfirmation drops any unconsumed confirm or cancel flag. Called by
// the engine during Cleanup so stale approvals never leak into the next run.
func (c *Context) ClearConfirmation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = false
	c.canceled = false
}

// ConfirmationPending reports whether an unconsumed confirm flag is set.
func (c *Context) ConfirmationPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}

// --- blacklist ---

// IsFrequencyBlacklisted reports whether f matches a blacklist entry within
// the 100 kHz tolerance.
func (c *Context) IsFrequencyBlacklisted(f float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.cfg.BlacklistMHz {
		if diff := f - b; diff < BlacklistToleranceMHz && diff > -BlacklistToleranceMHz {
			return true
		}
	}
	return false
}

// AddBlacklist adds a frequency to the blacklist.
func (c *Context) AddBlacklist(f float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.BlacklistMHz = append(c.cfg.BlacklistMHz, f)
}

// RemoveBlacklist removes the first blacklist entry within tolerance of f.
func (c *Context) RemoveBlacklist(f float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.cfg.BlacklistMHz {
		if diff := f - b; diff < BlacklistToleranceMHz && diff > -BlacklistToleranceMHz {
			c.cfg.BlacklistMHz = append(c.cfg.BlacklistMHz[:i], c.cfg.BlacklistMHz[i+1:]...)
			return true
		}
	}
	return false
}

// Blacklist returns a copy of the blacklist.
func (c *Context) Blacklist() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]float64, len(c.cfg.BlacklistMHz))
	copy(cp, c.cfg.BlacklistMHz)
	return cp
}

// --- bindings ---

// ObserveAddress records a destination address seen during Listening.
func (c *Context) ObserveAddress(addr string) {
	if addr == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[addr] = struct{}{}
}

// WasAddressObserved reports whether addr was seen during this run.
func (c *Context) WasAddressObserved(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bindings[addr]
	return ok
}

// ClearBindings drops all observed addresses (new run).
func (c *Context) ClearBindings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = make(map[string]struct{})
}

// --- rate ledger passthrough ---

// Ledger returns the rate ledger (shared across runs).
func (c *Context) Ledger() *RateLedger { return c.ledger }

// RecordTransmission appends the current time to the rate ledger.
func (c *Context) RecordTransmission() {
	c.ledger.Record()
	c.mu.Lock()
	c.lastTransmit = c.clock.Now()
	c.mu.Unlock()
}

// LastTransmitTime returns the time of the most recent recorded transmission.
func (c *Context) LastTransmitTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTransmit
}

// --- attempt audit ---

// RecordAttempt appends a gate-chain outcome to the attempt audit trail.
func (c *Context) RecordAttempt(a TransmitAttempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.attempts) >= c.maxAttempts {
		c.attempts = c.attempts[1:]
	}
	c.attempts = append(c.attempts, a)
}

// Attempts returns a copy of the attempt audit trail.
func (c *Context) Attempts() []TransmitAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]TransmitAttempt, len(c.attempts))
	copy(cp, c.attempts)
	return cp
}
