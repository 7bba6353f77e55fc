package schema

import (
	"encoding/json"
	"time"
)

// Default timing and sizing parameters.
const (
	DefaultInitTimeout     = 5 * time.Second
	DefaultListenMin       = 1 * time.Second
	DefaultListenMax       = 60 * time.Second
	DefaultAnalyzeTimeout  = 10 * time.Second
	DefaultReadyTimeout    = 120 * time.Second
	DefaultTxGateTimeout   = 10 * time.Second
	DefaultTransmitMax     = 5 * time.Second
	DefaultCleanupTimeout  = 5 * time.Second
	DefaultBufferSize      = 100
	DefaultMaxTxPerMinute  = 10
	DefaultAuditLogEntries = 1000
)

// RunConfig holds the per-run parameters of the workflow state machine.
type RunConfig struct {
	Band            RFBand
	InitTimeout     time.Duration
	ListenMin       time.Duration
	ListenMax       time.Duration
	AnalyzeTimeout  time.Duration
	ReadyTimeout    time.Duration
	TxGateTimeout   time.Duration
	TransmitMax     time.Duration
	CleanupTimeout  time.Duration
	BufferSize      int
	// DryRun runs the full gate pipeline but never invokes the transmit
	// primitive; success is reported deterministically.
	DryRun bool

	Safety SafetyConfig
}

// SafetyConfig holds the ambient policy state shared across runs.
type SafetyConfig struct {
	// BlacklistMHz lists frequencies that must never be transmitted on.
	// Matching tolerance is 0.1 MHz (100 kHz).
	BlacklistMHz []float64
	// MaxTxPerMinute bounds transmissions in the trailing 60-second window.
	MaxTxPerMinute int
	// PolicyRules are optional boolean expr rules evaluated by the policy
	// gate against the selected signal. All rules must hold.
	PolicyRules []string
}

// DefaultRunConfig returns a pulse-band config with the stock timing table.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Band:           BandSub1GHz,
		InitTimeout:    DefaultInitTimeout,
		ListenMin:      DefaultListenMin,
		ListenMax:      DefaultListenMax,
		AnalyzeTimeout: DefaultAnalyzeTimeout,
		ReadyTimeout:   DefaultReadyTimeout,
		TxGateTimeout:  DefaultTxGateTimeout,
		TransmitMax:    DefaultTransmitMax,
		CleanupTimeout: DefaultCleanupTimeout,
		BufferSize:     DefaultBufferSize,
		Safety: SafetyConfig{
			MaxTxPerMinute: DefaultMaxTxPerMinute,
		},
	}
}

// TimeoutFor returns the timeout for a state, or 0 for Idle (no timeout).
func (c RunConfig) TimeoutFor(state WorkflowState) time.Duration {
	switch state {
	case StateInit:
		return c.InitTimeout
	case StateListening:
		return c.ListenMax
	case StateAnalyzing:
		return c.AnalyzeTimeout
	case StateReady:
		return c.ReadyTimeout
	case StateTxGated:
		return c.TxGateTimeout
	case StateTransmit:
		return c.TransmitMax
	case StateCleanup:
		return c.CleanupTimeout
	default:
		return 0
	}
}

// runConfigDoc is the JSON wire form of RunConfig. Durations are Go duration
// strings ("1s", "500ms"); validation happens upstream against the embedded
// JSON Schema before parsing.
type runConfigDoc struct {
	Band           RFBand    `json:"band"`
	InitTimeout    string    `json:"init_timeout,omitempty"`
	ListenMin      string    `json:"listen_min,omitempty"`
	ListenMax      string    `json:"listen_max,omitempty"`
	AnalyzeTimeout string    `json:"analyze_timeout,omitempty"`
	ReadyTimeout   string    `json:"ready_timeout,omitempty"`
	TxGateTimeout  string    `json:"tx_gate_timeout,omitempty"`
	TransmitMax    string    `json:"transmit_max,omitempty"`
	CleanupTimeout string    `json:"cleanup_timeout,omitempty"`
	BufferSize     int       `json:"buffer_size,omitempty"`
	DryRun         bool      `json:"dry_run,omitempty"`
	BlacklistMHz   []float64 `json:"blacklist_mhz,omitempty"`
	MaxTxPerMinute int       `json:"max_tx_per_minute,omitempty"`
	PolicyRules    []string  `json:"policy_rules,omitempty"`
}

// ParseRunConfig decodes a JSON run-config document, applying defaults to
// omitted fields.
func ParseRunConfig(data []byte) (RunConfig, error) {
	var doc runConfigDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return RunConfig{}, NewErrorf(ErrCodeValidation, "parse run config: %s", err.Error()).WithCause(err)
	}

	cfg := DefaultRunConfig()
	if doc.Band != "" {
		cfg.Band = doc.Band
	}
	if doc.BufferSize > 0 {
		cfg.BufferSize = doc.BufferSize
	}
	cfg.DryRun = doc.DryRun
	cfg.Safety.BlacklistMHz = doc.BlacklistMHz
	if doc.MaxTxPerMinute > 0 {
		cfg.Safety.MaxTxPerMinute = doc.MaxTxPerMinute
	}
	cfg.Safety.PolicyRules = doc.PolicyRules

	for _, f := range []struct {
		raw string
		dst *time.Duration
	}{
		{doc.InitTimeout, &cfg.InitTimeout},
		{doc.ListenMin, &cfg.ListenMin},
		{doc.ListenMax, &cfg.ListenMax},
		{doc.AnalyzeTimeout, &cfg.AnalyzeTimeout},
		{doc.ReadyTimeout, &cfg.ReadyTimeout},
		{doc.TxGateTimeout, &cfg.TxGateTimeout},
		{doc.TransmitMax, &cfg.TransmitMax},
		{doc.CleanupTimeout, &cfg.CleanupTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return RunConfig{}, NewErrorf(ErrCodeValidation, "parse run config duration %q: %s", f.raw, err.Error()).WithCause(err)
		}
		*f.dst = d
	}

	if cfg.ListenMin > cfg.ListenMax {
		return RunConfig{}, NewErrorf(ErrCodeValidation,
			"listen_min %s exceeds listen_max %s", cfg.ListenMin, cfg.ListenMax)
	}

	return cfg, nil
}
