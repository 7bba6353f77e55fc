package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonrf/txgate/pkg/schema"
)

func newValidator(t *testing.T) *RunConfigValidator {
	t.Helper()
	v, err := NewRunConfigValidator()
	require.NoError(t, err)
	return v
}

func TestValidate_AcceptsMinimalConfig(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.Validate([]byte(`{"band": "sub1ghz"}`)))
}

func TestValidate_AcceptsFullConfig(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{
		"band": "24ghz",
		"listen_min": "2s",
		"listen_max": "30s",
		"tx_gate_timeout": "15s",
		"buffer_size": 50,
		"dry_run": true,
		"blacklist_mhz": [121.5, 243.0],
		"max_tx_per_minute": 5,
		"policy_rules": ["duration_ms <= 100"]
	}`)
	assert.NoError(t, v.Validate(raw))
}

func TestValidate_Rejections(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "missing band", raw: `{}`},
		{name: "unknown band", raw: `{"band": "5ghz"}`},
		{name: "bad duration", raw: `{"band": "sub1ghz", "listen_min": "fast"}`},
		{name: "zero buffer", raw: `{"band": "sub1ghz", "buffer_size": 0}`},
		{name: "negative blacklist entry", raw: `{"band": "sub1ghz", "blacklist_mhz": [-433.92]}`},
		{name: "empty policy rule", raw: `{"band": "sub1ghz", "policy_rules": [""]}`},
		{name: "unknown field", raw: `{"band": "sub1ghz", "chanel": 7}`},
		{name: "not json", raw: `{band:`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.raw))
			require.Error(t, err)
			wfErr, ok := err.(*schema.WorkflowError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, wfErr.Code)
		})
	}
}

func TestValidateAndParse(t *testing.T) {
	v := newValidator(t)

	cfg, err := v.ValidateAndParse([]byte(`{
		"band": "sub1ghz",
		"listen_min": "1s",
		"listen_max": "5s",
		"buffer_size": 5
	}`))
	require.NoError(t, err)
	assert.Equal(t, schema.BandSub1GHz, cfg.Band)
	assert.Equal(t, 1*time.Second, cfg.ListenMin)
	assert.Equal(t, 5*time.Second, cfg.ListenMax)
	assert.Equal(t, 5, cfg.BufferSize)

	// Schema-valid but semantically inverted window fails in the parser.
	_, err = v.ValidateAndParse([]byte(`{
		"band": "sub1ghz",
		"listen_min": "10s",
		"listen_max": "5s"
	}`))
	assert.Error(t, err)
}
