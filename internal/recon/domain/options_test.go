package domain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const policyYAML = `
defaults:
  min_confirmations: 2
  absolute_tolerance: "0.01"
networks:
  "usdt:tron":
    min_confirmations: 20
    percentage_tolerance: "0.005"
  "BTC:":
    allow_multiple_deposits: false
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(policyYAML))
	require.NoError(t, err)

	d := p.Defaults()
	assert.Equal(t, 2, d.MinConfirmations)
	assert.True(t, d.AbsoluteTolerance.Equal(dec("0.01")))
	assert.True(t, d.RequireKnownAddress)
	assert.True(t, d.AllowMultipleDeposits)

	trc := p.Resolve("USDT", "TRC20")
	assert.Equal(t, 20, trc.MinConfirmations)
	assert.True(t, trc.PercentageTolerance.Equal(dec("0.005")))
	assert.True(t, trc.AbsoluteTolerance.Equal(dec("0.01")), "unset fields fall back to defaults")

	assert.False(t, p.Resolve("btc", "").AllowMultipleDeposits)
	assert.Equal(t, d, p.Resolve("ETH", "ERC20"))
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad decimal":        "defaults: {absolute_tolerance: \"abc\"}",
		"negative conf":      "defaults: {min_confirmations: -1}",
		"percentage above 1": "networks: {\"USDT:BSC\": {percentage_tolerance: \"1.5\"}}",
		"not yaml":           "defaults: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMatchingOptions(), p.Defaults())

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))
	p, err = LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 20, p.Resolve("USDT", "trc20").MinConfirmations)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMatchingOptions_Tolerance(t *testing.T) {
	o := DefaultMatchingOptions()
	o.AbsoluteTolerance = dec("1")
	o.PercentageTolerance = dec("0.05")
	assert.True(t, o.Tolerance(dec("10")).Equal(dec("1")))
	assert.True(t, o.Tolerance(dec("100")).Equal(dec("5")))
	assert.Equal(t, 3, o.RequiredConfirmations(3))
	assert.Equal(t, 1, o.RequiredConfirmations(0))
}
