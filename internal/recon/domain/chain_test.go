package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNetwork(t *testing.T) {
	tests := map[string]string{
		"bep-20":   NetworkBSC,
		"BEP20":    NetworkBSC,
		" bsc ":    NetworkBSC,
		"Tron":     NetworkTRC20,
		"ethereum": NetworkERC20,
		"sol":      "SOL",
		"":         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeNetwork(in), in)
	}
}

func TestInferNetworkFromURL(t *testing.T) {
	assert.Equal(t, NetworkBSC, InferNetworkFromURL("https://bscscan.com/tx/0x1"))
	assert.Equal(t, NetworkTRC20, InferNetworkFromURL("https://TRONSCAN.org/#/transaction/ab"))
	assert.Equal(t, NetworkERC20, InferNetworkFromURL("https://etherscan.io/tx/0x2"))
	assert.Equal(t, NetworkPolygon, InferNetworkFromURL("https://polygonscan.com/tx/0x3"))
	assert.Equal(t, "", InferNetworkFromURL("https://blockstream.info/tx/4"))
	assert.Equal(t, "", InferNetworkFromURL(""))
}

func TestChainAddress_Equal(t *testing.T) {
	a, err := NewChainAddress(" 0xAbC ", "bep20", "Memo")
	require.NoError(t, err)
	b, err := NewChainAddress("0xabc", "BSC", "memo")
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	c, _ := NewChainAddress("0xabc", "ERC20", "memo")
	assert.False(t, a.Equal(c))

	d, _ := NewChainAddress("0xabc", "BSC", "")
	assert.False(t, a.Equal(d))

	_, err = NewChainAddress("  ", "BSC", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTransactionHash(t *testing.T) {
	h, err := NewTransactionHash(" 0xDEAD ")
	require.NoError(t, err)
	assert.True(t, h.Equal("0xdead"))
	assert.Equal(t, "0xdead", h.Key())

	_, err = NewTransactionHash("")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewWalletRef(t *testing.T) {
	w, err := NewWalletRef(5, " usdt ")
	require.NoError(t, err)
	assert.Equal(t, "USDT", w.Currency)

	_, err = NewWalletRef(0, "USDT")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewWalletRef(1, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseCustomerID(t *testing.T) {
	id, err := ParseCustomerID("")
	require.NoError(t, err)
	assert.Nil(t, id)

	id, err = ParseCustomerID("6f1c2a4e-3b7d-4c1e-9a0b-2d5e8f7a6b3c")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "6f1c2a4e-3b7d-4c1e-9a0b-2d5e8f7a6b3c", id.String())

	_, err = ParseCustomerID("cust-42")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewIncomingDeposit(t *testing.T) {
	_, err := NewIncomingDeposit(ObservedDeposit{TxHash: "h", Address: "a", Currency: "BTC", Amount: dec("-1")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewIncomingDeposit(ObservedDeposit{TxHash: "h", Address: "a", Amount: dec("1")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewIncomingDeposit(ObservedDeposit{TxHash: "h", Address: "a", Currency: "BTC"})
	assert.ErrorIs(t, err, ErrValidation, "missing amount decodes to zero")

	d, err := NewIncomingDeposit(ObservedDeposit{TxHash: "h", Address: "a", Currency: "tether", Amount: dec("0.5")})
	require.NoError(t, err)
	assert.Equal(t, "USDT", string(d.Amount.Currency))
}
