// Package domain holds the reconciliation value types and aggregates.
package domain

import (
	"fmt"
	"strings"
)

// Canonical network labels.
const (
	NetworkBSC     = "BSC"
	NetworkTRC20   = "TRC20"
	NetworkERC20   = "ERC20"
	NetworkPolygon = "POLYGON"
)

var networkAliases = map[string]string{
	"BEP20":    NetworkBSC,
	"BEP-20":   NetworkBSC,
	"BSC":      NetworkBSC,
	"TRC20":    NetworkTRC20,
	"TRON":     NetworkTRC20,
	"ERC20":    NetworkERC20,
	"ETHEREUM": NetworkERC20,
	"ETH":      NetworkERC20,
}

// NormalizeNetwork canonicalizes a network label. Unknown labels are upper-cased,
// empty input stays empty.
func NormalizeNetwork(network string) string {
	n := strings.ToUpper(strings.TrimSpace(network))
	if n == "" {
		return ""
	}
	if canonical, ok := networkAliases[n]; ok {
		return canonical
	}
	return n
}

// InferNetworkFromURL guesses the network from a block explorer link.
func InferNetworkFromURL(url string) string {
	u := strings.ToLower(url)
	switch {
	case u == "":
		return ""
	case strings.Contains(u, "bscscan"):
		return NetworkBSC
	case strings.Contains(u, "tronscan"):
		return NetworkTRC20
	case strings.Contains(u, "etherscan"):
		return NetworkERC20
	case strings.Contains(u, "polygonscan"):
		return NetworkPolygon
	}
	return ""
}

// ChainAddress is a deposit address with an optional network and memo tag.
type ChainAddress struct {
	Address string `json:"address"`
	Network string `json:"network,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

// NewChainAddress trims its inputs and canonicalizes the network.
func NewChainAddress(address, network, tag string) (ChainAddress, error) {
	a := strings.TrimSpace(address)
	if a == "" {
		return ChainAddress{}, fmt.Errorf("%w: address is required", ErrValidation)
	}
	return ChainAddress{
		Address: a,
		Network: NormalizeNetwork(network),
		Tag:     strings.TrimSpace(tag),
	}, nil
}

// Equal compares address and tag case-insensitively and networks by canonical label.
func (a ChainAddress) Equal(other ChainAddress) bool {
	return strings.EqualFold(a.Address, other.Address) &&
		NormalizeNetwork(a.Network) == NormalizeNetwork(other.Network) &&
		strings.EqualFold(a.Tag, other.Tag)
}

func (a ChainAddress) String() string {
	s := a.Address
	if a.Network != "" {
		s += " (" + a.Network + ")"
	}
	if a.Tag != "" {
		s += " [tag:" + a.Tag + "]"
	}
	return s
}

// TransactionHash is the system-wide idempotency key for a deposit.
type TransactionHash string

// NewTransactionHash trims and validates a hash.
func NewTransactionHash(value string) (TransactionHash, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", fmt.Errorf("%w: tx hash is required", ErrValidation)
	}
	return TransactionHash(v), nil
}

// Equal compares hashes case-insensitively.
func (h TransactionHash) Equal(other TransactionHash) bool {
	return strings.EqualFold(string(h), string(other))
}

// Key is the lower-cased form used for lookups and uniqueness.
func (h TransactionHash) Key() string {
	return strings.ToLower(string(h))
}

func (h TransactionHash) String() string {
	return string(h)
}

// WalletRef identifies the exchange custodial wallet behind reserved addresses.
type WalletRef struct {
	WalletID int64  `json:"wallet_id"`
	Currency string `json:"currency"`
}

// NewWalletRef validates the wallet id and normalizes the currency.
func NewWalletRef(walletID int64, currency string) (WalletRef, error) {
	if walletID <= 0 {
		return WalletRef{}, fmt.Errorf("%w: wallet id must be positive", ErrValidation)
	}
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		return WalletRef{}, fmt.Errorf("%w: wallet currency is required", ErrValidation)
	}
	return WalletRef{WalletID: walletID, Currency: c}, nil
}
