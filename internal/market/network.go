package market

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network selects the chain parameters used for address encoding and payout
// address validation.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// ParseNetwork normalizes a network selector. "bitcoin" is accepted as an
// alias for mainnet.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	if n == "bitcoin" {
		n = Mainnet
	}
	if _, err := n.Params(); err != nil {
		return "", err
	}
	return n, nil
}

// Params returns the btcd chain parameters for n.
func (n Network) Params() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Signet:
		return &chaincfg.SigNetParams, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("market: network %q: %w", string(n), ErrInvalidNetwork)
	}
}
