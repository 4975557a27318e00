// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// ErrUnknownNetwork is returned when a network name or parameter set is not
// one of the supported bitcoin networks. Unknown networks are never mapped to
// a default.
var ErrUnknownNetwork = errors.New("unknown network")

// Network is one of the bitcoin networks a wallet can operate on.
type Network uint8

const (
	// Bitcoin is the main bitcoin network.
	Bitcoin Network = iota

	// Testnet is the public test network (testnet3).
	Testnet

	// Signet is the default signet network.
	Signet

	// Regtest is the local regression test network.
	Regtest
)

// networks is the exhaustive set of supported networks.
var networks = map[Network]struct {
	name   string
	params *chaincfg.Params
}{
	Bitcoin: {"bitcoin", &chaincfg.MainNetParams},
	Testnet: {"testnet", &chaincfg.TestNet3Params},
	Signet:  {"signet", &chaincfg.SigNetParams},
	Regtest: {"regtest", &chaincfg.RegressionNetParams},
}

// ParseNetwork parses a network name. Both the bitcoind and btcd spellings
// are accepted.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bitcoin", "mainnet", "main":
		return Bitcoin, nil
	case "testnet", "testnet3", "test":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest", "regnet", "simnet":
		return Regtest, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
}

// NetworkFromParams maps chain parameters back to a Network.
func NetworkFromParams(params *chaincfg.Params) (Network, error) {
	if params == nil {
		return 0, fmt.Errorf("%w: nil params", ErrUnknownNetwork)
	}

	for n, info := range networks {
		if info.params.Net == params.Net {
			return n, nil
		}
	}

	return 0, fmt.Errorf("%w: %v", ErrUnknownNetwork, params.Name)
}

// Validate returns ErrUnknownNetwork if n is not a supported network.
func (n Network) Validate() error {
	if _, ok := networks[n]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNetwork, uint8(n))
	}

	return nil
}

// Params returns the chain parameters of the network, or nil for an unknown
// network.
func (n Network) Params() *chaincfg.Params {
	info, ok := networks[n]
	if !ok {
		return nil
	}

	return info.params
}

// Net returns the wire magic of the network.
func (n Network) Net() wire.BitcoinNet {
	if p := n.Params(); p != nil {
		return p.Net
	}

	return 0
}

// CoinType is the BIP44 coin type used for the network: 0 on mainnet and 1
// on every test network.
func (n Network) CoinType() uint32 {
	if n == Bitcoin {
		return 0
	}

	return 1
}

// String returns the canonical network name.
func (n Network) String() string {
	info, ok := networks[n]
	if !ok {
		return fmt.Sprintf("Network(%d)", uint8(n))
	}

	return info.name
}
