package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/params"
)

// ShortAddress abbreviates an address for display: session addresses keep
// five leading characters, EVM and unknown ones six, all keep the last four.
func ShortAddress(addr string) string {
	if addr == "" {
		return ""
	}
	switch DetectFamily(addr) {
	case FamilySession:
		return addr[:5] + "..." + addr[len(addr)-4:]
	case FamilyEVM:
		return addr[:6] + "..." + addr[len(addr)-4:]
	}
	if len(addr) > 10 {
		return addr[:6] + "..." + addr[len(addr)-4:]
	}
	return addr
}

const (
	chainBase    = 8453
	chainPolygon = 137
)

var evmNetworks = map[uint64]string{
	params.MainnetChainConfig.ChainID.Uint64(): "Ethereum",
	params.SepoliaChainConfig.ChainID.Uint64(): "Sepolia",
	chainBase:    "Base",
	chainPolygon: "Polygon",
}

// NetworkName returns a human label for the provider's network.
func NetworkName(f Family, chainID uint64) string {
	switch f {
	case FamilySession:
		return "Stacks"
	case FamilyEVM:
		if chainID == 0 {
			return "EVM"
		}
		if name, ok := evmNetworks[chainID]; ok {
			return name
		}
		return fmt.Sprintf("Chain %d", chainID)
	}
	return "Unknown"
}

var gaslessChains = map[uint64]struct{}{
	1:     {},
	8453:  {},
	137:   {},
	42161: {},
	10:    {},
}

// GaslessSupported reports whether the wallet kit sponsors gas on chainID.
func GaslessSupported(chainID uint64) bool {
	_, ok := gaslessChains[chainID]
	return ok
}
