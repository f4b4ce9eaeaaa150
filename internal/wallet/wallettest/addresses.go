// Package wallettest provides well-formed addresses for tests.
package wallettest

const (
	SessionMainnet = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	SessionTestnet = "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM"

	EvmA = "0xabc000000000000000000000000000000000d123"
	EvmB = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	Kit  = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)
