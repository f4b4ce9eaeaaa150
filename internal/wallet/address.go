package wallet

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Family groups providers by the address format their accounts use.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilySession
	FamilyEVM
)

func (f Family) String() string {
	switch f {
	case FamilySession:
		return "stacks"
	case FamilyEVM:
		return "evm"
	default:
		return "unknown"
	}
}

const (
	sessionAddressLen = 41
	evmAddressLen     = 2 + 2*common.AddressLength
)

// ValidAddress reports whether addr matches the format of p's family.
func ValidAddress(p ProviderID, addr string) bool {
	switch p.Family() {
	case FamilySession:
		return validSessionAddress(addr)
	case FamilyEVM:
		return validEVMAddress(addr)
	default:
		return false
	}
}

func validSessionAddress(addr string) bool {
	return len(addr) == sessionAddressLen &&
		(strings.HasPrefix(addr, "SP") || strings.HasPrefix(addr, "ST"))
}

// common.IsHexAddress also accepts bare and "0X"-prefixed forms, so the
// length and lowercase prefix are checked first.
func validEVMAddress(addr string) bool {
	return len(addr) == evmAddressLen &&
		strings.HasPrefix(addr, "0x") &&
		common.IsHexAddress(addr)
}

// DetectFamily guesses the family from the address shape alone.
func DetectFamily(addr string) Family {
	switch {
	case addr == "":
		return FamilyUnknown
	case strings.HasPrefix(addr, "SP"), strings.HasPrefix(addr, "ST"):
		return FamilySession
	case strings.HasPrefix(addr, "0x") && len(addr) == evmAddressLen:
		return FamilyEVM
	}
	return FamilyUnknown
}
