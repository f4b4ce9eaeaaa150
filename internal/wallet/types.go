// Package wallet holds the provider-independent wallet model: provider ids,
// per-provider connection states, address formats and the reducer that folds
// them into one UnifiedState.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProviderID names one of the wallet backends. The zero value means "none".
type ProviderID uint8

const (
	NoProvider ProviderID = iota
	SessionWallet
	EvmWallet
	GenericWalletKit
)

const providerCount = 3

// Providers lists every backend in precedence order.
var Providers = [providerCount]ProviderID{SessionWallet, EvmWallet, GenericWalletKit}

var ErrUnknownProvider = errors.New("unknown provider")

var providerNames = map[ProviderID]string{
	SessionWallet:    "session",
	EvmWallet:        "evm",
	GenericWalletKit: "walletkit",
}

func (p ProviderID) String() string {
	if name, ok := providerNames[p]; ok {
		return name
	}
	if p == NoProvider {
		return "none"
	}
	return fmt.Sprintf("provider(%d)", uint8(p))
}

// Valid reports whether p is one of the three known backends.
func (p ProviderID) Valid() bool {
	return p >= SessionWallet && p <= GenericWalletKit
}

// Family returns the address family the provider's accounts belong to.
func (p ProviderID) Family() Family {
	switch p {
	case SessionWallet:
		return FamilySession
	case EvmWallet, GenericWalletKit:
		return FamilyEVM
	default:
		return FamilyUnknown
	}
}

// ParseProviderID accepts the canonical names plus a few aliases used by the
// frontend ("stacks", "appkit").
func ParseProviderID(s string) (ProviderID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "session", "stacks", "sessionwallet":
		return SessionWallet, nil
	case "evm", "appkit", "evmwallet":
		return EvmWallet, nil
	case "walletkit", "genericwalletkit", "kit":
		return GenericWalletKit, nil
	case "", "any", "none":
		return NoProvider, nil
	}
	return NoProvider, fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

func (p ProviderID) MarshalText() ([]byte, error) {
	if p != NoProvider && !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProvider, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *ProviderID) UnmarshalText(text []byte) error {
	id, err := ParseProviderID(string(text))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// ProviderState is one backend's view of the connection at LastCheckedAt.
// A disconnected state never carries an address or chain id.
type ProviderState struct {
	Provider      ProviderID `json:"provider"`
	Connected     bool       `json:"connected"`
	Address       string     `json:"address,omitempty"`
	ChainID       uint64     `json:"chainId,omitempty"`
	LastCheckedAt time.Time  `json:"lastCheckedAt"`
}

// Disconnected returns the conservative state for p.
func Disconnected(p ProviderID, at time.Time) ProviderState {
	return ProviderState{Provider: p, LastCheckedAt: at}
}

// Sanitize enforces the state invariants: disconnected states drop address
// and chain, and a connected state whose address does not match the
// provider's format is downgraded to disconnected.
func (s ProviderState) Sanitize() ProviderState {
	if s.Connected && !ValidAddress(s.Provider, s.Address) {
		s.Connected = false
	}
	if !s.Connected {
		s.Address = ""
		s.ChainID = 0
	}
	return s
}

// SameConnection compares everything but the probe timestamp.
func (s ProviderState) SameConnection(o ProviderState) bool {
	return s.Provider == o.Provider &&
		s.Connected == o.Connected &&
		s.Address == o.Address &&
		s.ChainID == o.ChainID
}

// ProviderStates is the per-provider table of a UnifiedState. It is an array
// so snapshots copy by value and cannot be mutated through a shared reference.
type ProviderStates [providerCount]ProviderState

// Get returns the state of p, or a zero disconnected state for unknown ids.
func (ps ProviderStates) Get(p ProviderID) ProviderState {
	if !p.Valid() {
		return ProviderState{Provider: p}
	}
	return ps[p-1]
}

func (ps *ProviderStates) set(s ProviderState) {
	if s.Provider.Valid() {
		ps[s.Provider-1] = s
	}
}

func (ps ProviderStates) MarshalJSON() ([]byte, error) {
	out := make(map[string]ProviderState, providerCount)
	for _, p := range Providers {
		out[p.String()] = ps.Get(p)
	}
	return json.Marshal(out)
}

func (ps *ProviderStates) UnmarshalJSON(data []byte) error {
	var in map[string]ProviderState
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	for name, st := range in {
		id, err := ParseProviderID(name)
		if err != nil {
			return err
		}
		st.Provider = id
		ps.set(st)
	}
	return nil
}

// UnifiedState is the merged, single-authority answer to "is a wallet
// connected, and with what address". Address, ChainID and ActiveProvider
// always come from the same provider.
type UnifiedState struct {
	Connected      bool           `json:"connected"`
	Address        string         `json:"address,omitempty"`
	ChainID        uint64         `json:"chainId,omitempty"`
	ActiveProvider ProviderID     `json:"activeProvider,omitempty"`
	PerProvider    ProviderStates `json:"perProvider"`
}

// Initial is the state published before the first reconcile: every provider
// disconnected.
func Initial() UnifiedState {
	var ps ProviderStates
	for _, p := range Providers {
		ps.set(ProviderState{Provider: p})
	}
	return UnifiedState{PerProvider: ps}
}

// SameConnection reports whether two states describe the same connection,
// ignoring probe timestamps.
func (u UnifiedState) SameConnection(o UnifiedState) bool {
	if u.Connected != o.Connected || u.Address != o.Address ||
		u.ChainID != o.ChainID || u.ActiveProvider != o.ActiveProvider {
		return false
	}
	for i := range u.PerProvider {
		if !u.PerProvider[i].SameConnection(o.PerProvider[i]) {
			return false
		}
	}
	return true
}

// ConnectedProviders lists connected providers in precedence order.
func (u UnifiedState) ConnectedProviders() []ProviderID {
	var out []ProviderID
	for _, p := range Providers {
		if u.PerProvider.Get(p).Connected {
			out = append(out, p)
		}
	}
	return out
}
