// Package adapters puts a uniform face on each wallet backend SDK.
package adapters

import (
	"context"
	"fmt"
	"time"

	"walletsync/internal/lifecycle"
	"walletsync/internal/wallet"
)

// ChainInfo describes the network a connected account is on.
type ChainInfo struct {
	ChainID uint64
	Name    string
}

// Adapter is the capability set the reconciler relies on. "Not connected"
// is a normal answer, never an error; errors mean the backend misbehaved.
type Adapter interface {
	Provider() wallet.ProviderID
	CheckConnected(ctx context.Context) (bool, error)
	// Address is only meaningful while CheckConnected reports true.
	Address(ctx context.Context) (string, error)
	// ChainInfo reports false for backends without a chain concept.
	ChainInfo(ctx context.Context) (ChainInfo, bool, error)
	// Connect asks the backend to open its own connection prompt and returns
	// without waiting for the user.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Notifier is implemented by adapters whose backend pushes state changes.
type Notifier interface {
	OnChange(fn func()) lifecycle.Subscription
}

// StorageScoped is implemented by adapters whose backend persists its
// session in origin storage under known keys.
type StorageScoped interface {
	StorageKeys() []string
}

// ChainResolver looks up the chain id of the configured EVM network.
type ChainResolver interface {
	ChainID(ctx context.Context) (uint64, error)
}

// Fault is an unexpected backend failure observed while probing.
type Fault struct {
	Provider wallet.ProviderID
	Op       string
	Err      error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s adapter %s: %v", f.Provider, f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Probe asks a for its full state. Any error or panic comes back as a *Fault
// together with a disconnected state, so a caller can always use the result.
func Probe(ctx context.Context, a Adapter, now time.Time) (st wallet.ProviderState, err error) {
	p := a.Provider()
	st = wallet.Disconnected(p, now)
	op := "check"

	defer func() {
		if r := recover(); r != nil {
			st = wallet.Disconnected(p, now)
			err = &Fault{Provider: p, Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	connected, err := a.CheckConnected(ctx)
	if err != nil {
		return st, &Fault{Provider: p, Op: op, Err: err}
	}
	if !connected {
		return st, nil
	}

	op = "address"
	addr, err := a.Address(ctx)
	if err != nil {
		return wallet.Disconnected(p, now), &Fault{Provider: p, Op: op, Err: err}
	}

	op = "chain"
	chain, ok, err := a.ChainInfo(ctx)
	if err != nil {
		return wallet.Disconnected(p, now), &Fault{Provider: p, Op: op, Err: err}
	}

	st.Connected = true
	st.Address = addr
	if ok {
		st.ChainID = chain.ChainID
	}
	return st.Sanitize(), nil
}

// Guard runs one adapter command such as Connect or Disconnect, turning an
// error or panic into a *Fault.
func Guard(a Adapter, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Fault{Provider: a.Provider(), Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		return &Fault{Provider: a.Provider(), Op: op, Err: err}
	}
	return nil
}

// Set is the fixed collection of adapters, one per provider.
type Set struct {
	byID map[wallet.ProviderID]Adapter
}

// NewSet indexes adapters by provider. Each provider may appear once.
func NewSet(list ...Adapter) (*Set, error) {
	s := &Set{byID: make(map[wallet.ProviderID]Adapter, len(list))}
	for _, a := range list {
		p := a.Provider()
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %d", wallet.ErrUnknownProvider, uint8(p))
		}
		if _, dup := s.byID[p]; dup {
			return nil, fmt.Errorf("duplicate adapter for %s", p)
		}
		s.byID[p] = a
	}
	return s, nil
}

// Get returns the adapter registered for p.
func (s *Set) Get(p wallet.ProviderID) (Adapter, bool) {
	a, ok := s.byID[p]
	return a, ok
}

// Ordered returns registered adapters in precedence order.
func (s *Set) Ordered() []Adapter {
	out := make([]Adapter, 0, len(s.byID))
	for _, p := range wallet.Providers {
		if a, ok := s.byID[p]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Targets resolves a connect/disconnect target: NoProvider means every
// registered adapter.
func (s *Set) Targets(target wallet.ProviderID) ([]Adapter, error) {
	if target == wallet.NoProvider {
		return s.Ordered(), nil
	}
	a, ok := s.byID[target]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", wallet.ErrUnknownProvider, target)
	}
	return []Adapter{a}, nil
}

// StorageKeys collects the origin-storage keys of every adapter that
// declares them.
func (s *Set) StorageKeys() []string {
	var keys []string
	for _, a := range s.Ordered() {
		if scoped, ok := a.(StorageScoped); ok {
			keys = append(keys, scoped.StorageKeys()...)
		}
	}
	return keys
}
