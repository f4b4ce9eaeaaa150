// Package adaptertest provides a scriptable in-memory adapter for tests.
package adaptertest

import (
	"context"
	"errors"
	"sync"

	"walletsync/internal/adapters"
	"walletsync/internal/lifecycle"
	"walletsync/internal/wallet"
)

var ErrBackend = errors.New("backend failure")

// Fake is an adapters.Adapter whose answers are set by the test.
type Fake struct {
	provider wallet.ProviderID

	mu          sync.Mutex
	connected   bool
	address     string
	chainID     uint64
	err         error
	panics      bool
	probes      int
	connects    int
	disconnects int
	onConnect   func(probe int)
	onProbe     func(probe int)
	keys        []string
	listeners   map[int]func()
	nextID      int
}

func New(p wallet.ProviderID) *Fake {
	return &Fake{provider: p}
}

// Set makes the fake report the given connection from the next probe on.
func (f *Fake) Set(connected bool, address string, chainID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected, f.address, f.chainID = connected, address, chainID
}

// Fail makes every probe return err (nil clears it).
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Panic makes every probe panic.
func (f *Fake) Panic(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics = on
}

// OnProbe registers a hook run at the start of every CheckConnected with the
// 1-based probe count. It runs with the fake unlocked and may call Set.
func (f *Fake) OnProbe(fn func(probe int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onProbe = fn
}

// OnConnect registers a hook run by Connect with the number of probes seen so far.
func (f *Fake) OnConnect(fn func(probe int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = fn
}

func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *Fake) Provider() wallet.ProviderID {
	return f.provider
}

func (f *Fake) CheckConnected(context.Context) (bool, error) {
	f.mu.Lock()
	f.probes++
	n, hook := f.probes, f.onProbe
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("fake adapter panic")
	}
	if f.err != nil {
		return false, f.err
	}
	return f.connected, nil
}

func (f *Fake) Address(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.address, nil
}

func (f *Fake) ChainInfo(context.Context) (adapters.ChainInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return adapters.ChainInfo{}, false, f.err
	}
	if f.chainID == 0 {
		return adapters.ChainInfo{}, false, nil
	}
	return adapters.ChainInfo{ChainID: f.chainID}, true, nil
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	n, hook := f.probes, f.onConnect
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *Fake) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected, f.address, f.chainID = false, "", 0
	return nil
}

// SetStorageKeys sets the keys reported by StorageKeys.
func (f *Fake) SetStorageKeys(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
}

func (f *Fake) StorageKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *Fake) OnChange(fn func()) lifecycle.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[int]func())
	}
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return lifecycle.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	})
}

// Changed calls every registered change listener, as a backend push would.
func (f *Fake) Changed() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Listeners reports how many change listeners are registered.
func (f *Fake) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}
