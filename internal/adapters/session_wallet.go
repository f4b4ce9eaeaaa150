package adapters

import (
	"context"
	"sync"

	"walletsync/internal/lifecycle"
	"walletsync/internal/wallet"
)

// Network selects which of a session profile's addresses is primary.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// UserData is the locally stored session record of the session wallet SDK.
type UserData struct {
	Profile struct {
		StxAddress struct {
			Mainnet string `json:"mainnet,omitempty"`
			Testnet string `json:"testnet,omitempty"`
		} `json:"stxAddress"`
	} `json:"profile"`
}

// ConnectOptions are handed to the SDK's connect prompt. OnFinish and
// OnCancel may be called from any goroutine.
type ConnectOptions struct {
	AppName  string
	AppIcon  string
	OnFinish func()
	OnCancel func()
}

// SessionBackend is the contract of the session wallet SDK.
type SessionBackend interface {
	IsSignedIn(ctx context.Context) (bool, error)
	// LoadUserData returns nil when there is no session.
	LoadUserData(ctx context.Context) (*UserData, error)
	SignOut(ctx context.Context) error
	ShowConnect(ctx context.Context, opts ConnectOptions) error
}

type SessionWalletConfig struct {
	Network Network
	AppName string
	AppIcon string
}

type SessionWalletAdapter struct {
	backend SessionBackend
	cfg     SessionWalletConfig

	mu        sync.Mutex
	listeners map[int]func()
	nextID    int
}

func NewSessionWalletAdapter(backend SessionBackend, cfg SessionWalletConfig) *SessionWalletAdapter {
	if cfg.Network == "" {
		cfg.Network = Mainnet
	}
	return &SessionWalletAdapter{
		backend:   backend,
		cfg:       cfg,
		listeners: make(map[int]func()),
	}
}

func (a *SessionWalletAdapter) Provider() wallet.ProviderID {
	return wallet.SessionWallet
}

func (a *SessionWalletAdapter) CheckConnected(ctx context.Context) (bool, error) {
	return a.backend.IsSignedIn(ctx)
}

// Address prefers the configured network's address and falls back to the
// other one.
func (a *SessionWalletAdapter) Address(ctx context.Context) (string, error) {
	data, err := a.backend.LoadUserData(ctx)
	if err != nil || data == nil {
		return "", err
	}
	addrs := data.Profile.StxAddress
	primary, secondary := addrs.Mainnet, addrs.Testnet
	if a.cfg.Network == Testnet {
		primary, secondary = secondary, primary
	}
	if primary != "" {
		return primary, nil
	}
	return secondary, nil
}

func (a *SessionWalletAdapter) ChainInfo(context.Context) (ChainInfo, bool, error) {
	return ChainInfo{}, false, nil
}

// Connect opens the SDK prompt; finishing or cancelling it notifies
// OnChange listeners so the result is picked up without waiting for a poll.
func (a *SessionWalletAdapter) Connect(ctx context.Context) error {
	return a.backend.ShowConnect(ctx, ConnectOptions{
		AppName:  a.cfg.AppName,
		AppIcon:  a.cfg.AppIcon,
		OnFinish: a.changed,
		OnCancel: a.changed,
	})
}

func (a *SessionWalletAdapter) Disconnect(ctx context.Context) error {
	return a.backend.SignOut(ctx)
}

func (a *SessionWalletAdapter) OnChange(fn func()) lifecycle.Subscription {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return lifecycle.NewSubscription(func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	})
}

func (a *SessionWalletAdapter) StorageKeys() []string {
	if scoped, ok := a.backend.(StorageScoped); ok {
		return scoped.StorageKeys()
	}
	return nil
}

func (a *SessionWalletAdapter) changed() {
	a.mu.Lock()
	fns := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
