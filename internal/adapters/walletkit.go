package adapters

import (
	"context"
	"strconv"

	"walletsync/internal/lifecycle"
	"walletsync/internal/wallet"
)

type KitChain struct {
	ID   uint64 `json:"id"`
	Name string `json:"name,omitempty"`
}

type KitAccount struct {
	Address   string
	Connected bool
	Chain     *KitChain
}

// WalletKit is the contract of the generic wallet-kit SDK.
type WalletKit interface {
	Account(ctx context.Context) (KitAccount, error)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

type GenericWalletKitAdapter struct {
	kit WalletKit
}

func NewGenericWalletKitAdapter(kit WalletKit) *GenericWalletKitAdapter {
	return &GenericWalletKitAdapter{kit: kit}
}

func (a *GenericWalletKitAdapter) Provider() wallet.ProviderID {
	return wallet.GenericWalletKit
}

func (a *GenericWalletKitAdapter) CheckConnected(ctx context.Context) (bool, error) {
	acct, err := a.kit.Account(ctx)
	if err != nil {
		return false, err
	}
	return acct.Connected && acct.Address != "", nil
}

func (a *GenericWalletKitAdapter) Address(ctx context.Context) (string, error) {
	acct, err := a.kit.Account(ctx)
	if err != nil {
		return "", err
	}
	return acct.Address, nil
}

func (a *GenericWalletKitAdapter) ChainInfo(ctx context.Context) (ChainInfo, bool, error) {
	acct, err := a.kit.Account(ctx)
	if err != nil || acct.Chain == nil || acct.Chain.ID == 0 {
		return ChainInfo{}, false, err
	}
	return ChainInfo{ChainID: acct.Chain.ID, Name: kitChainName(acct.Chain)}, true, nil
}

func (a *GenericWalletKitAdapter) Connect(ctx context.Context) error {
	return a.kit.Connect(ctx)
}

func (a *GenericWalletKitAdapter) Disconnect(ctx context.Context) error {
	return a.kit.Disconnect(ctx)
}

func (a *GenericWalletKitAdapter) OnChange(fn func()) lifecycle.Subscription {
	if src, ok := a.kit.(ChangeSource); ok {
		return src.Subscribe(fn)
	}
	return lifecycle.NewSubscription(nil)
}

func (a *GenericWalletKitAdapter) StorageKeys() []string {
	if scoped, ok := a.kit.(StorageScoped); ok {
		return scoped.StorageKeys()
	}
	return nil
}

func kitChainName(c *KitChain) string {
	switch {
	case c == nil:
		return "Unknown"
	case c.Name != "":
		return c.Name
	case c.ID != 0:
		return strconv.FormatUint(c.ID, 10)
	}
	return "Unknown"
}
