package adapters

import (
	"context"

	"go.uber.org/zap"

	"walletsync/internal/lifecycle"
	"walletsync/internal/wallet"
)

// EvmAccount is the observable account state of the EVM connection stack.
type EvmAccount struct {
	Address   string
	Connected bool
	ChainID   uint64
}

// EvmStack is the contract of the EVM wallet-connection stack.
type EvmStack interface {
	Account(ctx context.Context) (EvmAccount, error)
	// Open launches the stack's connection modal.
	Open(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// ChangeSource is implemented by backends whose values are reactive.
type ChangeSource interface {
	Subscribe(fn func()) lifecycle.Subscription
}

type EvmWalletAdapter struct {
	stack  EvmStack
	chains ChainResolver
	logger *zap.Logger
}

// NewEvmWalletAdapter wraps stack. chains may be nil; when set it supplies
// the chain id whenever the stack does not report one. A resolver failure
// leaves the chain unknown and never affects the connection itself.
func NewEvmWalletAdapter(stack EvmStack, chains ChainResolver, logger *zap.Logger) *EvmWalletAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvmWalletAdapter{stack: stack, chains: chains, logger: logger.Named("evm")}
}

func (a *EvmWalletAdapter) Provider() wallet.ProviderID {
	return wallet.EvmWallet
}

func (a *EvmWalletAdapter) CheckConnected(ctx context.Context) (bool, error) {
	acct, err := a.stack.Account(ctx)
	if err != nil {
		return false, err
	}
	return acct.Connected && acct.Address != "", nil
}

func (a *EvmWalletAdapter) Address(ctx context.Context) (string, error) {
	acct, err := a.stack.Account(ctx)
	if err != nil {
		return "", err
	}
	return acct.Address, nil
}

func (a *EvmWalletAdapter) ChainInfo(ctx context.Context) (ChainInfo, bool, error) {
	acct, err := a.stack.Account(ctx)
	if err != nil {
		return ChainInfo{}, false, err
	}
	id := acct.ChainID
	if id == 0 && a.chains != nil {
		resolved, err := a.chains.ChainID(ctx)
		if err != nil {
			a.logger.Warn("chain id fallback unavailable", zap.Error(err))
			return ChainInfo{}, false, nil
		}
		id = resolved
	}
	if id == 0 {
		return ChainInfo{}, false, nil
	}
	return ChainInfo{ChainID: id, Name: wallet.NetworkName(wallet.FamilyEVM, id)}, true, nil
}

func (a *EvmWalletAdapter) Connect(ctx context.Context) error {
	return a.stack.Open(ctx)
}

func (a *EvmWalletAdapter) Disconnect(ctx context.Context) error {
	return a.stack.Disconnect(ctx)
}

// OnChange forwards to the stack's own change feed, if it has one.
func (a *EvmWalletAdapter) OnChange(fn func()) lifecycle.Subscription {
	if src, ok := a.stack.(ChangeSource); ok {
		return src.Subscribe(fn)
	}
	return lifecycle.NewSubscription(nil)
}

func (a *EvmWalletAdapter) StorageKeys() []string {
	if scoped, ok := a.stack.(StorageScoped); ok {
		return scoped.StorageKeys()
	}
	return nil
}
