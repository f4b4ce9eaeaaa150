// Package walletfs implements the wallet SDK contracts on top of origin
// storage. A frontend process writes the SDKs' session records into the
// shared kv store; these backends read them back for the reconciler and
// leave connect requests for the frontend to act on.
package walletfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"walletsync/internal/adapters"
	"walletsync/internal/kv"
	"walletsync/internal/wallet"
)

const (
	SessionKey   = "blockstack-session"
	EvmKey       = "wagmi.store"
	WalletKitKey = "walletkit.session"

	connectRequestPrefix = "connect-request."
)

// ConnectRequestKey is where a pending connect prompt for p is recorded.
func ConnectRequestKey(p wallet.ProviderID) string {
	return connectRequestPrefix + p.String()
}

// ConnectRequest asks the frontend to open a provider's connection prompt.
type ConnectRequest struct {
	ID          string            `json:"id"`
	Provider    wallet.ProviderID `json:"provider"`
	AppName     string            `json:"appName,omitempty"`
	AppIcon     string            `json:"appIcon,omitempty"`
	RequestedAt time.Time         `json:"requestedAt"`
}

func writeConnectRequest(ctx context.Context, store kv.Store, req ConnectRequest) error {
	req.ID = uuid.NewString()
	req.RequestedAt = time.Now().UTC()
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, ConnectRequestKey(req.Provider), raw); err != nil {
		return fmt.Errorf("write connect request: %w", err)
	}
	return nil
}

// readJSON decodes key into v. A missing key reports false with no error.
func readJSON(ctx context.Context, store kv.Store, key string, v any) (bool, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SessionRecord is the session wallet SDK's stored session.
type SessionRecord struct {
	UserData *adapters.UserData `json:"userData"`
}

type SessionBackend struct {
	store kv.Store
}

func NewSessionBackend(store kv.Store) *SessionBackend {
	return &SessionBackend{store: store}
}

func (b *SessionBackend) load(ctx context.Context) (*adapters.UserData, error) {
	var rec SessionRecord
	found, err := readJSON(ctx, b.store, SessionKey, &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.UserData, nil
}

func (b *SessionBackend) IsSignedIn(ctx context.Context) (bool, error) {
	data, err := b.load(ctx)
	return data != nil, err
}

func (b *SessionBackend) LoadUserData(ctx context.Context) (*adapters.UserData, error) {
	return b.load(ctx)
}

func (b *SessionBackend) SignOut(ctx context.Context) error {
	return b.store.Delete(ctx, SessionKey)
}

// ShowConnect records the prompt request. The finish/cancel callbacks are
// not used: the frontend's write to SessionKey reaches the reconciler as a
// storage change.
func (b *SessionBackend) ShowConnect(ctx context.Context, opts adapters.ConnectOptions) error {
	return writeConnectRequest(ctx, b.store, ConnectRequest{
		Provider: wallet.SessionWallet,
		AppName:  opts.AppName,
		AppIcon:  opts.AppIcon,
	})
}

func (b *SessionBackend) StorageKeys() []string {
	return []string{SessionKey}
}

// EvmRecord is the EVM stack's persisted account state.
type EvmRecord struct {
	Address string `json:"address"`
	ChainID uint64 `json:"chainId"`
	Status  string `json:"status"`
}

type EvmStack struct {
	store kv.Store
}

func NewEvmStack(store kv.Store) *EvmStack {
	return &EvmStack{store: store}
}

func (s *EvmStack) Account(ctx context.Context) (adapters.EvmAccount, error) {
	var rec EvmRecord
	found, err := readJSON(ctx, s.store, EvmKey, &rec)
	if err != nil || !found {
		return adapters.EvmAccount{}, err
	}
	return adapters.EvmAccount{
		Address:   rec.Address,
		Connected: rec.Status == "connected",
		ChainID:   rec.ChainID,
	}, nil
}

func (s *EvmStack) Open(ctx context.Context) error {
	return writeConnectRequest(ctx, s.store, ConnectRequest{Provider: wallet.EvmWallet})
}

func (s *EvmStack) Disconnect(ctx context.Context) error {
	return s.store.Delete(ctx, EvmKey)
}

func (s *EvmStack) StorageKeys() []string {
	return []string{EvmKey}
}

// WalletKitRecord is the wallet kit's persisted session.
type WalletKitRecord struct {
	Address   string             `json:"address"`
	Connected bool               `json:"connected"`
	Chain     *adapters.KitChain `json:"chain,omitempty"`
}

type WalletKit struct {
	store kv.Store
}

func NewWalletKit(store kv.Store) *WalletKit {
	return &WalletKit{store: store}
}

func (k *WalletKit) Account(ctx context.Context) (adapters.KitAccount, error) {
	var rec WalletKitRecord
	found, err := readJSON(ctx, k.store, WalletKitKey, &rec)
	if err != nil || !found {
		return adapters.KitAccount{}, err
	}
	return adapters.KitAccount{
		Address:   rec.Address,
		Connected: rec.Connected,
		Chain:     rec.Chain,
	}, nil
}

func (k *WalletKit) Connect(ctx context.Context) error {
	return writeConnectRequest(ctx, k.store, ConnectRequest{Provider: wallet.GenericWalletKit})
}

func (k *WalletKit) Disconnect(ctx context.Context) error {
	return k.store.Delete(ctx, WalletKitKey)
}

func (k *WalletKit) StorageKeys() []string {
	return []string{WalletKitKey}
}

// Options configure the adapters built by NewAdapters.
type Options struct {
	Network adapters.Network
	AppName string
	AppIcon string
	Chains  adapters.ChainResolver
	Logger  *zap.Logger
}

// NewAdapters wires the three storage-backed SDKs into adapters, in
// precedence order.
func NewAdapters(store kv.Store, opts Options) (*adapters.Set, error) {
	return adapters.NewSet(
		adapters.NewSessionWalletAdapter(NewSessionBackend(store), adapters.SessionWalletConfig{
			Network: opts.Network,
			AppName: opts.AppName,
			AppIcon: opts.AppIcon,
		}),
		adapters.NewEvmWalletAdapter(NewEvmStack(store), opts.Chains, opts.Logger),
		adapters.NewGenericWalletKitAdapter(NewWalletKit(store)),
	)
}
