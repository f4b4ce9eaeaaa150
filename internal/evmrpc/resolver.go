// Package evmrpc reads chain metadata from the configured EVM JSON-RPC node.
package evmrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Resolver reports the chain id of one RPC endpoint. The id is fetched once
// and cached; the node's chain never changes under a fixed URL.
type Resolver struct {
	client *ethclient.Client
	url    string

	mu      sync.Mutex
	chainID uint64
}

func Dial(ctx context.Context, rpcURL string) (*Resolver, error) {
	if rpcURL == "" {
		return nil, errors.New("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Resolver{client: cli, url: rpcURL}, nil
}

func (r *Resolver) ChainID(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chainID != 0 {
		return r.chainID, nil
	}
	id, err := r.client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch chain id from %s: %w", r.url, err)
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("chain id %s out of range", id)
	}
	r.chainID = id.Uint64()
	return r.chainID, nil
}

// Ping checks the node answers at all.
func (r *Resolver) Ping(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := r.client.BlockNumber(ctx)
	return err
}

func (r *Resolver) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// Static answers with a fixed chain id; used offline and in tests.
type Static uint64

func (s Static) ChainID(context.Context) (uint64, error) {
	if s == 0 {
		return 0, errors.New("no chain configured")
	}
	return uint64(s), nil
}

func (Static) Ping(context.Context) error {
	return nil
}
