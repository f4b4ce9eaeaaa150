package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"walletsync/internal/adapters"
	"walletsync/internal/config"
	"walletsync/internal/evmrpc"
	"walletsync/internal/kv"
	"walletsync/internal/manager"
	"walletsync/internal/metrics"
	"walletsync/internal/walletfs"
)

// runtime is everything a command needs, plus the teardown for it.
type runtime struct {
	store   kv.Store
	mgr     *manager.Manager
	metrics *metrics.Registry

	storageHealth func(context.Context) error
	rpcHealth     func(context.Context) error

	closers []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{metrics: metrics.New()}

	if err := rt.openStore(ctx, cfg.Storage, logger); err != nil {
		return nil, err
	}

	chains, err := rt.chainResolver(ctx, cfg.Providers, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	set, err := walletfs.NewAdapters(rt.store, walletfs.Options{
		Network: adapters.Network(cfg.Providers.Network),
		AppName: cfg.Providers.AppName,
		AppIcon: cfg.Providers.AppIcon,
		Chains:  chains,
		Logger:  logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build adapters: %w", err)
	}

	rt.mgr = manager.New(rt.store, set, manager.Options{
		ReconcileInterval: cfg.Reconcile.Interval,
		ProbeTimeout:      cfg.Reconcile.ProbeTimeout,
		Debounce:          cfg.Reconcile.Debounce,
		ConnectAttempts:   cfg.Connect.MaxAttempts,
		ConnectInterval:   cfg.Connect.Interval,
		Logger:            logger,
		Metrics:           rt.metrics,
	})
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context, sc config.StorageConfig, logger *zap.Logger) error {
	switch sc.Driver {
	case config.DriverMemory:
		rt.store = kv.NewMemoryStore()
	case config.DriverFile:
		fs, err := kv.NewFileStore(sc.Path)
		if err != nil {
			return fmt.Errorf("file store: %w", err)
		}
		rt.store = fs
	case config.DriverSQLite:
		ls, err := kv.NewSQLiteStore(sc.Path)
		if err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
		rt.store = ls
		rt.storageHealth = ls.Ping
		rt.closers = append(rt.closers, func() { _ = ls.Close() })
	case config.DriverPostgres:
		pg, err := kv.NewPostgresStore(ctx, sc.DSN, logger)
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		rt.store = pg
		rt.storageHealth = pg.Ping
		rt.closers = append(rt.closers, pg.Close)
	default:
		return fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
	return nil
}

// chainResolver dials the RPC node when one is configured and otherwise
// reports the configured chain id.
func (rt *runtime) chainResolver(ctx context.Context, pc config.ProvidersConfig, logger *zap.Logger) (adapters.ChainResolver, error) {
	if pc.RPCURL == "" {
		static := evmrpc.Static(pc.ChainID)
		rt.rpcHealth = static.Ping
		return static, nil
	}

	res, err := evmrpc.Dial(ctx, pc.RPCURL)
	if err != nil {
		return nil, err
	}
	logger.Info("chain rpc configured", zap.String("url", pc.RPCURL))
	rt.rpcHealth = res.Ping
	rt.closers = append(rt.closers, res.Close)
	return res, nil
}
