// Package manager assembles the session store, adapters, reconcile loop,
// signal bridge and connect flow into one explicitly owned service.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"walletsync/internal/adapters"
	"walletsync/internal/connectflow"
	"walletsync/internal/kv"
	"walletsync/internal/lifecycle"
	"walletsync/internal/metrics"
	"walletsync/internal/reconcile"
	"walletsync/internal/session"
	"walletsync/internal/signals"
	"walletsync/internal/wallet"
)

type Options struct {
	ReconcileInterval time.Duration
	ProbeTimeout      time.Duration
	Debounce          time.Duration
	ConnectAttempts   int
	ConnectInterval   time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

type Manager struct {
	adapters *adapters.Set
	sessions *session.Store
	loop     *reconcile.Loop
	bridge   *signals.Bridge
	flow     *connectflow.Flow
	logger   *zap.Logger
}

// New wires the components over store. If store implements kv.Watcher its
// change feed drives reconciles for the adapters' storage keys.
func New(store kv.Store, set *adapters.Set, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	sessions := session.NewStore(store, opts.Logger, opts.Metrics)
	loop := reconcile.New(set, sessions, reconcile.Options{
		Interval:     opts.ReconcileInterval,
		ProbeTimeout: opts.ProbeTimeout,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})

	watcher, _ := store.(kv.Watcher)
	bridge := signals.New(loop, set, watcher, signals.Options{
		Debounce: opts.Debounce,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})

	flow := connectflow.New(loop, set, connectflow.Options{
		MaxAttempts: opts.ConnectAttempts,
		Interval:    opts.ConnectInterval,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})

	return &Manager{
		adapters: set,
		sessions: sessions,
		loop:     loop,
		bridge:   bridge,
		flow:     flow,
		logger:   opts.Logger.Named("manager"),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	if err := m.loop.Start(ctx); err != nil {
		return fmt.Errorf("start reconcile loop: %w", err)
	}
	if err := m.bridge.Start(ctx); err != nil {
		m.loop.Stop()
		return fmt.Errorf("start signal bridge: %w", err)
	}
	return nil
}

// Stop tears down in dependency order: the connect flow polls the loop and
// the bridge feeds it, so both go first.
func (m *Manager) Stop() {
	m.flow.Stop()
	m.bridge.Stop()
	m.loop.Stop()
}

func (m *Manager) State() wallet.UnifiedState {
	return m.loop.State()
}

func (m *Manager) Subscribe(fn func(wallet.UnifiedState)) lifecycle.Subscription {
	return m.loop.Subscribe(fn)
}

// Reconcile runs a cycle and returns its result.
func (m *Manager) Reconcile(ctx context.Context) (wallet.UnifiedState, error) {
	return m.loop.ReconcileNow(ctx)
}

func (m *Manager) RequestConnect(ctx context.Context, target wallet.ProviderID) (<-chan connectflow.Attempt, error) {
	return m.flow.RequestConnect(ctx, target)
}

func (m *Manager) ConnectAttempt() connectflow.Attempt {
	return m.flow.Current()
}

// CancelConnect abandons the probing connect attempt, if any.
func (m *Manager) CancelConnect() {
	m.flow.Cancel()
}

// Disconnect signs target out (every provider for NoProvider), drops the
// cached records and reconciles immediately. Adapter failures are reported
// after the reconcile so the returned state is always current.
func (m *Manager) Disconnect(ctx context.Context, target wallet.ProviderID) (wallet.UnifiedState, error) {
	targets, err := m.adapters.Targets(target)
	if err != nil {
		return m.State(), err
	}

	var errs []error
	for _, a := range targets {
		p := a.Provider()
		err := adapters.Guard(a, "disconnect", func() error { return a.Disconnect(ctx) })
		if err != nil {
			m.logger.Warn("adapter disconnect failed", zap.String("provider", p.String()), zap.Error(err))
			errs = append(errs, err)
		}
		m.sessions.Clear(ctx, p)
	}

	st, err := m.loop.ReconcileNow(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	return st, errors.Join(errs...)
}

func (m *Manager) NotifyFocus() {
	m.bridge.NotifyFocus()
}
