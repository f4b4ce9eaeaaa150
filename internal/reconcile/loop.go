// Package reconcile owns the published UnifiedState. A single worker
// goroutine probes every adapter, merges the results and publishes the
// outcome, so reconciliations never overlap and subscribers see states in
// the order the cycles completed.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"walletsync/internal/adapters"
	"walletsync/internal/lifecycle"
	"walletsync/internal/metrics"
	"walletsync/internal/session"
	"walletsync/internal/wallet"
)

var (
	ErrNotRunning     = errors.New("reconcile loop is not running")
	ErrAlreadyRunning = errors.New("reconcile loop already running")
)

const (
	DefaultInterval     = 500 * time.Millisecond
	DefaultProbeTimeout = 2 * time.Second
)

type Options struct {
	// Interval between passive polls. Zero means DefaultInterval.
	Interval time.Duration
	// ProbeTimeout bounds one adapter probe. Zero means DefaultProbeTimeout.
	ProbeTimeout time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Registry
}

// subscriber's mu is held for the whole of a delivery, so Release returns
// only once no callback is running.
type subscriber struct {
	fn       func(wallet.UnifiedState)
	mu       sync.Mutex
	released bool
}

type Loop struct {
	adapters     *adapters.Set
	sessions     *session.Store
	clock        clock.Clock
	logger       *zap.Logger
	metrics      *metrics.Registry
	interval     time.Duration
	probeTimeout time.Duration

	stateMu sync.RWMutex
	state   wallet.UnifiedState

	// recorded is the last session record per provider. Worker-owned once
	// Start returns.
	recorded map[wallet.ProviderID]wallet.ProviderState

	subMu sync.Mutex
	subs  []*subscriber

	trigger chan struct{}

	waitMu  sync.Mutex
	waiters []chan wallet.UnifiedState

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(set *adapters.Set, sessions *session.Store, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Loop{
		adapters:     set,
		sessions:     sessions,
		clock:        opts.Clock,
		logger:       opts.Logger.Named("reconcile"),
		metrics:      opts.Metrics,
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		state:        wallet.Initial(),
		recorded:     make(map[wallet.ProviderID]wallet.ProviderState, len(wallet.Providers)),
		trigger:      make(chan struct{}, 1),
	}
}

// Start loads the session cache, starts the worker and requests an
// immediate reconcile. Nothing is published before that first cycle. The worker stops when ctx is done or
// Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.done != nil {
		return ErrAlreadyRunning
	}

	l.loadRecords(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	ticker := l.clock.Ticker(l.interval)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, ticker, l.done)

	l.Request()
	l.logger.Info("reconcile loop started", zap.Duration("interval", l.interval))
	return nil
}

// Stop halts the worker and waits for it. No subscriber is called after
// Stop returns, including for a tick that was already pending.
func (l *Loop) Stop() {
	l.runMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.runMu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
	l.failWaiters()
	l.logger.Info("reconcile loop stopped")
}

func (l *Loop) running() chan struct{} {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.done
}

// State returns the last published snapshot without blocking on a cycle.
func (l *Loop) State() wallet.UnifiedState {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// Subscribe registers fn for every published state. Callbacks run one at a
// time on the worker and must not block on the loop. Once Release returns fn
// is never called again; fn must not release its own subscription.
func (l *Loop) Subscribe(fn func(wallet.UnifiedState)) lifecycle.Subscription {
	s := &subscriber{fn: fn}
	l.subMu.Lock()
	l.subs = append(l.subs, s)
	l.subMu.Unlock()

	return lifecycle.NewSubscription(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()

		l.subMu.Lock()
		defer l.subMu.Unlock()
		for i, cur := range l.subs {
			if cur == s {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				break
			}
		}
	})
}

// Request asks for a reconcile as soon as possible. Requests made while a
// cycle is in flight collapse into one follow-up cycle.
func (l *Loop) Request() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// ReconcileNow requests a reconcile and waits for a cycle that started after
// the call, returning the state published at its end.
func (l *Loop) ReconcileNow(ctx context.Context) (wallet.UnifiedState, error) {
	done := l.running()
	if done == nil {
		return l.State(), ErrNotRunning
	}

	ch := make(chan wallet.UnifiedState, 1)
	l.waitMu.Lock()
	l.waiters = append(l.waiters, ch)
	l.waitMu.Unlock()
	l.Request()

	select {
	case st, ok := <-ch:
		if !ok {
			return l.State(), ErrNotRunning
		}
		return st, nil
	case <-done:
		return l.State(), ErrNotRunning
	case <-ctx.Done():
		return l.State(), ctx.Err()
	}
}

func (l *Loop) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cycle(ctx)
		case <-l.trigger:
			l.cycle(ctx)
		}
	}
}

func (l *Loop) takeWaiters() []chan wallet.UnifiedState {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	w := l.waiters
	l.waiters = nil
	return w
}

func (l *Loop) failWaiters() {
	for _, w := range l.takeWaiters() {
		close(w)
	}
}

func (l *Loop) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	waiters := l.takeWaiters()
	start := l.clock.Now()
	prev := l.State()

	states := make(map[wallet.ProviderID]wallet.ProviderState, len(wallet.Providers))
	for _, a := range l.adapters.Ordered() {
		p := a.Provider()
		st := l.probe(ctx, a, start)
		states[p] = st
		l.metrics.SetConnected(p.String(), st.Connected)
		rec, ok := l.recorded[p]
		if !ok {
			rec = wallet.Disconnected(p, time.Time{})
		}
		if !st.SameConnection(rec) {
			l.sessions.Save(ctx, p, st)
			l.recorded[p] = st
		}
	}
	next := wallet.Merge(states)

	// A cancelled cycle publishes nothing.
	if ctx.Err() != nil {
		for _, w := range waiters {
			close(w)
		}
		return
	}

	changed := !next.SameConnection(prev)
	if changed {
		l.stateMu.Lock()
		l.state = next
		l.stateMu.Unlock()
		l.publish(next)
		l.metrics.IncReconcile("published")
		l.logger.Debug("published state",
			zap.Bool("connected", next.Connected),
			zap.String("provider", next.ActiveProvider.String()),
			zap.String("address", next.Address))
	} else {
		next = prev
		l.metrics.IncReconcile("unchanged")
	}
	l.metrics.ObserveReconcile(l.clock.Since(start).Seconds())

	for _, w := range waiters {
		w <- next
	}
}

func (l *Loop) probe(ctx context.Context, a adapters.Adapter, now time.Time) wallet.ProviderState {
	pctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()
	st, err := adapters.Probe(pctx, a, now)
	if err != nil {
		l.metrics.IncAdapterFault(a.Provider().String())
		l.logger.Warn("adapter fault",
			zap.String("provider", a.Provider().String()),
			zap.Error(err))
	}
	return st
}

func (l *Loop) publish(st wallet.UnifiedState) {
	l.subMu.Lock()
	subs := make([]*subscriber, len(l.subs))
	copy(subs, l.subs)
	l.subMu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.released {
			l.deliver(s, st)
		}
		s.mu.Unlock()
	}
}

// deliver isolates the worker from a panicking subscriber.
func (l *Loop) deliver(s *subscriber, st wallet.UnifiedState) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("subscriber panic", zap.Any("panic", r))
		}
	}()
	s.fn(st)
}

// loadRecords reads the session cache so the first cycle rewrites only the
// records that changed while the process was down. The cache never feeds the
// published state; a wallet signed out in the meantime must not appear
// connected.
func (l *Loop) loadRecords(ctx context.Context) {
	for _, a := range l.adapters.Ordered() {
		p := a.Provider()
		if st, ok := l.sessions.Load(ctx, p); ok {
			l.recorded[p] = st
		}
	}
	l.logger.Debug("loaded session cache", zap.Int("records", len(l.recorded)))
}
