// Package connectflow drives a user-initiated connect: it asks the target
// adapters to open their prompts, then polls through the reconcile loop a
// bounded number of times until the target shows up connected.
package connectflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"walletsync/internal/adapters"
	"walletsync/internal/metrics"
	"walletsync/internal/wallet"
)

const (
	DefaultMaxAttempts = 5
	DefaultInterval    = 300 * time.Millisecond
)

var ErrConnectInProgress = errors.New("connect already in progress")

type Status uint8

const (
	Idle Status = iota
	Probing
	Succeeded
	TimedOut
)

var statusNames = [...]string{"idle", "probing", "succeeded", "timed_out"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) Terminal() bool {
	return s == Succeeded || s == TimedOut
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connect status %q", text)
}

// Attempt is a snapshot of one connect attempt. Only ticks count towards
// MaxAttempts; the reconcile run right after the prompts open does not.
type Attempt struct {
	ID           string               `json:"id,omitempty"`
	Target       wallet.ProviderID    `json:"target,omitempty"`
	Status       Status               `json:"status"`
	AttemptsMade int                  `json:"attemptsMade"`
	MaxAttempts  int                  `json:"maxAttempts"`
	IntervalMs   int64                `json:"intervalMs"`
	State        *wallet.UnifiedState `json:"state,omitempty"`
}

// DuplicateConnectError rejects a connect while another attempt is probing.
type DuplicateConnectError struct {
	Current Attempt
}

func (e *DuplicateConnectError) Error() string {
	return fmt.Sprintf("connect attempt %s is %s (%d/%d)",
		e.Current.ID, e.Current.Status, e.Current.AttemptsMade, e.Current.MaxAttempts)
}

func (e *DuplicateConnectError) Unwrap() error {
	return ErrConnectInProgress
}

// Reconciler is the part of the reconcile loop the flow polls through.
type Reconciler interface {
	ReconcileNow(ctx context.Context) (wallet.UnifiedState, error)
}

type Options struct {
	MaxAttempts int
	Interval    time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Registry
}

type Flow struct {
	loop        Reconciler
	set         *adapters.Set
	maxAttempts int
	interval    time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Registry

	mu      sync.Mutex
	current Attempt
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(loop Reconciler, set *adapters.Set, opts Options) *Flow {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f := &Flow{
		loop:        loop,
		set:         set,
		maxAttempts: opts.MaxAttempts,
		interval:    opts.Interval,
		clock:       opts.Clock,
		logger:      opts.Logger.Named("connect"),
		metrics:     opts.Metrics,
	}
	f.current = f.idle(wallet.NoProvider)
	return f
}

func (f *Flow) idle(target wallet.ProviderID) Attempt {
	return Attempt{
		Target:      target,
		Status:      Idle,
		MaxAttempts: f.maxAttempts,
		IntervalMs:  f.interval.Milliseconds(),
	}
}

// Current returns the latest attempt. A finished attempt stays visible until
// the next RequestConnect resets it.
func (f *Flow) Current() Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// RequestConnect starts an attempt for target (NoProvider means any
// provider). The returned channel carries every status change and is closed
// after the terminal one. The attempt outlives ctx; Cancel or Stop end it.
func (f *Flow) RequestConnect(ctx context.Context, target wallet.ProviderID) (<-chan Attempt, error) {
	targets, err := f.set.Targets(target)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current.Status == Probing {
		return nil, &DuplicateConnectError{Current: f.current}
	}

	updates := make(chan Attempt, f.maxAttempts+3)
	f.current = f.idle(target)
	updates <- f.current

	f.current.ID = uuid.NewString()
	f.current.Status = Probing
	updates <- f.current

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ticker := f.clock.Ticker(f.interval)
	done := make(chan struct{})
	f.cancel, f.done = cancel, done

	f.logger.Info("connect started",
		zap.String("attempt", f.current.ID),
		zap.String("target", target.String()),
		zap.Int("max_attempts", f.maxAttempts))
	go f.run(runCtx, cancel, f.current, targets, ticker, updates, done)
	return updates, nil
}

// Cancel abandons a probing attempt and resets it to Idle.
func (f *Flow) Cancel() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stop cancels any attempt in flight. It is the flow's teardown.
func (f *Flow) Stop() {
	f.Cancel()
}

func (f *Flow) run(ctx context.Context, cancel context.CancelFunc, at Attempt, targets []adapters.Adapter,
	ticker *clock.Ticker, updates chan<- Attempt, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer close(updates)
	defer ticker.Stop()

	for _, a := range targets {
		if err := adapters.Guard(a, "connect", func() error { return a.Connect(ctx) }); err != nil {
			f.logger.Warn("adapter connect failed",
				zap.String("provider", a.Provider().String()),
				zap.Error(err))
		}
	}

	st, err := f.loop.ReconcileNow(ctx)
	if ctx.Err() != nil {
		f.abandon(at, updates)
		return
	}
	if err == nil && satisfied(at.Target, st) {
		f.finish(at, Succeeded, st, updates)
		return
	}
	if err != nil {
		f.logger.Warn("reconcile failed", zap.String("attempt", at.ID), zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			f.abandon(at, updates)
			return
		case <-ticker.C:
		}

		st, err := f.loop.ReconcileNow(ctx)
		if ctx.Err() != nil {
			f.abandon(at, updates)
			return
		}
		at.AttemptsMade++
		if err != nil {
			f.logger.Warn("reconcile failed",
				zap.String("attempt", at.ID),
				zap.Int("attempts_made", at.AttemptsMade),
				zap.Error(err))
		}

		switch {
		case err == nil && satisfied(at.Target, st):
			f.finish(at, Succeeded, st, updates)
			return
		case at.AttemptsMade >= at.MaxAttempts:
			f.finish(at, TimedOut, st, updates)
			return
		}
		f.publish(at, updates)
	}
}

func satisfied(target wallet.ProviderID, st wallet.UnifiedState) bool {
	if target == wallet.NoProvider {
		return st.Connected
	}
	return st.PerProvider.Get(target).Connected
}

func (f *Flow) publish(at Attempt, updates chan<- Attempt) {
	f.mu.Lock()
	f.current = at
	f.mu.Unlock()
	updates <- at
}

func (f *Flow) finish(at Attempt, status Status, st wallet.UnifiedState, updates chan<- Attempt) {
	at.Status = status
	at.State = &st
	f.mu.Lock()
	f.current = at
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	updates <- at

	f.metrics.IncConnect(status.String())
	f.logger.Info("connect finished",
		zap.String("attempt", at.ID),
		zap.Stringer("status", status),
		zap.Int("attempts_made", at.AttemptsMade),
		zap.String("provider", st.ActiveProvider.String()))
}

func (f *Flow) abandon(at Attempt, updates chan<- Attempt) {
	at.Status = Idle
	f.mu.Lock()
	f.current = at
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	updates <- at

	f.metrics.IncConnect("cancelled")
	f.logger.Info("connect cancelled", zap.String("attempt", at.ID))
}
