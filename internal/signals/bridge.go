// Package signals turns external hints that the wallet state may have
// changed into reconcile requests.
package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"walletsync/internal/adapters"
	"walletsync/internal/kv"
	"walletsync/internal/lifecycle"
	"walletsync/internal/metrics"
)

const DefaultDebounce = 100 * time.Millisecond

const (
	SourceStorage = "storage"
	SourceFocus   = "focus"
	SourceAdapter = "adapter"
)

var ErrStopped = errors.New("signal bridge stopped")

// Requester receives the debounced reconcile request.
type Requester interface {
	Request()
}

type Options struct {
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Registry
}

// Bridge listens to storage changes on provider-owned keys, focus regains
// and adapter change pushes. Signals arriving within one debounce window
// produce a single request.
type Bridge struct {
	target   Requester
	set      *adapters.Set
	watcher  kv.Watcher
	keys     map[string]struct{}
	debounce time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry

	subs lifecycle.Group

	mu      sync.Mutex
	started bool
	stopped bool
	pending *clock.Timer
}

// New builds a bridge. watcher may be nil when the storage backend has no
// change feed.
func New(target Requester, set *adapters.Set, watcher kv.Watcher, opts Options) *Bridge {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	keys := make(map[string]struct{})
	for _, k := range set.StorageKeys() {
		keys[k] = struct{}{}
	}
	return &Bridge{
		target:   target,
		set:      set,
		watcher:  watcher,
		keys:     keys,
		debounce: opts.Debounce,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("signals"),
		metrics:  opts.Metrics,
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.stopped:
		b.mu.Unlock()
		return ErrStopped
	case b.started:
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if b.watcher != nil && len(b.keys) > 0 {
		sub, err := b.watcher.Watch(ctx, b.storageChanged)
		if err != nil {
			return fmt.Errorf("watch storage: %w", err)
		}
		b.subs.Add(sub)
	}
	for _, a := range b.set.Ordered() {
		if n, ok := a.(adapters.Notifier); ok {
			b.subs.Add(n.OnChange(func() { b.signal(SourceAdapter) }))
		}
	}
	b.logger.Debug("signal bridge started", zap.Int("storage_keys", len(b.keys)))
	return nil
}

// Stop releases every listener and cancels a pending request. Nothing is
// requested after Stop returns.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
	b.mu.Unlock()
	b.subs.Release()
}

// NotifyFocus reports that the user came back to the application.
func (b *Bridge) NotifyFocus() {
	b.signal(SourceFocus)
}

func (b *Bridge) storageChanged(key string) {
	if _, ok := b.keys[key]; !ok {
		return
	}
	b.signal(SourceStorage)
}

func (b *Bridge) signal(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.metrics.IncSignal(source)
	if b.pending != nil {
		return
	}
	var t *clock.Timer
	t = b.clock.AfterFunc(b.debounce, func() { b.fire(t) })
	b.pending = t
}

func (b *Bridge) fire(t *clock.Timer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A timer stopped or replaced after it already fired must not request.
	if b.stopped || b.pending != t {
		return
	}
	b.pending = nil
	b.target.Request()
}
