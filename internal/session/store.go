// Package session caches each provider's last reconciled connection record.
// It never returns errors: any storage failure is logged, counted and
// treated as "nothing cached".
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"walletsync/internal/kv"
	"walletsync/internal/metrics"
	"walletsync/internal/wallet"
)

const keyPrefix = "walletsync.session."

// Key returns the storage key holding p's cached record.
func Key(p wallet.ProviderID) string {
	return keyPrefix + p.String()
}

type Store struct {
	kv      kv.Store
	logger  *zap.Logger
	metrics *metrics.Registry
	timeout time.Duration
}

func NewStore(backing kv.Store, logger *zap.Logger, m *metrics.Registry) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:      backing,
		logger:  logger.Named("session"),
		metrics: m,
		timeout: 2 * time.Second,
	}
}

// Load returns the cached state for p, or false when nothing usable is
// stored. Records that fail to decode or belong to another provider are
// ignored.
func (s *Store) Load(ctx context.Context, p wallet.ProviderID) (st wallet.ProviderState, ok bool) {
	defer s.recoverFault("load", p, &ok)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.kv.Get(ctx, Key(p))
	if errors.Is(err, kv.ErrNotFound) {
		return wallet.ProviderState{}, false
	}
	if err != nil {
		s.fault("load", p, err)
		return wallet.ProviderState{}, false
	}

	var rec wallet.ProviderState
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.fault("decode", p, err)
		return wallet.ProviderState{}, false
	}
	if rec.Provider != p {
		s.logger.Warn("cached record belongs to another provider",
			zap.String("provider", p.String()),
			zap.String("record_provider", rec.Provider.String()))
		return wallet.ProviderState{}, false
	}
	return rec.Sanitize(), true
}

func (s *Store) Save(ctx context.Context, p wallet.ProviderID, st wallet.ProviderState) {
	defer s.recoverFault("save", p, nil)

	st.Provider = p
	raw, err := json.Marshal(st.Sanitize())
	if err != nil {
		s.fault("encode", p, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.kv.Put(ctx, Key(p), raw); err != nil {
		s.fault("save", p, err)
	}
}

func (s *Store) Clear(ctx context.Context, p wallet.ProviderID) {
	defer s.recoverFault("clear", p, nil)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.kv.Delete(ctx, Key(p)); err != nil {
		s.fault("clear", p, err)
	}
}

func (s *Store) fault(op string, p wallet.ProviderID, err error) {
	s.metrics.IncStorageFault(op)
	s.logger.Warn("session storage fault",
		zap.String("op", op),
		zap.String("provider", p.String()),
		zap.Error(err))
}

// recoverFault turns a panicking backend into a storage fault.
func (s *Store) recoverFault(op string, p wallet.ProviderID, ok *bool) {
	if r := recover(); r != nil {
		s.metrics.IncStorageFault(op)
		s.logger.Warn("session storage panic",
			zap.String("op", op),
			zap.String("provider", p.String()),
			zap.Any("panic", r))
		if ok != nil {
			*ok = false
		}
	}
}
