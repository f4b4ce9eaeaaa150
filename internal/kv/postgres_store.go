package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"walletsync/internal/lifecycle"
)

// PostgresStore persists values in a PostgreSQL table and announces changes
// on a LISTEN/NOTIFY channel so every daemon sharing the database sees them.
type PostgresStore struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	retryDelay time.Duration
}

const (
	createTableSQL = `
CREATE TABLE IF NOT EXISTS walletsync_kv (
    key TEXT PRIMARY KEY,
    value BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
	notifyChannel = "walletsync_kv"

	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger.Named("kv.postgres"), retryDelay: defaultRetryDelay}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM walletsync_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO walletsync_kv (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value,
    updated_at = EXCLUDED.updated_at
`, key, value); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, key)
		return err
	})
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM walletsync_kv WHERE key = $1`, key)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, key)
		return err
	})
}

func (p *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key FROM walletsync_kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Watch holds one pooled connection in LISTEN mode until released. A lost
// connection is logged and replaced; changes made while reconnecting are
// picked up by the next poll.
func (p *PostgresStore) Watch(ctx context.Context, fn func(key string)) (lifecycle.Subscription, error) {
	conn, err := p.listen(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			err := forward(ctx, conn, fn)
			// The connection was interrupted mid-wait; do not hand it back to the pool.
			conn.Hijack().Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("listen connection lost, reconnecting", zap.Error(err))
			if conn = p.relisten(ctx); conn == nil {
				return
			}
		}
	}()

	return lifecycle.NewSubscription(func() {
		cancel()
		wg.Wait()
	}), nil
}

func (p *PostgresStore) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

func forward(ctx context.Context, conn *pgxpool.Conn, fn func(key string)) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(n.Payload)
	}
}

// relisten retries with doubling delays until a connection is listening
// again. It returns nil once ctx is done.
func (p *PostgresStore) relisten(ctx context.Context) *pgxpool.Conn {
	delay := p.retryDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		conn, err := p.listen(ctx)
		if err == nil {
			p.logger.Info("listen connection restored")
			return conn
		}
		p.logger.Warn("relisten failed", zap.Duration("retry_in", delay), zap.Error(err))
		delay = min(2*delay, maxRetryDelay)
	}
}
