package kv

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	for _, k := range []string{"blockstack-session", "wagmi.store"} {
		_ = store.Delete(ctx, k)
	}

	notified := make(chan string, 16)
	sub, err := store.Watch(ctx, func(key string) { notified <- key })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Release()

	exerciseStore(t, store)

	select {
	case key := <-notified:
		if key != "blockstack-session" {
			t.Fatalf("unexpected first notification %q", key)
		}
	case <-ctx.Done():
		t.Fatalf("no notification received")
	}
}

func TestPostgresWatchSurvivesLostConnection(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	store.retryDelay = 20 * time.Millisecond

	notified := make(chan string, 16)
	sub, err := store.Watch(ctx, func(key string) { notified <- key })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Release()

	if _, err := store.pool.Exec(ctx, `
SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE query = 'LISTEN '||$1 AND pid <> pg_backend_pid()`, notifyChannel); err != nil {
		t.Fatalf("terminate listener: %v", err)
	}

	// Writes racing the reconnect are not announced, so keep writing.
	for {
		if err := store.Put(ctx, "wagmi.store", []byte(`{}`)); err != nil {
			t.Fatalf("put: %v", err)
		}
		select {
		case key := <-notified:
			if key != "wagmi.store" {
				t.Fatalf("unexpected notification %q", key)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatalf("watch did not recover after the connection was terminated")
		}
	}
}
