package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"walletsync/internal/adapters"
	"walletsync/internal/adapters/adaptertest"
	"walletsync/internal/hmacauth"
	"walletsync/internal/kv"
	"walletsync/internal/manager"
	"walletsync/internal/metrics"
	"walletsync/internal/wallet"
	"walletsync/internal/wallet/wallettest"
)

type fixture struct {
	srv  *Server
	mgr  *manager.Manager
	mock *clock.Mock
	evm  *adaptertest.Fake
	kit  *adaptertest.Fake
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	reg := metrics.New()
	logger := zaptest.NewLogger(t)

	evm := adaptertest.New(wallet.EvmWallet)
	kit := adaptertest.New(wallet.GenericWalletKit)
	set, err := adapters.NewSet(evm, kit)
	require.NoError(t, err)

	mgr := manager.New(kv.NewMemoryStore(), set, manager.Options{
		ReconcileInterval: time.Hour,
		Clock:             mock,
		Logger:            logger,
		Metrics:           reg,
	})
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)
	_, err = mgr.Reconcile(context.Background())
	require.NoError(t, err)

	opts := Options{
		HMACClockSkew: time.Minute,
		Clock:         mock,
		Logger:        logger,
		Metrics:       reg,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return &fixture{srv: NewServer(mgr, opts), mgr: mgr, mock: mock, evm: evm, kit: kit}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func post(path, body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestStateIncludesDisplayFields(t *testing.T) {
	f := newFixture(t, nil)
	f.evm.Set(true, wallettest.EvmB, 8453)
	_, err := f.mgr.Reconcile(context.Background())
	require.NoError(t, err)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/wallet/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "evm", body["activeProvider"])
	assert.Equal(t, wallettest.EvmB, body["address"])
	assert.Equal(t, wallet.ShortAddress(wallettest.EvmB), body["shortAddress"])
	assert.Equal(t, "Base", body["network"])
	assert.NotContains(t, body, "gasless")
}

func TestStateWhenDisconnected(t *testing.T) {
	f := newFixture(t, nil)

	body := decode(t, f.do(httptest.NewRequest(http.MethodGet, "/api/v1/wallet/state", nil)))
	assert.Equal(t, false, body["connected"])
	assert.NotContains(t, body, "address")
	assert.NotContains(t, body, "shortAddress")
	per, ok := body["perProvider"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, per, 3)
}

func TestConnectRequiresSignature(t *testing.T) {
	const secret = "s3cret"
	f := newFixture(t, func(o *Options) { o.HMACSecret = secret })

	rec := f.do(post("/api/v1/wallet/connect", `{"target":"evm"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, f.evm.Connects())

	payload := []byte(`{"target":"evm"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/connect", bytes.NewReader(payload))
	hmacauth.SignRequest(req, secret, payload, f.mock.Now())
	rec = f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "probing", body["status"])
	assert.Equal(t, "evm", body["target"])
	assert.NotEmpty(t, body["id"])
}

func TestConnectWaitReturnsTerminalStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.evm.OnConnect(func(int) { f.evm.Set(true, wallettest.EvmA, 1) })

	rec := f.do(post("/api/v1/wallet/connect?wait=1", `{"target":"evm"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "succeeded", body["status"])
	assert.EqualValues(t, 0, body["attemptsMade"])

	state, ok := body["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, wallettest.EvmA, state["address"])
}

func TestDuplicateConnectConflicts(t *testing.T) {
	f := newFixture(t, nil)

	first := f.do(post("/api/v1/wallet/connect", `{}`))
	require.Equal(t, http.StatusAccepted, first.Code)
	firstID := decode(t, first)["id"]

	rec := f.do(post("/api/v1/wallet/connect", `{"target":"walletkit"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	attempt, ok := body["attempt"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "probing", attempt["status"])
	assert.Equal(t, firstID, attempt["id"])
}

func TestConnectRejectsUnknownTarget(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{`{"target":"solana"}`, `{"target":"session"}`, `not json`} {
		rec := f.do(post("/api/v1/wallet/connect", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.evm.Set(true, wallettest.EvmA, 1)
	_, err := f.mgr.Reconcile(context.Background())
	require.NoError(t, err)

	rec := f.do(post("/api/v1/wallet/disconnect", `{"target":"evm"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode(t, rec)["connected"])
	assert.Equal(t, 1, f.evm.Disconnects())
	assert.Equal(t, 0, f.kit.Disconnects())
	assert.False(t, f.mgr.State().Connected)
}

func TestFocusAccepted(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(post("/api/v1/wallet/focus", ""))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRateLimitPerClient(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateLimit = 1
		o.RateBurst = 1
	})

	assert.Equal(t, http.StatusAccepted, f.do(post("/api/v1/wallet/focus", "")).Code)
	rec := f.do(post("/api/v1/wallet/focus", ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := post("/api/v1/wallet/focus", "")
	other.RemoteAddr = "198.51.100.7:4000"
	assert.Equal(t, http.StatusAccepted, f.do(other).Code)

	// reads are never limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/api/v1/wallet/state", nil)).Code)
	}
}

func TestHealth(t *testing.T) {
	rpcErr := errors.New("connection refused")
	var failing bool
	f := newFixture(t, func(o *Options) {
		o.RPCHealth = func(context.Context) error {
			if failing {
				return rpcErr
			}
			return nil
		}
		o.StorageHealth = func(context.Context) error { return nil }
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	failing = true
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	rpc, ok := body["rpc"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, rpc["connected"])
	assert.Equal(t, rpcErr.Error(), rpc["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "walletsync_reconcile_cycles_total")
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/wallet/state", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet/state", nil)
	req.Header.Set("X-Request-Id", "req-42")
	assert.Equal(t, "req-42", f.do(req).Header().Get("X-Request-Id"))
}

func TestEventsStreamPublishedStates(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/wallet/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(resp.Body)

	first := nextEvent(t, events)
	assert.Equal(t, false, first["connected"])

	f.kit.Set(true, wallettest.Kit, 8453)
	_, err = f.mgr.Reconcile(context.Background())
	require.NoError(t, err)

	second := nextEvent(t, events)
	assert.Equal(t, wallettest.Kit, second["address"])
	assert.Equal(t, "walletkit", second["activeProvider"])
	assert.Equal(t, true, second["gasless"])
}

func readEvents(r io.Reader) <-chan map[string]any {
	out := make(chan map[string]any, 4)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var ev map[string]any
			if json.Unmarshal([]byte(data), &ev) == nil {
				out <- ev
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}
