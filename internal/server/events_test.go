package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletsync/internal/connectflow"
	"walletsync/internal/lifecycle"
	"walletsync/internal/wallet"
)

// publishingService hands the subscriber to the test so it can publish at will.
type publishingService struct {
	subscribed chan func(wallet.UnifiedState)
}

func (p *publishingService) State() wallet.UnifiedState { return wallet.Initial() }
func (p *publishingService) Subscribe(fn func(wallet.UnifiedState)) lifecycle.Subscription {
	p.subscribed <- fn
	return lifecycle.NewSubscription(nil)
}
func (p *publishingService) RequestConnect(context.Context, wallet.ProviderID) (<-chan connectflow.Attempt, error) {
	return nil, nil
}
func (p *publishingService) ConnectAttempt() connectflow.Attempt { return connectflow.Attempt{} }
func (p *publishingService) Disconnect(context.Context, wallet.ProviderID) (wallet.UnifiedState, error) {
	return wallet.Initial(), nil
}
func (p *publishingService) NotifyFocus() {}

// slowWriter blocks its second write until release is closed.
type slowWriter struct {
	header  http.Header
	blocked chan struct{}
	release chan struct{}

	mu     sync.Mutex
	writes []string
}

func (w *slowWriter) Header() http.Header { return w.header }
func (w *slowWriter) WriteHeader(int)     {}
func (w *slowWriter) Flush()              {}

func (w *slowWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.writes = append(w.writes, string(b))
	n := len(w.writes)
	w.mu.Unlock()
	if n == 2 {
		close(w.blocked)
		<-w.release
	}
	return len(b), nil
}

func (w *slowWriter) events() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

func eventChainID(t *testing.T, frame string) uint64 {
	t.Helper()
	_, data, ok := strings.Cut(frame, "data: ")
	require.True(t, ok, frame)
	var st wallet.UnifiedState
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &st))
	return st.ChainID
}

func TestEventsSlowClientGetsNewestState(t *testing.T) {
	svc := &publishingService{subscribed: make(chan func(wallet.UnifiedState), 1)}
	srv := NewServer(svc, Options{})
	w := &slowWriter{header: http.Header{}, blocked: make(chan struct{}), release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet/events", nil).WithContext(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleEvents(w, req)
	}()

	publish := <-svc.subscribed
	state := func(chainID uint64) wallet.UnifiedState {
		st := wallet.Initial()
		st.ChainID = chainID
		return st
	}

	publish(state(1))
	<-w.blocked
	for id := uint64(2); id <= 12; id++ {
		publish(state(id))
	}
	close(w.release)

	require.Eventually(t, func() bool { return len(w.events()) == 3 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	events := w.events()
	require.Len(t, events, 3, "intermediate states are skipped")
	assert.Equal(t, uint64(1), eventChainID(t, events[1]))
	assert.Equal(t, uint64(12), eventChainID(t, events[2]))
}
