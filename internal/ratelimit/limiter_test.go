package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestBurstThenRefill(t *testing.T) {
	mock := clock.NewMock()
	l := New(1, 2, mock)

	assert.True(t, l.Allow("ip:10.0.0.1"))
	assert.True(t, l.Allow("ip:10.0.0.1"))
	assert.False(t, l.Allow("ip:10.0.0.1"))
	assert.True(t, l.Allow("ip:10.0.0.2"), "buckets are per key")

	mock.Add(time.Second)
	assert.True(t, l.Allow("ip:10.0.0.1"))
}

func TestNilLimiterAllows(t *testing.T) {
	l := New(0, 0, nil)
	assert.Nil(t, l)
	assert.True(t, l.Allow("anyone"))
}

func TestMiddleware(t *testing.T) {
	l := New(1, 1, clock.NewMock())
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/focus", nil)
	req.RemoteAddr = "192.0.2.7:51234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "ip:2001:db8::1", ClientKey(req))
	req.RemoteAddr = "garbage"
	assert.Equal(t, "ip:garbage", ClientKey(req))
}
