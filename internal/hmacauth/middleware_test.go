package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(now time.Time) *Verifier {
	mock := clock.NewMock()
	mock.Set(now)
	return &Verifier{Secret: "secret", MaxSkew: time.Minute, Clock: mock}
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"target":"evm"}`
	now := time.Unix(1_700_000_000, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/connect", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now)
	rec := httptest.NewRecorder()

	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		got = string(raw)
		w.WriteHeader(http.StatusOK)
	})
	newVerifier(now).Middleware(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, got, "handler still sees the body")
}

func TestMiddleware_Rejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := map[string]func(*http.Request){
		"bad signature": func(r *http.Request) {
			SignRequest(r, "secret", []byte("{}"), now)
			r.Header.Set(HeaderSignature, "deadbeef")
		},
		"wrong secret": func(r *http.Request) { SignRequest(r, "other", []byte("{}"), now) },
		"stale":        func(r *http.Request) { SignRequest(r, "secret", []byte("{}"), now.Add(-2*time.Minute)) },
		"unsigned":     func(*http.Request) {},
	}
	for name, prepare := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/disconnect", strings.NewReader("{}"))
			prepare(req)
			rec := httptest.NewRecorder()
			newVerifier(now).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddleware_CustomReject(t *testing.T) {
	v := newVerifier(time.Unix(1_700_000_000, 0))
	var rejected error
	v.OnReject = func(w http.ResponseWriter, _ *http.Request, err error) {
		rejected = err
		w.WriteHeader(http.StatusForbidden)
	}
	rec := httptest.NewRecorder()
	v.Middleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	require.ErrorIs(t, rejected, ErrMissingSignature)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddleware_NoSecretPassesThrough(t *testing.T) {
	v := &Verifier{}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
