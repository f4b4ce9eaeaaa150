package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var m *Registry
	m.IncReconcile("published")
	m.IncAdapterFault("evm")
	m.IncStorageFault("load")
	m.IncConnect("timed_out")
	m.IncSignal("focus")
	m.SetConnected("evm", true)
	m.ObserveReconcile(0.1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegistryCounts(t *testing.T) {
	m := New()
	m.IncReconcile("published")
	m.IncReconcile("published")
	m.IncAdapterFault("walletkit")
	m.SetConnected("session", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileTotal.WithLabelValues("published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adapterFaults.WithLabelValues("walletkit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerConnected.WithLabelValues("session")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "walletsync_reconcile_cycles_total"))
}
