package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/timers"
)

type fakeCircuits struct{ states map[string]string }

func (f fakeCircuits) States() map[string]string { return f.states }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	zone := &delivery.Zone{Name: "default"}
	zone.Released.Store(3)
	zone.Deferred.Store(1)
	s := NewServer(Config{Listen: "127.0.0.1:0"}, []*delivery.Zone{zone}, fakeCircuits{states: map[string]string{"mx.y.test:10.0.0.1": "closed"}}, nil, nil, nil)
	return s
}

func TestHealthzReportsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestZonesReportsCountersAndCircuits(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/zones", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ZonesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Zones, 1)
	assert.Equal(t, "default", resp.Zones[0].Name)
	assert.Equal(t, int64(3), resp.Zones[0].Released)
	assert.Equal(t, int64(1), resp.Zones[0].Deferred)
	assert.Equal(t, "closed", resp.Circuits["mx.y.test:10.0.0.1"])
}

func TestDrainInvokesCallback(t *testing.T) {
	zone := &delivery.Zone{Name: "default"}
	called := false
	s := NewServer(Config{Listen: "127.0.0.1:0"}, []*delivery.Zone{zone}, nil, func() { called = true }, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/drain", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestDrainWithoutCallbackIsUnavailable(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/drain", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestZonesReportsStageSnapshots(t *testing.T) {
	reg := timers.New(time.Minute)
	reg.Observe("resolve", 10*time.Millisecond)
	reg.Observe("resolve", 20*time.Millisecond)

	zone := &delivery.Zone{Name: "default"}
	s := NewServer(Config{Listen: "127.0.0.1:0"}, []*delivery.Zone{zone}, nil, nil, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/zones", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	var resp ZonesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Stages, 1)
	assert.Equal(t, "resolve", resp.Stages[0].Name)
	assert.EqualValues(t, 2, resp.Stages[0].ObservedTotal)
	assert.Equal(t, 15*time.Millisecond, resp.Stages[0].Mean)
}

func TestZonesReportsDialAttemptsAndTLSDowngrades(t *testing.T) {
	reg := timers.New(time.Minute)
	reg.IncrTLSDowngrade()
	reg.IncrTLSDowngrade()

	zone := &delivery.Zone{Name: "default"}
	zone.DialAttempts.Store(7)
	s := NewServer(Config{Listen: "127.0.0.1:0"}, []*delivery.Zone{zone}, nil, nil, reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/zones", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	var resp ZonesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Zones, 1)
	assert.EqualValues(t, 7, resp.Zones[0].DialAttempts)
	assert.EqualValues(t, 2, resp.TLSDowngrades)
}

func TestZonesOmitsStagesWhenNoRegistryConfigured(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/zones", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	var resp ZonesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Stages)
}

func TestMetricsIsServedByPromhttp(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
