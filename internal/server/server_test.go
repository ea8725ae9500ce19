package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allocation-keeper/internal/keeper"
	"allocation-keeper/internal/stats"
)

type fakeStatus struct {
	state keeper.State
	stats *stats.Stats
}

func (f *fakeStatus) State() keeper.State { return f.state }
func (f *fakeStatus) Stats() *stats.Stats { return f.stats }

func newTestServer(status *fakeStatus, metrics http.Handler) *Server {
	now := time.Unix(1_700_000_600, 0)
	return New(Config{
		Status:  status,
		Metrics: metrics,
		Log:     zerolog.Nop(),
		Now:     func() time.Time { return now },
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		state keeper.State
		code  int
	}{
		{keeper.StateRunning, http.StatusOK},
		{keeper.StateInitializing, http.StatusServiceUnavailable},
		{keeper.StateStopping, http.StatusServiceUnavailable},
		{keeper.StateStopped, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			srv := newTestServer(&fakeStatus{state: tt.state, stats: stats.New(time.Now())}, nil)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			var body healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.state.String(), body.State)
		})
	}
}

func TestStats(t *testing.T) {
	st := stats.New(time.Unix(1_700_000_000, 0))
	st.RecordCheck(time.Unix(1_700_000_100, 0))
	st.RecordSubmission(time.Unix(1_700_000_100, 0))
	st.RecordError()

	srv := newTestServer(&fakeStatus{state: keeper.StateRunning, stats: st}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["checks_performed"])
	assert.Equal(t, float64(1), body["recommendations_submitted"])
	assert.Equal(t, float64(1), body["errors"])
	assert.Equal(t, float64(600), body["uptime_seconds"])
	assert.Equal(t, "running", body["state"])
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "keeper_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := newTestServer(&fakeStatus{state: keeper.StateRunning, stats: stats.New(time.Now())},
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "keeper_test_total 1")
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(&fakeStatus{state: keeper.StateRunning, stats: stats.New(time.Now())}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
