package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"FortyAcres/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadiness_GatedOnFlagAndChecks(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestLiveness_AlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.LoanCalls.WithLabelValues("0x40", "LoanRequested").Inc()
	m.SetChannelMetrics("persist", 5, 10)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoanCalls.WithLabelValues("0x40", "LoanRequested")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))

	// A second set on a fresh registry must not collide.
	require.NotPanics(t, func() { observability.NewMetrics(prometheus.NewRegistry()) })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLevel("loud"))
}

func TestNewLoggerTo_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "persistence", zerolog.WarnLevel)
	logger.Info().Msg("dropped")
	logger.Warn().Int64("sequence", 7).Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "persistence", line["component"])
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, float64(7), line["sequence"])
	assert.Contains(t, line, "time")
}
