package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *PrometheusMetricsProvider {
	t.Helper()
	provider, err := NewMetricsProvider(MetricsConfig{
		ServiceName: "parley-test",
		Registry:    prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return provider
}

func TestMetricsProviderRecordsSessionMeasurements(t *testing.T) {
	p := newTestProvider(t)

	p.StageChanged("uninitialized", "initializing")
	p.StageChanged("uninitialized", "initializing")
	p.MessageReceived("request")
	p.RequestHandled("tools/list", 12*time.Millisecond, true)
	p.RequestHandled("tools/list", 5*time.Millisecond, false)
	p.RequestIssued("ping")
	p.ViolationRecorded("OutOfOrderMessage")
	p.NegotiationCompleted("accepted")
	p.InFlight(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.stageTransitions.WithLabelValues("uninitialized", "initializing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.messagesReceived.WithLabelValues("request")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.requestsHandled.WithLabelValues("tools/list", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.requestsHandled.WithLabelValues("tools/list", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.requestsIssued.WithLabelValues("ping")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.violationTotal.WithLabelValues("OutOfOrderMessage")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.negotiationTotal.WithLabelValues("accepted")))
	assert.Equal(t, float64(3), testutil.ToFloat64(p.inflightRequests))

	// One duration series per method and status pair.
	assert.Equal(t, 2, testutil.CollectAndCount(p.requestDuration))
}

func TestMetricsProviderRecordsFrames(t *testing.T) {
	p := newTestProvider(t)

	p.RecordFrame("send", "success", 128)
	p.RecordFrame("send", "error", 64)
	p.RecordFrame("receive", "error", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(p.frameTotal.WithLabelValues("send", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.frameTotal.WithLabelValues("send", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.frameTotal.WithLabelValues("receive", "error")))

	// A zero sized frame never arrived, so it stays out of the size
	// histogram and only the send series exists.
	assert.Equal(t, 1, testutil.CollectAndCount(p.frameBytes))
}

func TestMetricsProviderExposesNamespacedFamilies(t *testing.T) {
	registry := prometheus.NewRegistry()
	p, err := NewMetricsProvider(MetricsConfig{Registry: registry})
	require.NoError(t, err)

	p.StageChanged("initializing", "operating")
	p.RecordFrame("send", "success", 32)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["parley_session_stage_transitions_total"])
	assert.True(t, names["parley_transport_frames_total"])
	assert.True(t, names["parley_transport_frame_bytes"])
}

func TestMetricsProviderReregistrationTolerated(t *testing.T) {
	registry := prometheus.NewRegistry()

	_, err := NewMetricsProvider(MetricsConfig{Registry: registry})
	require.NoError(t, err)

	// A second provider with identical collectors lands on the same
	// registry without complaint.
	_, err = NewMetricsProvider(MetricsConfig{Registry: registry})
	require.NoError(t, err)
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	p := newTestProvider(t)
	p.ViolationRecorded("ParseError")

	recorder := httptest.NewRecorder()
	p.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "parley_session_protocol_violations_total")
}

func TestMetricsShutdownWithoutStart(t *testing.T) {
	p := newTestProvider(t)
	require.NoError(t, p.Shutdown(context.Background()))
}
