package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordSessionCreated()
	m.SetActiveSessions(3)
	m.RecordFrame(true, 0.0001)
	m.RecordFrame(false, 0.0002)
	m.RecordError("process", "invalid_param")
	m.RecordSessionDestroyed("expired", 12)
	m.RecordHTTPRequest("POST", "/sessions", "201", 0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VoiceFrames))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("process", "invalid_param")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsDestroyed.WithLabelValues("expired")))

	count, err := testutil.GatherAndCount(reg, "tenvad_frames_processed_total", "tenvad_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetricsAreIsolatedPerRegistry(t *testing.T) {
	// Two instances on separate registries must not collide.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordSegment(1.5, 0.8)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SegmentsEmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SegmentsEmitted))
}

func TestStreamGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	m.RecordStreamMessage("in", "frame")
	m.RecordSequenceGap()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamMessages.WithLabelValues("in", "frame")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SequenceGaps))
}

func TestNewRegistryGathers(t *testing.T) {
	reg := NewRegistry()
	NewMetrics(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDeliveryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDelivery("success", 0.2)
	m.RecordDelivery("dropped", 0)
	m.RecordDeliveryRetry()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryRetries))

	count, err := testutil.GatherAndCount(reg, "tenvad_segment_delivery_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
