package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	m, ok := o.(prometheus.Metric)
	require.True(t, ok)
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	return out.GetHistogram().GetSampleCount()
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	d := timer.Duration()
	assert.GreaterOrEqual(t, d, 20*time.Millisecond)
	assert.Less(t, d, 2*time.Second)
	assert.GreaterOrEqual(t, timer.Duration(), d, "duration must not go backwards")
}

func TestTimerObserve(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_signin_seconds",
		Help: "test",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_request_seconds",
		Help: "test",
	}, []string{"enc"})

	timer := NewTimer()
	timer.ObserveDuration(h)
	timer.ObserveDurationVec(vec, "aes")
	timer.ObserveDurationVec(vec, "aes")
	timer.ObserveDurationVec(vec, "clear")

	assert.Equal(t, uint64(1), sampleCount(t, h))
	assert.Equal(t, uint64(2), sampleCount(t, vec.WithLabelValues("aes")))
	assert.Equal(t, uint64(1), sampleCount(t, vec.WithLabelValues("clear")))
}
