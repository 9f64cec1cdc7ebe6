package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), first, "duration keeps growing")
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_poll_duration_seconds",
		Help: "Test histogram",
	})

	NewTimer().ObserveDuration(histogram)
	NewTimer().ObserveDuration(histogram)

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_work_item_duration_seconds",
		Help: "Test histogram vec",
	}, []string{"type"})

	NewTimer().ObserveDurationVec(vec, "grant_role")
	NewTimer().ObserveDurationVec(vec, "revoke_role")
	NewTimer().ObserveDurationVec(vec, "grant_role")

	assert.Equal(t, 2, testutil.CollectAndCount(vec), "one series per work type")
}
