package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/membersync/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		min     int
		max     int
		healthy bool
	}{
		{"ok", http.StatusOK, 0, 0, true},
		{"server error", http.StatusInternalServerError, 0, 0, false},
		{"redirect to login", http.StatusFound, 200, 299, false},
		{"custom range", http.StatusNoContent, 204, 204, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/login")
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			opts := []HTTPOption{WithHeader("Authorization", "Bearer t")}
			if tt.min != 0 {
				opts = append(opts, WithStatusRange(tt.min, tt.max))
			}
			checker := NewHTTPChecker(server.URL, opts...)

			result := checker.Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Equal(t, CheckTypeHTTP, checker.Type())
		})
	}
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	result := NewHTTPChecker(url).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker(pingFunc(func(context.Context) error { return nil }))
	assert.True(t, ok.Check(context.Background()).Healthy)

	failing := NewPingChecker(pingFunc(func(context.Context) error { return errors.New("database is locked") }))
	result := failing.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, "database is locked", result.Message)
	assert.Equal(t, CheckTypePing, failing.Type())
}

func TestStatusRecord(t *testing.T) {
	cfg := Config{Retries: 2}
	s := NewStatus()
	fail := Result{Message: "down", CheckedAt: time.Now()}

	assert.False(t, s.Record(fail, cfg), "one failure is tolerated")
	assert.True(t, s.Healthy)
	assert.Equal(t, 1, s.Failures)

	assert.True(t, s.Record(fail, cfg))
	assert.False(t, s.Healthy)

	assert.False(t, s.Record(fail, cfg))
	assert.Equal(t, 3, s.Failures)

	assert.True(t, s.Record(Result{Healthy: true, CheckedAt: time.Now()}, cfg))
	assert.True(t, s.Healthy)
	assert.Zero(t, s.Failures)
}

func TestStatusStartPeriod(t *testing.T) {
	cfg := Config{Retries: 1, StartPeriod: time.Hour}
	s := NewStatus()

	assert.False(t, s.Record(Result{Message: "starting", CheckedAt: time.Now()}, cfg))
	assert.True(t, s.Healthy)
	assert.Zero(t, s.Failures)
	assert.Equal(t, "starting", s.LastResult.Message)

	late := Result{Message: "down", CheckedAt: s.Since.Add(2 * time.Hour)}
	assert.True(t, s.Record(late, cfg))
	assert.False(t, s.Healthy)
}

func TestMonitor(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	target := pingFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	m := NewMonitor()
	m.Add("test-dependency", NewPingChecker(target), Config{Interval: 10 * time.Millisecond, Retries: 2})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return metrics.GetHealth().Components["test-dependency"] == "unhealthy: connection refused"
	}, 2*time.Second, 5*time.Millisecond)
	s, ok := m.Status("test-dependency")
	require.True(t, ok)
	assert.False(t, s.Healthy)

	down.Store(false)
	require.Eventually(t, func() bool {
		return metrics.GetHealth().Components["test-dependency"] == "healthy"
	}, 2*time.Second, 5*time.Millisecond)

	_, ok = m.Status("missing")
	assert.False(t, ok)
}
