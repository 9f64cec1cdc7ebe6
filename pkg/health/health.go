package health

import (
	"context"
	"time"
)

// CheckType identifies how a dependency is probed
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypePing CheckType = "ping"
)

// Result is the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency. Check must honour ctx's deadline.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often a dependency is probed and how many failures
// in a row it takes to report it unhealthy. Zero fields take the
// DefaultConfig values.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int

	// Failures during StartPeriod are recorded but not counted
	StartPeriod time.Duration
}

// DefaultConfig probes every 30s with a 5s timeout and tolerates two
// failures in a row
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = d.Retries
	}
	return c
}

// Status is the debounced view of a dependency. A single successful probe
// makes it healthy again; it takes Retries failures in a row to make it
// unhealthy.
type Status struct {
	Healthy    bool
	Failures   int
	LastResult Result
	Since      time.Time
}

// NewStatus starts a dependency out healthy
func NewStatus() *Status {
	return &Status{Healthy: true, Since: time.Now()}
}

// Record folds result into the status and reports whether Healthy changed
func (s *Status) Record(result Result, cfg Config) bool {
	was := s.Healthy
	s.LastResult = result

	switch {
	case result.Healthy:
		s.Failures = 0
		s.Healthy = true
	case s.inStartPeriod(cfg, result.CheckedAt):
	default:
		s.Failures++
		if s.Failures >= cfg.Retries {
			s.Healthy = false
		}
	}
	return was != s.Healthy
}

func (s *Status) inStartPeriod(cfg Config, at time.Time) bool {
	if at.IsZero() {
		at = time.Now()
	}
	return cfg.StartPeriod > 0 && at.Sub(s.Since) < cfg.StartPeriod
}
