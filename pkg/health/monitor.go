package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/metrics"
	"github.com/rs/zerolog"
)

// Monitor probes external dependencies on their own intervals and mirrors
// each one into the metrics health registry as a component
type Monitor struct {
	mu       sync.Mutex
	probes   map[string]*probe
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

type probe struct {
	name    string
	checker Checker
	config  Config

	mu     sync.Mutex
	status *Status
}

func NewMonitor() *Monitor {
	return &Monitor{
		probes: make(map[string]*probe),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("health"),
	}
}

// Add registers a dependency under name. The component starts healthy and
// is updated after each check. Adding after Start begins probing at once.
func (m *Monitor) Add(name string, checker Checker, config Config) {
	p := &probe{
		name:    name,
		checker: checker,
		config:  config.withDefaults(),
		status:  NewStatus(),
	}
	metrics.RegisterComponent(name, true, "")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = p
	if m.started {
		m.wg.Add(1)
		go m.loop(p)
	}
}

// Start begins probing every registered dependency
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for _, p := range m.probes {
		m.wg.Add(1)
		go m.loop(p)
	}
}

// Stop ends all probes and waits for in-flight checks
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Status returns a copy of the named dependency's status
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	p, ok := m.probes[name]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.status, true
}

func (m *Monitor) loop(p *probe) {
	defer m.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// Run initial check immediately
	m.check(p)

	for {
		select {
		case <-ticker.C:
			m.check(p)
		case <-m.stopCh:
			return
		}
	}
}

// check runs one probe and reports the result
func (m *Monitor) check(p *probe) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()
	result := p.checker.Check(ctx)

	p.mu.Lock()
	changed := p.status.Record(result, p.config)
	healthy := p.status.Healthy
	failures := p.status.Failures
	p.mu.Unlock()

	message := ""
	if !healthy {
		message = result.Message
	}
	metrics.UpdateComponent(p.name, healthy, message)

	switch {
	case changed && !healthy:
		m.logger.Warn().
			Str("dependency", p.name).
			Str("check", string(p.checker.Type())).
			Int("failures", failures).
			Str("result", result.Message).
			Msg("Dependency unhealthy")
	case changed:
		m.logger.Info().Str("dependency", p.name).Msg("Dependency recovered")
	case !result.Healthy:
		m.logger.Debug().
			Str("dependency", p.name).
			Int("failures", failures).
			Str("result", result.Message).
			Msg("Health check failed")
	}
}
