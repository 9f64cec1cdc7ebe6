package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Overall states reported by /health and /ready
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// componentRegistry holds the process-wide component states. Components
// report themselves; the registry never probes anything.
type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

func newComponentRegistry() *componentRegistry {
	return &componentRegistry{
		components: make(map[string]ComponentHealth),
		critical:   []string{"storage"},
		startTime:  time.Now(),
	}
}

var registry = newComponentRegistry()

// SetCriticalComponents sets the components readiness waits for. A worker
// process needs storage and worker; the API process needs storage and api.
func SetCriticalComponents(names ...string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.critical = append([]string(nil), names...)
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records a component's state, replacing any earlier one
func RegisterComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent is RegisterComponent under the name callers use after startup
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// Component returns the last reported state of name
func Component(name string) (ComponentHealth, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	c, ok := registry.components[name]
	return c, ok
}

func (r *componentRegistry) isCritical(name string) bool {
	for _, c := range r.critical {
		if c == name {
			return true
		}
	}
	return false
}

// GetHealth reports every component. An unhealthy critical component makes
// the process unhealthy; any other unhealthy component only degrades it.
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(registry.components))
	var failing []string

	for name, comp := range registry.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		components[name] = "unhealthy: " + comp.Message
		failing = append(failing, name)
		if registry.isCritical(name) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	message := ""
	if len(failing) > 0 {
		sort.Strings(failing)
		message = "failing: " + strings.Join(failing, ", ")
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    registry.version,
		Uptime:     time.Since(registry.startTime).String(),
		StartTime:  registry.startTime,
	}
}

// GetReadiness reports only the critical components
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := StatusReady
	message := ""
	components := make(map[string]string, len(registry.critical))

	for _, name := range registry.critical {
		comp, exists := registry.components[name]
		switch {
		case !exists:
			status = StatusNotReady
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = StatusNotReady
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    registry.version,
		Uptime:     time.Since(registry.startTime).String(),
		StartTime:  registry.startTime,
	}
}

func writeHealth(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler serves /health. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, health)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, readiness)
	}
}

// LivenessHandler serves /live: 200 for as long as the process can answer
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		uptime := time.Since(registry.startTime)
		registry.mu.RUnlock()
		writeHealth(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime.String(),
		})
	}
}
