package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Verdicts reported by GetHealth and GetReadiness
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the gateway-wide verdict with per-component detail
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type component struct {
	healthy bool
	message string
	updated time.Time
}

// Registry collects component verdicts. Critical components gate readiness
// and make the gateway unhealthy when they fail; any other failing
// component (a backend, say) only degrades it.
type Registry struct {
	mu         sync.RWMutex
	components map[string]component
	critical   []string
	version    string
	started    time.Time
	now        func() time.Time
}

// NewRegistry creates a registry waiting on the given critical components
func NewRegistry(critical ...string) *Registry {
	return &Registry{
		components: make(map[string]component),
		critical:   append([]string(nil), critical...),
		started:    time.Now(),
		now:        time.Now,
	}
}

var defaultRegistry = NewRegistry("window", "storage")

// SetVersion sets the version reported by health responses
func (r *Registry) SetVersion(version string) {
	r.mu.Lock()
	r.version = version
	r.mu.Unlock()
}

// Update records a component's verdict, registering it on first use
func (r *Registry) Update(name string, healthy bool, message string) {
	r.mu.Lock()
	r.components[name] = component{healthy: healthy, message: message, updated: r.now()}
	r.mu.Unlock()
}

func (r *Registry) isCritical(name string) bool {
	for _, c := range r.critical {
		if c == name {
			return true
		}
	}
	return false
}

func (r *Registry) status(verdict, message string, components map[string]string) HealthStatus {
	now := r.now()
	return HealthStatus{
		Status:     verdict,
		Timestamp:  now,
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     now.Sub(r.started).Round(time.Second).String(),
	}
}

// Health summarizes every registered component
func (r *Registry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	verdict := StatusHealthy
	detail := make(map[string]string, len(r.components))
	for name, c := range r.components {
		if c.healthy {
			detail[name] = StatusHealthy
			continue
		}
		detail[name] = StatusUnhealthy + ": " + c.message
		switch {
		case r.isCritical(name):
			verdict = StatusUnhealthy
		case verdict == StatusHealthy:
			verdict = StatusDegraded
		}
	}
	return r.status(verdict, "", detail)
}

// Readiness reports whether every critical component is registered and
// healthy. The message names the first one still missing, in name order.
func (r *Registry) Readiness() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.critical...)
	sort.Strings(names)

	verdict, message := StatusReady, ""
	detail := make(map[string]string, len(names))
	for _, name := range names {
		c, ok := r.components[name]
		switch {
		case ok && c.healthy:
			detail[name] = StatusReady
			continue
		case ok:
			detail[name] = StatusNotReady + ": " + c.message
		default:
			detail[name] = "not registered"
		}
		if verdict == StatusReady {
			verdict, message = StatusNotReady, "waiting for "+name
		}
	}
	return r.status(verdict, message, detail)
}

// ReadyHandler serves the public readiness probe. It exposes the verdict
// only; component detail stays behind authentication.
func (r *Registry) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		verdict := r.Readiness().Status
		code := http.StatusOK
		if verdict != StatusReady {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": verdict})
	}
}

// SetVersion sets the version on the default registry
func SetVersion(version string) { defaultRegistry.SetVersion(version) }

// UpdateComponent records a verdict on the default registry
func UpdateComponent(name string, healthy bool, message string) {
	defaultRegistry.Update(name, healthy, message)
}

// GetHealth summarizes the default registry
func GetHealth() HealthStatus { return defaultRegistry.Health() }

// GetReadiness reports readiness of the default registry
func GetReadiness() HealthStatus { return defaultRegistry.Readiness() }

// ReadyHandler is the readiness probe of the default registry
func ReadyHandler() http.HandlerFunc { return defaultRegistry.ReadyHandler() }
