// Package health exposes liveness and readiness of the bridge over HTTP.
package health

import (
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// Checker reports the health of one component. A nil error is healthy.
type Checker interface {
	Healthy() error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func() error

// Healthy calls f.
func (f CheckerFunc) Healthy() error { return f() }

// Config configures a Monitor.
type Config struct {
	// CheckTimeout bounds a single check.
	CheckTimeout time.Duration `yaml:"check_timeout"`
	// MaxGoroutines fails liveness above this count. Zero disables the check.
	MaxGoroutines int `yaml:"max_goroutines"`
	// Registerer, when set, also exports check results as gauges.
	Registerer prometheus.Registerer `yaml:"-"`
	Namespace  string                `yaml:"-"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		CheckTimeout:  time.Second,
		MaxGoroutines: 10000,
		Namespace:     "remote_node",
	}
}

// Monitor serves /live and /ready.
type Monitor struct {
	cfg     Config
	handler healthcheck.Handler
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	var h healthcheck.Handler
	if cfg.Registerer != nil {
		h = healthcheck.NewMetricsHandler(cfg.Registerer, cfg.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	if cfg.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(cfg.MaxGoroutines))
	}
	return &Monitor{cfg: cfg, handler: h}
}

func (m *Monitor) wrap(c Checker) healthcheck.Check {
	check := healthcheck.Check(c.Healthy)
	if m.cfg.CheckTimeout > 0 {
		check = healthcheck.Timeout(check, m.cfg.CheckTimeout)
	}
	return check
}

// AddLiveness registers c as a liveness check. A failing liveness check
// means the process should be restarted.
func (m *Monitor) AddLiveness(name string, c Checker) {
	m.handler.AddLivenessCheck(name, m.wrap(c))
}

// AddReadiness registers c as a readiness check.
func (m *Monitor) AddReadiness(name string, c Checker) {
	m.handler.AddReadinessCheck(name, m.wrap(c))
}

// Handler returns the HTTP handler serving /live and /ready.
func (m *Monitor) Handler() http.Handler { return m.handler }

// Live is the liveness endpoint alone.
func (m *Monitor) Live(w http.ResponseWriter, r *http.Request) { m.handler.LiveEndpoint(w, r) }

// Ready is the readiness endpoint alone.
func (m *Monitor) Ready(w http.ResponseWriter, r *http.Request) { m.handler.ReadyEndpoint(w, r) }
