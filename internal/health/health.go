// Package health tracks the readiness of the localization node's components
package health

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Component names reported by the daemon
const (
	ComponentRawDir    = "raw_dir"
	ComponentConfig    = "config"
	ComponentPublisher = "publisher"
)

// Overall states
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents overall node health
type Status struct {
	Status        string           `json:"status"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Probe reports the current state of a component
type Probe func() (healthy bool, message string)

type probe struct {
	fn       Probe
	critical bool
}

// Checker tracks health of node components. Components are either set
// directly or refreshed from probes on every status read.
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	probes     map[string]probe
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		probes:     make(map[string]probe),
	}
}

// SetComponent updates a non-critical component's health status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Critical:  c.components[name].Critical,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// AddProbe registers a probe for name. A failing critical probe makes the
// node unhealthy rather than degraded.
func (c *Checker) AddProbe(name string, critical bool, fn Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.probes[name] = probe{fn: fn, critical: critical}
}

// Refresh runs every registered probe
func (c *Checker) Refresh() {
	c.mu.RLock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	probes := make(map[string]probe, len(c.probes))
	for k, v := range c.probes {
		probes[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	// Probes may touch the filesystem; run them without holding the lock
	results := make(map[string]Check, len(names))
	for _, name := range names {
		p := probes[name]
		ok, msg := p.fn()
		results[name] = Check{Healthy: ok, Critical: p.critical, Message: msg, LastCheck: time.Now()}
	}

	c.mu.Lock()
	for name, check := range results {
		c.components[name] = check
	}
	c.mu.Unlock()
}

// GetStatus refreshes probes and returns the overall health status
func (c *Checker) GetStatus() Status {
	c.Refresh()

	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusOK
	for _, check := range c.components {
		if check.Healthy {
			continue
		}
		if check.Critical {
			status = StatusUnhealthy
			break
		}
		status = StatusDegraded
	}

	// Copy components map
	components := make(map[string]Check, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}

// IsHealthy returns true if all components are healthy
func (c *Checker) IsHealthy() bool {
	return c.GetStatus().Status == StatusOK
}

// DirProbe reports whether path is a readable directory
func DirProbe(path string) Probe {
	return func() (bool, string) {
		info, err := os.Stat(path)
		if err != nil {
			return false, err.Error()
		}
		if !info.IsDir() {
			return false, fmt.Sprintf("%s is not a directory", path)
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return false, err.Error()
		}
		return true, fmt.Sprintf("%d entries", len(entries))
	}
}
