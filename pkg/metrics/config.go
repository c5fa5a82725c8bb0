package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name unless Config.Namespace is set.
const DefaultNamespace = "stageflow"

// Config holds configuration for metrics collection.
type Config struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// Registry is the Prometheus registry to use. If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Namespace overrides the default "stageflow" namespace for metrics.
	Namespace string

	// Labels are additional constant labels added to all metrics.
	Labels prometheus.Labels
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Registry:  prometheus.DefaultRegisterer,
		Namespace: DefaultNamespace,
		Labels:    nil,
	}
}

// registryKey identifies the collectors Build registered on one registerer.
type registryKey struct {
	reg       prometheus.Registerer
	namespace string
	labels    string
}

var (
	builtMu sync.Mutex
	built   = make(map[registryKey]*Registry)
)

func labelsKey(labels prometheus.Labels) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\xff")
}

// Build returns the Registry described by c, or nil when metrics are disabled.
// A nil Registry is valid: all of its recording methods are no-ops.
// Building the same registerer, namespace and labels again returns the
// registry built the first time.
func (c Config) Build() *Registry {
	if !c.Enabled {
		return nil
	}
	reg := c.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	namespace := c.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == prometheus.DefaultRegisterer && namespace == DefaultNamespace && len(c.Labels) == 0 {
		return Default()
	}

	key := registryKey{reg: reg, namespace: namespace, labels: labelsKey(c.Labels)}

	builtMu.Lock()
	defer builtMu.Unlock()
	if r, ok := built[key]; ok {
		return r
	}
	r := NewRegistryWithOptions(reg, namespace, c.Labels)
	built[key] = r
	return r
}
