// Package metrics exposes the bridge's Prometheus counters: the six values
// Sync Loop and Drift Healer track per cycle, served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every counter the bridge records, grouped under one
// Prometheus registry so the app can expose them as a single /metrics
// endpoint without relying on the global default registry.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	AgentsSeen   prometheus.Counter
	UsersCreated prometheus.Counter
	RoomsCreated prometheus.Counter
	Renames      prometheus.Counter
	DriftFixes   prometheus.Counter
	Errors       *prometheus.CounterVec
}

// New builds a Registry with every counter registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		AgentsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "letta_matrix_bridge",
			Name:      "agents_seen_total",
			Help:      "Number of Letta agents observed, summed over every reconciliation cycle.",
		}),
		UsersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "letta_matrix_bridge",
			Name:      "users_created_total",
			Help:      "Number of Matrix user accounts provisioned for agents.",
		}),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "letta_matrix_bridge",
			Name:      "rooms_created_total",
			Help:      "Number of agent chat rooms created.",
		}),
		Renames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "letta_matrix_bridge",
			Name:      "renames_total",
			Help:      "Number of agent renames detected and propagated to Matrix.",
		}),
		DriftFixes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "letta_matrix_bridge",
			Name:      "drift_fixes_total",
			Help:      "Number of room-identity drift corrections applied.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "letta_matrix_bridge",
			Name:      "errors_total",
			Help:      "Number of errors encountered, labeled by originating component.",
		}, []string{"component"}),
	}

	reg.MustRegister(r.AgentsSeen, r.UsersCreated, r.RoomsCreated, r.Renames, r.DriftFixes, r.Errors)
	return r
}
