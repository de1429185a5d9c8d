package runtime

import (
	"github.com/l0p7/resilcache/internal/confidence"
	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/conflict"
	"github.com/l0p7/resilcache/internal/queue"
	"github.com/l0p7/resilcache/internal/recovery"
	"github.com/l0p7/resilcache/internal/store"
)

// Stats is the node-wide view served on /stats.
type Stats struct {
	Backend   string                                `json:"backend"`
	Store     store.Stats                           `json:"store"`
	Queue     queue.Stats                           `json:"queue"`
	Conflicts conflict.Stats                        `json:"conflicts"`
	Recovery  RecoveryStats                         `json:"recovery"`
	Telemetry map[string]confidence.OriginTelemetry `json:"telemetry"`
	Schemas   SchemaStats                           `json:"schemas"`
	Chaos     ChaosStats                            `json:"chaos"`
}

type RecoveryStats struct {
	State      recovery.State   `json:"state"`
	LastReport *recovery.Report `json:"lastReport,omitempty"`
}

type SchemaStats struct {
	Namespaces []string                `json:"namespaces"`
	Generation uint64                  `json:"generation"`
	Skipped    []config.DefinitionSkip `json:"skipped,omitempty"`
}

type ChaosStats struct {
	Profile  string `json:"profile,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Injected int    `json:"injected"`
}

func (n *Node) Stats() Stats {
	st := Stats{
		Backend:   n.backend,
		Store:     n.Store.Stats(),
		Queue:     n.Queue.Stats(),
		Conflicts: n.Resolver.Stats(),
		Recovery:  RecoveryStats{State: n.Recovery.State()},
		Telemetry: n.Telemetry.Snapshot(),
		Schemas: SchemaStats{
			Namespaces: n.Registry.Namespaces(),
			Generation: n.Registry.Generation(),
			Skipped:    n.Registry.Skipped(),
		},
		Chaos: ChaosStats{Injected: n.Chaos.Injected()},
	}
	if report, ok := n.Recovery.LastReport(); ok {
		st.Recovery.LastReport = &report
	}
	if p, ok := n.Chaos.Active(); ok {
		st.Chaos.Profile = p.Name
		st.Chaos.Kind = string(p.Kind)
	}
	return st
}

// Healthy reports whether the node serves from an intact store: recovery is
// healthy and the backend is reachable.
func (n *Node) Healthy() bool {
	return n.Recovery.State() == recovery.Healthy && !n.Store.Degraded()
}
