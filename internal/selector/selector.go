// Package selector implements the latency-aware node picker described in
// spec §4.B. It is a pure function over a Registry snapshot: total when the
// registry is non-empty, deterministic given identical state, and tolerant
// of nodes with no latency sample yet.
package selector

import (
	"github.com/adred-codev/rpcmux/internal/registry"
)

// Pick returns the index of the node to route the next outbound call to,
// or ok=false if the registry is empty. Ties (equal latency, including the
// all-zero case before any round trip has completed) are broken by lowest
// index, matching spec §4.B(iv).
//
// Unhealthy nodes are only excluded when a healthy alternative exists;
// an all-unhealthy registry still yields a choice rather than dropping
// every call, since health here is advisory latency-feedback state, not a
// hard circuit breaker (that judgment is left to the external supervisor).
func Pick(nodes []registry.Node) (index int, ok bool) {
	if len(nodes) == 0 {
		return 0, false
	}

	best := -1
	bestHealthy := -1

	for _, n := range nodes {
		if best == -1 || n.Latency < nodes[best].Latency {
			best = n.Index
		}
		if n.Healthy && (bestHealthy == -1 || n.Latency < nodes[bestHealthy].Latency) {
			bestHealthy = n.Index
		}
	}

	if bestHealthy != -1 {
		return bestHealthy, true
	}
	return best, true
}
