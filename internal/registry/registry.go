// Package registry implements the Node Registry (spec §4.A): an ordered,
// read-mostly vector of upstream node descriptors with mutable latency and
// health state.
package registry

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Node describes one upstream WebSocket RPC endpoint.
type Node struct {
	Index   int
	URL     string
	Latency time.Duration
	Healthy bool
}

// Registry guards a generation of Node descriptors for concurrent reads and
// exclusive writes. A Replace starts a new generation; indices within a
// generation are dense [0, n) and stable for its lifetime (spec §3).
type Registry struct {
	mu         sync.RWMutex
	nodes      []Node
	generation uint64
}

// New builds a Registry from a list of upstream URLs. All nodes start
// healthy with zero latency, which the Selector treats as "unconstrained"
// until the first round trip completes (spec §4.B). Every URL is parsed up
// front and rejected with a typed error rather than panicking later inside
// a worker goroutine — the source this spec was distilled from called
// .unwrap() on the parsed URL (spec §9 "known source defects").
func New(urls []string) (*Registry, error) {
	nodes, err := buildNodes(urls)
	if err != nil {
		return nil, err
	}
	return &Registry{nodes: nodes, generation: 1}, nil
}

func buildNodes(urls []string) ([]Node, error) {
	nodes := make([]Node, len(urls))
	var errs error
	for i, u := range urls {
		if _, err := url.Parse(u); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node %d: invalid url %q: %w", i, u, err))
			continue
		}
		nodes[i] = Node{Index: i, URL: u, Healthy: true}
	}
	if errs != nil {
		return nil, errs
	}
	return nodes, nil
}

// Snapshot returns a copy of the current node vector. Callers must not
// mutate the returned slice's contents; it is safe to read without holding
// any lock after it is returned.
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Len returns the number of nodes in the current generation.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Generation returns the current generation counter. It increments on every
// Replace so a caller can detect that in-flight state was built against a
// now-superseded node set.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// UpdateLatency records a completed round trip for the node at index. A
// stale index (from a prior generation) is silently ignored: the Worker
// reporting it is about to be torn down anyway.
func (r *Registry) UpdateLatency(index int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.nodes) {
		return
	}
	r.nodes[index].Latency = d
	r.nodes[index].Healthy = true
}

// MarkUnhealthy flags a node as unavailable without removing it from the
// index space; the Selector then deprioritises but does not exclude it,
// since "unconstrained" nodes are still selectable per spec §4.B(iii).
func (r *Registry) MarkUnhealthy(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.nodes) {
		return
	}
	r.nodes[index].Healthy = false
}

// Replace swaps in a wholesale new node vector, starting a new generation.
// A bad URL leaves the previous generation untouched rather than installing
// a half-built one.
func (r *Registry) Replace(urls []string) error {
	nodes, err := buildNodes(urls)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nodes
	r.generation++
	return nil
}
