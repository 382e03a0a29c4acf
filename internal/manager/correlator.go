package manager

import (
	"sync"

	"go.uber.org/zap"
)

// correlator is the lock-protected call_id -> waiter map alternative to a
// broadcast channel (spec §9). Register must be called before the Manager
// forwards the call (spec §4.G step 6: "subscribe ... before the push, to
// avoid racing the worker's reply"). Callers MUST key it on a per-call
// synthetic id, never on a stable per-connection identity: spec §3 requires
// "at most one outstanding call carries a given synthetic id" at any
// instant, which a shared id across concurrent calls would violate.
type correlator struct {
	mu      sync.Mutex
	waiters map[uint64]chan Delivery
	logger  *zap.Logger
}

// Delivery carries a correlated response along with the index of the node
// that produced it, so the Call Executor can bind a new subscription to the
// node that actually served it (spec §9 fix to the source's undefined
// node_id in register_subscription).
type Delivery struct {
	NodeID  int
	Payload []byte
}

func newCorrelator(logger *zap.Logger) *correlator {
	return &correlator{waiters: make(map[uint64]chan Delivery), logger: logger}
}

// Register creates a buffered receiver for callID. The buffer of 1 means a
// Deliver that arrives after the Executor has stopped waiting (timeout,
// cancellation) never blocks the Worker's read loop.
//
// A pre-existing waiter under the same id is a synthetic-id collision (spec
// §4.G: "collisions across concurrent callers MUST NOT occur") and is a
// caller bug, not something this map can repair: closing or delivering a
// synthetic Delivery to the stale channel would hand the orphaned caller a
// fabricated response. Register instead surfaces the collision loudly and
// lets the stale waiter time out on its own, same as any other undelivered
// call.
func (c *correlator) Register(callID uint64) <-chan Delivery {
	ch := make(chan Delivery, 1)
	c.mu.Lock()
	if _, exists := c.waiters[callID]; exists {
		if c.logger != nil {
			c.logger.Error("correlator: synthetic id collision, orphaning stale waiter", zap.Uint64("id", callID))
		}
	}
	c.waiters[callID] = ch
	c.mu.Unlock()
	return ch
}

// Unregister retires a synthetic id. Safe to call whether or not a
// response ever arrived (spec §3: "after the response is consumed, the id
// MAY be retired"; spec §5 Cancellation: "the synthetic id naturally
// retires").
func (c *correlator) Unregister(callID uint64) {
	c.mu.Lock()
	delete(c.waiters, callID)
	c.mu.Unlock()
}

// Deliver is called by a Worker's read loop with the raw response payload.
// A response for an id with no registered waiter (already timed out,
// cancelled, or delivered) is silently discarded (spec §5 Cancellation).
func (c *correlator) Deliver(callID uint64, nodeID int, payload []byte) {
	c.mu.Lock()
	ch, ok := c.waiters[callID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- Delivery{NodeID: nodeID, Payload: payload}:
	default:
	}
}
