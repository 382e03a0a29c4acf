// Package subscription implements the Subscription Table (spec §4.D):
// deduplication of eth_subscribe across users and fan-out of upstream
// notifications back to every subscribed user.
package subscription

import (
	"sync"
)

// Record is one deduplicated upstream subscription.
type Record struct {
	Fingerprint string
	UpstreamID  string
	NodeID      int
	Users       map[uint64]struct{}
}

// Pending tracks a fingerprint whose first subscriber has claimed the right
// to perform the upstream eth_subscribe call; concurrent second+ callers
// attach to it instead of racing the network (spec §4.D "tie-break on
// concurrent first-subscribers").
type Pending struct {
	done chan struct{}
	rec  *Record
	err  error
}

// Dispatcher delivers a subscription notification payload to one user's
// outbound channel. A closed or absent user channel is a silent no-op
// (spec §4.D invariant).
type Dispatcher interface {
	Dispatch(userID uint64, payload []byte)
}

// Table is the concurrency-safe Subscription Table.
type Table struct {
	mu         sync.Mutex
	byFP       map[string]*Record   // fingerprint -> record
	byUpstream map[string]*Record   // upstream subscription id -> record
	pending    map[string]*Pending  // fingerprint -> in-flight first-subscribe
	dispatcher Dispatcher
}

// New builds an empty Table. dispatcher delivers notifications to users;
// it is typically the frontend's per-user outbound channel registry.
func New(dispatcher Dispatcher) *Table {
	return &Table{
		byFP:       make(map[string]*Record),
		byUpstream: make(map[string]*Record),
		pending:    make(map[string]*Pending),
		dispatcher: dispatcher,
	}
}

// ErrMustSubscribe is returned by TryJoin when no record exists yet for the
// fingerprint and the caller must perform the upstream eth_subscribe
// itself, then call RegisterSubscription.
var ErrMustSubscribe = errMustSubscribe{}

type errMustSubscribe struct{}

func (errMustSubscribe) Error() string { return "no existing subscription: caller must subscribe upstream" }

// TryJoin attempts to join an existing subscription for fingerprint. On a
// hit it adds userID to the record and returns the upstream id immediately,
// with no network I/O (spec §4.D subscribe_user hit path). On a miss, if no
// other goroutine is already subscribing for this fingerprint, the caller
// becomes the "first subscriber" and must call RegisterSubscription once
// its upstream call returns; TryJoin returns ErrMustSubscribe in that case.
// If another goroutine is already subscribing, TryJoin blocks until that
// goroutine calls RegisterSubscription or FailSubscription. After a
// RegisterSubscription it retries and attaches to the new record —
// converging in O(1) retries per spec §7 SubscriptionDedupLoss; after a
// FailSubscription it returns the cause passed to FailSubscription.
func (t *Table) TryJoin(userID uint64, fingerprint string) (upstreamID string, err error) {
	for {
		t.mu.Lock()
		if rec, ok := t.byFP[fingerprint]; ok {
			rec.Users[userID] = struct{}{}
			id := rec.UpstreamID
			t.mu.Unlock()
			return id, nil
		}

		if p, ok := t.pending[fingerprint]; ok {
			t.mu.Unlock()
			<-p.done
			if p.err != nil {
				return "", p.err
			}
			continue
		}

		t.pending[fingerprint] = &Pending{done: make(chan struct{})}
		t.mu.Unlock()
		return "", ErrMustSubscribe
	}
}

// RegisterSubscription creates the record after a successful upstream
// subscribe, adds userID, and releases anyone waiting in TryJoin on the
// same fingerprint (spec §4.D register_subscription).
func (t *Table) RegisterSubscription(userID uint64, fingerprint, upstreamID string, nodeID int) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := &Record{
		Fingerprint: fingerprint,
		UpstreamID:  upstreamID,
		NodeID:      nodeID,
		Users:       map[uint64]struct{}{userID: {}},
	}
	t.byFP[fingerprint] = rec
	t.byUpstream[upstreamID] = rec

	if p, ok := t.pending[fingerprint]; ok {
		p.rec = rec
		close(p.done)
		delete(t.pending, fingerprint)
	}
	return rec
}

// FailSubscription releases waiters on a fingerprint whose first-subscribe
// attempt failed: each blocked TryJoin returns cause instead of blocking
// forever. The fingerprint is no longer pending, so a later TryJoin becomes
// the new first subscriber.
func (t *Table) FailSubscription(fingerprint string, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[fingerprint]; ok {
		p.err = cause
		close(p.done)
		delete(t.pending, fingerprint)
	}
}

// UnsubscribeResult tells the caller whether an upstream eth_unsubscribe
// must now be sent, and on which node.
type UnsubscribeResult struct {
	ShouldUnsubscribeUpstream bool
	NodeID                    int
}

// UnsubscribeUser removes userID from the record owning upstreamID. If the
// user set becomes empty the record is deleted and the caller is told to
// issue the upstream eth_unsubscribe (spec §4.D unsubscribe_user).
func (t *Table) UnsubscribeUser(userID uint64, upstreamID string) UnsubscribeResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byUpstream[upstreamID]
	if !ok {
		return UnsubscribeResult{}
	}

	delete(rec.Users, userID)
	if len(rec.Users) > 0 {
		return UnsubscribeResult{}
	}

	delete(t.byFP, rec.Fingerprint)
	delete(t.byUpstream, upstreamID)
	return UnsubscribeResult{ShouldUnsubscribeUpstream: true, NodeID: rec.NodeID}
}

// Dispatch fans out a notification to every user subscribed to upstreamID.
// A record miss (the subscription has already been torn down) is a silent
// no-op per spec §4.D.
func (t *Table) Dispatch(upstreamID string, payload []byte) {
	t.mu.Lock()
	rec, ok := t.byUpstream[upstreamID]
	var users []uint64
	if ok {
		users = make([]uint64, 0, len(rec.Users))
		for u := range rec.Users {
			users = append(users, u)
		}
	}
	t.mu.Unlock()

	if !ok || t.dispatcher == nil {
		return
	}
	for _, u := range users {
		t.dispatcher.Dispatch(u, payload)
	}
}

// Lookup returns the record for an upstream subscription id, for tests and
// diagnostics.
func (t *Table) Lookup(upstreamID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byUpstream[upstreamID]
	if !ok {
		return Record{}, false
	}
	cp := *rec
	cp.Users = make(map[uint64]struct{}, len(rec.Users))
	for u := range rec.Users {
		cp.Users[u] = struct{}{}
	}
	return cp, true
}
