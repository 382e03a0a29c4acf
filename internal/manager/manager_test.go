package manager

import (
	"testing"
	"time"
)

func TestCorrelator_RegisterDeliverRoundTrip(t *testing.T) {
	t.Parallel()

	c := newCorrelator(nil)
	waiter := c.Register(1)
	c.Deliver(1, 3, []byte("payload"))

	select {
	case d := <-waiter:
		if d.NodeID != 3 {
			t.Errorf("NodeID = %d, want 3", d.NodeID)
		}
		if string(d.Payload) != "payload" {
			t.Errorf("Payload = %q, want %q", d.Payload, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("Deliver() never reached the registered waiter")
	}
}

func TestCorrelator_DeliverWithoutWaiterIsNoop(t *testing.T) {
	t.Parallel()

	c := newCorrelator(nil)
	c.Deliver(99, 0, []byte("x")) // must not panic, no registered waiter
}

func TestCorrelator_RegisterOnCollisionKeepsLatestWaiterLive(t *testing.T) {
	t.Parallel()

	c := newCorrelator(nil)
	stale := c.Register(1) // e.g. a caller bug reusing an id already in flight
	fresh := c.Register(1) // must not panic or deadlock on the collision

	c.Deliver(1, 7, []byte("payload"))

	select {
	case d := <-fresh:
		if d.NodeID != 7 {
			t.Errorf("NodeID = %d, want 7", d.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("Deliver() never reached the latest registered waiter")
	}

	select {
	case d, ok := <-stale:
		t.Fatalf("delivery reached the orphaned stale waiter: ok=%v d=%+v", ok, d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCorrelator_UnregisterDropsWaiter(t *testing.T) {
	t.Parallel()

	c := newCorrelator(nil)
	waiter := c.Register(1)
	c.Unregister(1)
	c.Deliver(1, 0, []byte("late"))

	select {
	case d := <-waiter:
		t.Fatalf("Deliver() reached an unregistered waiter: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCorrelator_DeliverDoesNotBlockOnFullBuffer(t *testing.T) {
	t.Parallel()

	c := newCorrelator(nil)
	c.Register(1)
	// Buffer is size 1; a second Deliver before the first is drained must
	// not block the caller (spec §5 Cancellation: the worker's read loop
	// can never stall on a slow/absent Executor).
	done := make(chan struct{})
	go func() {
		c.Deliver(1, 0, []byte("first"))
		c.Deliver(1, 0, []byte("second"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver() blocked on a full buffered channel")
	}
}

func TestManager_PushAndRequestReconnectNonBlocking(t *testing.T) {
	t.Parallel()

	m := New(Config{
		ReconnectBackoff: time.Millisecond,
		ReconnectBurst:   1,
	})

	if !m.Push([]byte("call")) {
		t.Fatal("Push() = false on an empty queue, want true")
	}
	if !m.RequestReconnect() {
		t.Fatal("RequestReconnect() = false on an empty queue, want true")
	}
}

func TestManager_PushFailsWhenQueueFull(t *testing.T) {
	t.Parallel()

	m := New(Config{
		ReconnectBackoff: time.Millisecond,
		ReconnectBurst:   1,
	})

	// inboundCh is created with a fixed capacity in New; fill it without
	// a consumer running and confirm Push reports failure instead of
	// blocking the caller.
	for {
		if !m.Push([]byte("x")) {
			break
		}
	}
	if m.Push([]byte("overflow")) {
		t.Fatal("Push() = true on a full queue, want false")
	}
}

func TestManager_RouteToNodeWithNoWorkersFails(t *testing.T) {
	t.Parallel()

	m := New(Config{
		ReconnectBackoff: time.Millisecond,
		ReconnectBurst:   1,
	})

	if m.RouteToNode([]byte("x"), 0) {
		t.Fatal("RouteToNode() = true with no workers registered, want false")
	}
	if m.RouteToNode([]byte("x"), -1) {
		t.Fatal("RouteToNode() = true for a negative node id, want false")
	}
}
