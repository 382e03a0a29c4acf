package executor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/rpcmux/internal/cache"
	"github.com/adred-codev/rpcmux/internal/jsonrpc"
	"github.com/adred-codev/rpcmux/internal/manager"
	"github.com/adred-codev/rpcmux/internal/subscription"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(uint64, []byte) {}

func newTestDeps(timeout time.Duration) Deps {
	subTable := subscription.New(noopDispatcher{})
	mgr := manager.New(manager.Config{
		SubTable:         subTable,
		ReconnectBackoff: time.Millisecond,
		ReconnectBurst:   1,
	})
	var callIDSeq uint64
	return Deps{
		Manager:            mgr,
		SubTable:           subTable,
		Cache:              cache.NewMemory(),
		Hasher:             cache.Blake2bHasher{},
		Logger:             zap.NewNop(),
		CorrelationTimeout: timeout,
		NextCallID:         func() uint64 { return atomic.AddUint64(&callIDSeq, 1) },
	}
}

func TestExecute_MalformedRequestReturnsInvalidRequest(t *testing.T) {
	t.Parallel()

	d := newTestDeps(50 * time.Millisecond)
	resp := Execute(context.Background(), d, []byte(`not json`), 1)

	var probe jsonrpc.Response
	if err := json.Unmarshal(resp, &probe); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if probe.Error == nil || probe.Error.Code != jsonrpc.CodeInvalidRequest {
		t.Fatalf("error = %+v, want code %d", probe.Error, jsonrpc.CodeInvalidRequest)
	}
}

func TestExecute_CallCacheHitSkipsRouting(t *testing.T) {
	t.Parallel()

	d := newTestDeps(50 * time.Millisecond)
	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "eth_call", Params: json.RawMessage(`{"to":"0x1"}`)}

	key, err := cache.KeyFor(d.Hasher, req)
	if err != nil {
		t.Fatalf("KeyFor() error = %v", err)
	}
	cachedBody, _ := jsonrpc.WithID([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xcached"}`), nil)
	d.Cache.Put(key, cachedBody)

	raw, _ := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`99`), Method: "eth_call", Params: req.Params})
	resp := Execute(context.Background(), d, raw, 5)

	var probe jsonrpc.Response
	if err := json.Unmarshal(resp, &probe); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if probe.Error != nil {
		t.Fatalf("unexpected error in cached response: %+v", probe.Error)
	}
	if string(probe.Result) != `"0xcached"` {
		t.Errorf("Result = %s, want %q", probe.Result, `"0xcached"`)
	}
	if string(probe.ID) != "99" {
		t.Errorf("ID = %s, want original id 99 restored", probe.ID)
	}
}

func TestExecute_CallTimesOutWhenNoResponseArrives(t *testing.T) {
	t.Parallel()

	d := newTestDeps(20 * time.Millisecond)
	raw, _ := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: "eth_blockNumber"})

	resp := Execute(context.Background(), d, raw, 7)

	var probe jsonrpc.Response
	if err := json.Unmarshal(resp, &probe); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if probe.Error == nil || probe.Error.Code != jsonrpc.CodeTimeout {
		t.Fatalf("error = %+v, want code %d", probe.Error, jsonrpc.CodeTimeout)
	}
}

func TestExecute_CallSucceedsAndPopulatesCache(t *testing.T) {
	t.Parallel()

	d := newTestDeps(time.Second)
	const userID = uint64(42) // connection identity; unrelated to correlation
	const firstMintedCallID = uint64(1)

	go func() {
		// Simulate the worker delivering a correlated upstream response,
		// keyed on the synthetic call id the executor itself mints (the
		// first NextCallID call on a fresh Deps), not on userID.
		for i := 0; i < 100; i++ {
			time.Sleep(5 * time.Millisecond)
			resp := []byte(`{"jsonrpc":"2.0","id":1,"result":"0xfeed"}`)
			d.Manager.Correlator().Deliver(firstMintedCallID, 0, resp)
		}
	}()

	raw, _ := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`5`), Method: "eth_call", Params: json.RawMessage(`{"to":"0x1"}`)})
	resp := Execute(context.Background(), d, raw, userID)

	var probe jsonrpc.Response
	if err := json.Unmarshal(resp, &probe); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if probe.Error != nil {
		t.Fatalf("unexpected error: %+v", probe.Error)
	}
	if string(probe.Result) != `"0xfeed"` {
		t.Errorf("Result = %s, want %q", probe.Result, `"0xfeed"`)
	}
	if string(probe.ID) != "5" {
		t.Errorf("ID = %s, want original id 5 restored", probe.ID)
	}

	req := jsonrpc.Request{Method: "eth_call", Params: json.RawMessage(`{"to":"0x1"}`)}
	key, _ := cache.KeyFor(d.Hasher, req)
	if _, ok := d.Cache.Get(key); !ok {
		t.Error("successful call result was not cached")
	}
}

func TestExecute_ConcurrentCallsOnOneConnectionDoNotCollide(t *testing.T) {
	t.Parallel()

	d := newTestDeps(time.Second)
	const connUserID = uint64(1) // one frontend connection, two calls in flight

	// Mimic the worker: echo whatever each correlation id carries under a
	// distinct payload. If the executor shared one correlation id across
	// concurrent calls on the same connection, one of these two would get
	// the other's payload back instead of its own.
	go func() {
		for i := 0; i < 200; i++ {
			time.Sleep(2 * time.Millisecond)
			d.Manager.Correlator().Deliver(1, 0, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xfirst"}`))
			d.Manager.Correlator().Deliver(2, 0, []byte(`{"jsonrpc":"2.0","id":2,"result":"0xsecond"}`))
		}
	}()

	rawA, _ := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`"a"`), Method: "eth_call", Params: json.RawMessage(`{"to":"0xA"}`)})
	rawB, _ := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`"b"`), Method: "eth_call", Params: json.RawMessage(`{"to":"0xB"}`)})

	type result struct {
		label string
		resp  []byte
	}
	results := make(chan result, 2)
	go func() {
		results <- result{"a", Execute(context.Background(), d, rawA, connUserID)}
	}()
	go func() {
		results <- result{"b", Execute(context.Background(), d, rawB, connUserID)}
	}()

	got := map[string][]byte{}
	for i := 0; i < 2; i++ {
		r := <-results
		got[r.label] = r.resp
	}

	var probeA, probeB jsonrpc.Response
	if err := json.Unmarshal(got["a"], &probeA); err != nil {
		t.Fatalf("unmarshal a: %v", err)
	}
	if err := json.Unmarshal(got["b"], &probeB); err != nil {
		t.Fatalf("unmarshal b: %v", err)
	}
	if probeA.Error != nil {
		t.Fatalf("call a error: %+v", probeA.Error)
	}
	if probeB.Error != nil {
		t.Fatalf("call b error: %+v", probeB.Error)
	}
	// Either upstream call could have minted correlation id 1 or 2 first;
	// what matters is that each caller gets a distinct, self-consistent
	// payload rather than both converging on the same one.
	if string(probeA.Result) == string(probeB.Result) {
		t.Fatalf("both concurrent calls on one connection got the same result %s, want distinct payloads", probeA.Result)
	}
}

func TestExecute_SubscribeDedupSecondCallerJoinsFirst(t *testing.T) {
	t.Parallel()

	d := newTestDeps(time.Second)
	params := json.RawMessage(`["newHeads"]`)

	go func() {
		// The first subscriber is the only caller that reaches the network
		// (the second joins via dedup without ever minting a call id), so
		// it gets the first id off this Deps' NextCallID sequence: 1.
		for i := 0; i < 100; i++ {
			time.Sleep(5 * time.Millisecond)
			resp := []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub123"}`)
			d.Manager.Correlator().Deliver(1, 0, resp)
		}
	}()

	raw1, _ := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: "eth_subscribe", Params: params})
	resp1 := Execute(context.Background(), d, raw1, 1)

	var probe1 jsonrpc.Response
	if err := json.Unmarshal(resp1, &probe1); err != nil {
		t.Fatalf("unmarshal resp1: %v", err)
	}
	if probe1.Error != nil {
		t.Fatalf("first subscribe error: %+v", probe1.Error)
	}
	if string(probe1.Result) != `"0xsub123"` {
		t.Fatalf("first subscribe result = %s, want 0xsub123", probe1.Result)
	}

	raw2, _ := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`2`), Method: "eth_subscribe", Params: params})
	resp2 := Execute(context.Background(), d, raw2, 2)

	var probe2 jsonrpc.Response
	if err := json.Unmarshal(resp2, &probe2); err != nil {
		t.Fatalf("unmarshal resp2: %v", err)
	}
	if probe2.Error != nil {
		t.Fatalf("second subscribe error: %+v", probe2.Error)
	}
	if string(probe2.Result) != `"0xsub123"` {
		t.Errorf("second subscribe result = %s, want the same upstream id 0xsub123", probe2.Result)
	}

	rec, ok := d.SubTable.Lookup("0xsub123")
	if !ok {
		t.Fatal("subscription record not found after dedup")
	}
	if len(rec.Users) != 2 {
		t.Errorf("len(Users) = %d, want 2", len(rec.Users))
	}
}

func TestExecute_SubscribeDedupIgnoresParamFieldOrder(t *testing.T) {
	t.Parallel()

	d := newTestDeps(time.Second)

	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(5 * time.Millisecond)
			resp := []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub-logs"}`)
			d.Manager.Correlator().Deliver(1, 0, resp)
		}
	}()

	raw1, _ := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: "eth_subscribe",
		Params: json.RawMessage(`["logs",{"address":"0x1","topics":["0xa"]}]`),
	})
	resp1 := Execute(context.Background(), d, raw1, 1)

	var probe1 jsonrpc.Response
	if err := json.Unmarshal(resp1, &probe1); err != nil {
		t.Fatalf("unmarshal resp1: %v", err)
	}
	if probe1.Error != nil {
		t.Fatalf("first subscribe error: %+v", probe1.Error)
	}

	// Same subscription, but the filter object's keys are reordered: the
	// fingerprint must still match the first request (spec §3's
	// request_fingerprint is the canonical form of the params, not the raw
	// bytes), so this joins the same upstream subscription without ever
	// reaching the network.
	raw2, _ := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: json.RawMessage(`2`), Method: "eth_subscribe",
		Params: json.RawMessage(`["logs",{"topics":["0xa"],"address":"0x1"}]`),
	})
	resp2 := Execute(context.Background(), d, raw2, 2)

	var probe2 jsonrpc.Response
	if err := json.Unmarshal(resp2, &probe2); err != nil {
		t.Fatalf("unmarshal resp2: %v", err)
	}
	if probe2.Error != nil {
		t.Fatalf("second subscribe error: %+v", probe2.Error)
	}
	if string(probe2.Result) != `"0xsub-logs"` {
		t.Errorf("second subscribe result = %s, want dedup onto 0xsub-logs", probe2.Result)
	}

	rec, ok := d.SubTable.Lookup("0xsub-logs")
	if !ok {
		t.Fatal("subscription record not found after dedup")
	}
	if len(rec.Users) != 2 {
		t.Errorf("len(Users) = %d, want 2 (both users deduped onto one fingerprint)", len(rec.Users))
	}
}

func TestExecute_UnsubscribeLastUserReturnsSuccess(t *testing.T) {
	t.Parallel()

	d := newTestDeps(50 * time.Millisecond)
	d.SubTable.RegisterSubscription(9, `["newHeads"]`, "0xsub-last", 0)

	raw, _ := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: "eth_unsubscribe", Params: mustMarshal([]string{"0xsub-last"})})
	resp := Execute(context.Background(), d, raw, 9)

	var probe jsonrpc.Response
	if err := json.Unmarshal(resp, &probe); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if probe.Error != nil {
		t.Fatalf("unexpected error: %+v", probe.Error)
	}
	if string(probe.Result) != "true" {
		t.Errorf("Result = %s, want true", probe.Result)
	}

	if _, ok := d.SubTable.Lookup("0xsub-last"); ok {
		t.Error("subscription record still present after last user unsubscribed")
	}
}
