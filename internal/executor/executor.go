// Package executor implements the Call Executor (spec §4.G): the
// per-user-call coroutine that consults the cache, routes the call, awaits
// the correlated response, and fills the cache or the subscription table.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/rpcmux/internal/blocktag"
	"github.com/adred-codev/rpcmux/internal/cache"
	"github.com/adred-codev/rpcmux/internal/jsonrpc"
	"github.com/adred-codev/rpcmux/internal/manager"
	"github.com/adred-codev/rpcmux/internal/metrics"
	"github.com/adred-codev/rpcmux/internal/subscription"
)

// Deps bundles everything one call execution needs (spec §6 "External
// Interfaces — Inbound from HTTP/WS frontend").
type Deps struct {
	Manager            *manager.Manager
	SubTable           *subscription.Table
	Cache              cache.Store
	Hasher             cache.Hasher
	Substituter        blocktag.Substituter
	NamedNumbers       blocktag.NamedNumbers
	Metrics            *metrics.Registry
	Logger             *zap.Logger
	CorrelationTimeout time.Duration

	// NextCallID mints a fresh synthetic id for each outbound upstream call,
	// distinct from userID (the connection's stable identity, used only for
	// subscription membership and dispatch). Spec §3 requires that "at most
	// one outstanding call carries a given synthetic id" at any instant, and
	// §4.G requires collisions across concurrent callers never occur; a
	// connection with more than one call in flight would violate both if
	// its calls shared userID for correlation.
	NextCallID func() uint64
}

// Execute runs one call to completion for a single user and returns the raw
// JSON-RPC response to send back. userID identifies the connection this
// call arrived on (spec §4.G: "Synthetic id assignment is the caller's
// responsibility" — the frontend assigns userID once per connection); it is
// used for subscription membership and dispatch, never for correlation.
// Each upstream round trip mints its own correlation id via d.NextCallID so
// that multiple calls in flight on the same connection never collide.
func Execute(ctx context.Context, d Deps, raw []byte, userID uint64) []byte {
	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(jsonrpc.ErrorResponse(nil, jsonrpc.CodeInvalidRequest, "malformed json-rpc request"))
	}
	originalID := req.ID

	switch req.Method {
	case "eth_unsubscribe":
		return executeUnsubscribe(d, req, originalID, userID)
	case "eth_subscribe":
		return executeSubscribe(ctx, d, req, raw, originalID, userID)
	default:
		return executeCall(ctx, d, req, raw, originalID)
	}
}

func executeUnsubscribe(d Deps, req jsonrpc.Request, originalID json.RawMessage, userID uint64) []byte {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInvalidParams, "bad subscription id"))
	}
	var subID string
	if err := json.Unmarshal(params[0], &subID); err != nil {
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInvalidParams, "bad subscription id"))
	}

	result := d.SubTable.UnsubscribeUser(userID, subID)
	if result.ShouldUnsubscribeUpstream {
		if d.Metrics != nil {
			d.Metrics.SubscriptionsActive.Dec()
		}
		unsub, _ := json.Marshal(jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			Method:  "eth_unsubscribe",
			Params:  mustMarshal([]string{subID}),
		})
		if !routeFireAndForget(d, unsub, result.NodeID) {
			d.Logger.Warn("executor: failed to route upstream eth_unsubscribe", zap.String("subscription", subID))
		}
	}

	resultJSON, _ := json.Marshal(true)
	return marshalResponse(jsonrpc.ResultResponse(originalID, resultJSON))
}

func executeSubscribe(ctx context.Context, d Deps, req jsonrpc.Request, raw []byte, originalID json.RawMessage, userID uint64) []byte {
	// request_fingerprint is the canonical form of the subscribe params
	// (spec §3), not the raw bytes: two subscribes differing only in
	// whitespace or key order must still dedup to the same upstream call.
	canon, err := jsonrpc.Canonicalize(req)
	if err != nil {
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInvalidParams, "malformed subscribe params"))
	}
	fingerprint := string(canon)

	upstreamID, err := d.SubTable.TryJoin(userID, fingerprint)
	if err == nil {
		resultJSON, _ := json.Marshal(upstreamID)
		return marshalResponse(jsonrpc.ResultResponse(originalID, resultJSON))
	}
	if err != subscription.ErrMustSubscribe {
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInternalError, err.Error()))
	}

	callID := d.NextCallID()
	stamped, err := jsonrpc.WithID(raw, idJSON(callID))
	if err != nil {
		d.SubTable.FailSubscription(fingerprint, err)
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInternalError, "failed to stamp call"))
	}

	waiter := d.Manager.Correlator().Register(callID)
	defer d.Manager.Correlator().Unregister(callID)

	if !d.Manager.Push(stamped) {
		d.SubTable.FailSubscription(fingerprint, fmt.Errorf("routing unavailable"))
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInternalError, "routing unavailable"))
	}

	response, nodeID, err := awaitResponse(ctx, waiter, d.CorrelationTimeout)
	if err != nil {
		d.SubTable.FailSubscription(fingerprint, err)
		if d.Metrics != nil {
			d.Metrics.CorrelationTimeouts.Inc()
		}
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeTimeout, err.Error()))
	}

	var body struct {
		Result json.RawMessage `json:"result"`
		Error  *jsonrpc.Error  `json:"error"`
	}
	if err := json.Unmarshal(response, &body); err != nil || body.Error != nil {
		d.SubTable.FailSubscription(fingerprint, fmt.Errorf("upstream subscribe failed"))
		if body.Error != nil {
			return marshalResponse(jsonrpc.ErrorResponse(originalID, body.Error.Code, body.Error.Message))
		}
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInternalError, "malformed upstream response"))
	}

	var upstreamSubID string
	if err := json.Unmarshal(body.Result, &upstreamSubID); err != nil {
		d.SubTable.FailSubscription(fingerprint, err)
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInternalError, "upstream did not return a subscription id"))
	}

	d.SubTable.RegisterSubscription(userID, fingerprint, upstreamSubID, nodeID)
	if d.Metrics != nil {
		d.Metrics.SubscriptionsActive.Inc()
	}

	resultJSON, _ := json.Marshal(upstreamSubID)
	return marshalResponse(jsonrpc.ResultResponse(originalID, resultJSON))
}

func executeCall(ctx context.Context, d Deps, req jsonrpc.Request, raw []byte, originalID json.RawMessage) []byte {
	key, err := cache.KeyFor(d.Hasher, req)
	if err != nil {
		d.Logger.Warn("executor: cache key computation failed", zap.Error(err))
	} else if cached, ok := d.Cache.Get(key); ok {
		if d.Metrics != nil {
			d.Metrics.CacheHits.Inc()
		}
		stamped, err := jsonrpc.WithID(cached, originalID)
		if err == nil {
			return stamped
		}
	}
	if d.Metrics != nil && err == nil {
		d.Metrics.CacheMisses.Inc()
	}

	substituted := req.Params
	if d.Substituter != nil {
		substituted = d.Substituter.Substitute(req.Method, req.Params, d.NamedNumbers)
	}
	call := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: req.Method, Params: substituted}
	callRaw, err := json.Marshal(call)
	if err != nil {
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInternalError, "failed to build upstream call"))
	}
	callID := d.NextCallID()
	stamped, err := jsonrpc.WithID(callRaw, idJSON(callID))
	if err != nil {
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInternalError, "failed to stamp call"))
	}

	waiter := d.Manager.Correlator().Register(callID)
	defer d.Manager.Correlator().Unregister(callID)

	if !d.Manager.Push(stamped) {
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeInternalError, "routing unavailable"))
	}

	response, _, err := awaitResponse(ctx, waiter, d.CorrelationTimeout)
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.CorrelationTimeouts.Inc()
		}
		return marshalResponse(jsonrpc.ErrorResponse(originalID, jsonrpc.CodeTimeout, err.Error()))
	}

	if key != "" && cache.Cacheable(req.Method, response) {
		normalised, err := jsonrpc.WithID(response, nil)
		if err == nil {
			d.Cache.Put(key, normalised)
		}
	}

	stampedResponse, err := jsonrpc.WithID(response, originalID)
	if err != nil {
		return response
	}
	return stampedResponse
}

// awaitResponse blocks until a correlated response arrives, ctx is
// cancelled, or timeout elapses (spec §4.G step 6, §7 CorrelationTimeout).
func awaitResponse(ctx context.Context, waiter <-chan manager.Delivery, timeout time.Duration) ([]byte, int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-waiter:
		return d.Payload, d.NodeID, nil
	case <-timer.C:
		return nil, 0, fmt.Errorf("correlation timeout after %s", timeout)
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func marshalResponse(resp jsonrpc.Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return b
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func idJSON(id uint64) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}

func routeFireAndForget(d Deps, raw []byte, nodeID int) bool {
	return d.Manager.RouteToNode(raw, nodeID)
}
