// Package wsworker implements the Per-Connection Worker (spec §4.E): it
// owns one upstream WebSocket connection, serialises writes, and reads
// frames on a separate goroutine so that subscription notifications
// (interleaved with call responses on the same connection) don't have to
// wait for a write to pair against, per the correction to the source's
// design prescribed in spec §9.
package wsworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adred-codev/rpcmux/internal/jsonrpc"
	"github.com/adred-codev/rpcmux/internal/metrics"
	"github.com/adred-codev/rpcmux/internal/registry"
	"github.com/adred-codev/rpcmux/internal/subscription"
)

// State is the Worker's lifecycle per spec §4.E.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

// Correlator delivers a correlated response to the Call Executor awaiting
// it. This is the lock-protected per-call synthetic id -> receiver map
// (keyed by the id the executor minted, not the connection's user_id)
// alternative to a
// broadcast channel that spec §9 explicitly sanctions; it avoids the
// O(responses * concurrent callers) broadcast fan-out while preserving the
// same external contract (the executor's return value is unchanged).
type Correlator interface {
	Deliver(userID uint64, nodeID int, payload []byte)
}

// closeSentinelMethod is the internal-only outbound sentinel from spec §4.E:
// a Message whose method is "close" triggers a graceful close and is never
// sent to the network.
const closeSentinelMethod = "close"

// ClosedEvent reports that the worker at Index has terminated (spec §4.F
// error channel payload).
type ClosedEvent struct {
	Index int
	Err   error
}

// Worker owns one upstream socket.
type Worker struct {
	index      int
	url        string
	dialTimeout time.Duration

	registry   *registry.Registry
	subTable   *subscription.Table
	correlator Correlator
	metrics    *metrics.Registry
	logger     *zap.Logger
	verbose    bool

	inbound chan []byte
	errCh   chan<- ClosedEvent

	state     atomic.Int32
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Config bundles the dependencies a Worker needs.
type Config struct {
	Index       int
	URL         string
	DialTimeout time.Duration
	QueueSize   int // 0 = default bounded buffer of 4096 (spec §5 Backpressure permits bounding)
	Registry    *registry.Registry
	SubTable    *subscription.Table
	Correlator  Correlator
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	Verbose     bool
	ErrCh       chan<- ClosedEvent
}

// New constructs a Worker in the Connecting state. It does not dial until
// Run is called.
func New(cfg Config) *Worker {
	var inbound chan []byte
	if cfg.QueueSize > 0 {
		inbound = make(chan []byte, cfg.QueueSize)
	} else {
		inbound = make(chan []byte, 4096) // generous default, still bounded: an unbounded Go chan doesn't exist
	}

	w := &Worker{
		index:       cfg.Index,
		url:         cfg.URL,
		dialTimeout: cfg.DialTimeout,
		registry:    cfg.Registry,
		subTable:    cfg.SubTable,
		correlator:  cfg.Correlator,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		verbose:     cfg.Verbose,
		inbound:     inbound,
		errCh:       cfg.ErrCh,
	}
	w.state.Store(int32(StateConnecting))
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Send enqueues an outbound JSON-RPC call (or the close sentinel). It
// returns false if the queue is full or the worker has closed, per the
// backpressure policy in spec §5/§4.F (the caller — the Manager — logs and
// drops, the Executor times out).
func (w *Worker) Send(payload []byte) bool {
	if w.State() == StateClosed {
		return false
	}
	select {
	case w.inbound <- payload:
		return true
	default:
		return false
	}
}

// Close requests a graceful shutdown via the internal close sentinel.
func (w *Worker) Close() {
	sentinel, _ := json.Marshal(map[string]string{"method": closeSentinelMethod})
	w.Send(sentinel)
}

// Run dials the upstream node and, on success, runs the write loop on the
// calling goroutine's caller (the Manager spawns Run in its own goroutine)
// until the connection closes or ctx is cancelled. A dial failure reports
// Closed once and returns immediately without blocking the caller.
func (w *Worker) Run(ctx context.Context) {
	dialer := websocket.Dialer{HandshakeTimeout: w.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		w.reportClosed(fmt.Errorf("dial %s: %w", w.url, err))
		return
	}
	w.conn = conn
	w.state.Store(int32(StateReady))
	if w.metrics != nil {
		w.metrics.ConnectionsActive.Inc()
	}
	defer func() {
		if w.metrics != nil {
			w.metrics.ConnectionsActive.Dec()
		}
	}()

	readerDone := make(chan struct{})
	go w.readLoop(readerDone)

	w.writeLoop(ctx)

	_ = conn.Close()
	<-readerDone
}

// writeLoop dequeues outbound messages and writes each as a text frame.
// This is the only goroutine that writes to the socket, matching the
// single-writer discipline of spec §4.E/§5.
func (w *Worker) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.reportClosed(ctx.Err())
			return
		case payload, ok := <-w.inbound:
			if !ok {
				w.reportClosed(nil)
				return
			}

			var probe struct {
				Method string `json:"method"`
			}
			_ = json.Unmarshal(payload, &probe)
			if probe.Method == closeSentinelMethod {
				_ = w.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				w.reportClosed(nil)
				return
			}

			if w.verbose {
				w.logger.Debug("wsworker outbound", zap.Int("node", w.index), zap.ByteString("payload", payload))
			}

			if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				w.reportClosed(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// readLoop runs on its own goroutine, independent of writes, so that
// subscription notifications arriving between calls are never starved
// waiting for the next write to pair against (the fix to the paired
// read/write defect called out in spec §9).
func (w *Worker) readLoop(done chan<- struct{}) {
	defer close(done)

	for {
		start := time.Now()
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			w.reportClosed(fmt.Errorf("read: %w", err))
			return
		}
		w.handleMessage(message, time.Since(start))
	}
}

func (w *Worker) handleMessage(raw []byte, elapsed time.Duration) {
	var probe struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		w.logger.Warn("wsworker: malformed upstream frame", zap.Int("node", w.index), zap.Error(err))
		return
	}

	if probe.Method == "eth_subscription" {
		w.routeNotification(probe.Params)
		return
	}

	// This is a correlated response: update latency and deliver by id.
	if w.registry != nil {
		w.registry.UpdateLatency(w.index, elapsed)
	}
	if w.metrics != nil {
		w.metrics.RouteLatency.WithLabelValues(fmt.Sprint(w.index)).Observe(elapsed.Seconds())
	}

	var id uint64
	if err := json.Unmarshal(probe.ID, &id); err != nil {
		w.logger.Warn("wsworker: response id is not a synthetic uint64", zap.Int("node", w.index))
		return
	}
	if w.correlator != nil {
		w.correlator.Deliver(id, w.index, raw)
	}
}

// routeNotification extracts the upstream subscription id from an
// eth_subscription notification and fans it out via the Subscription Table
// (spec §9).
func (w *Worker) routeNotification(params json.RawMessage) {
	var body struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		w.logger.Warn("wsworker: malformed subscription notification", zap.Int("node", w.index), zap.Error(err))
		return
	}
	payload, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Subscription string          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		} `json:"params"`
	}{
		JSONRPC: jsonrpc.Version,
		Method:  "eth_subscription",
		Params: struct {
			Subscription string          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		}{Subscription: body.Subscription, Result: body.Result},
	})
	if err != nil {
		return
	}
	w.subTable.Dispatch(body.Subscription, payload)
}

func (w *Worker) reportClosed(err error) {
	w.closeOnce.Do(func() {
		w.state.Store(int32(StateClosed))
		if w.registry != nil {
			w.registry.MarkUnhealthy(w.index)
		}
		if w.metrics != nil {
			w.metrics.WorkerClosedTotal.Inc()
		}
		select {
		case w.errCh <- ClosedEvent{Index: w.index, Err: err}:
		default:
		}
	})
}
