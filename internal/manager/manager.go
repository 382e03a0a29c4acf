// Package manager implements the Connection Manager (spec §4.F): it
// supervises one Worker per registered node, routes calls dequeued from a
// single inbound queue to the Worker the Selector picks, and rebuilds the
// worker set on Reconnect.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adred-codev/rpcmux/internal/metrics"
	"github.com/adred-codev/rpcmux/internal/registry"
	"github.com/adred-codev/rpcmux/internal/selector"
	"github.com/adred-codev/rpcmux/internal/subscription"
	"github.com/adred-codev/rpcmux/internal/wsworker"
)

// Message is the tagged variant the Manager's inbound queue accepts
// (spec §3 Outbound message / §6 Manager inbound channel).
type Message struct {
	Call      []byte // non-nil for Call(Value)
	Reconnect bool   // true for Reconnect()
}

// Config bundles the Manager's dependencies.
type Config struct {
	Registry         *registry.Registry
	SubTable         *subscription.Table
	Metrics          *metrics.Registry
	Logger           *zap.Logger
	DialTimeout      time.Duration
	QueueSize        int
	Verbose          bool
	ReconnectBackoff time.Duration
	ReconnectBurst   int
}

// Manager owns the worker vector and the single inbound queue.
type Manager struct {
	cfg        Config
	registry   *registry.Registry
	subTable   *subscription.Table
	metrics    *metrics.Registry
	logger     *zap.Logger
	correlator *correlator

	inboundCh chan Message
	errCh     chan wsworker.ClosedEvent

	mu      sync.RWMutex
	workers []*wsworker.Worker
	cancels []context.CancelFunc

	reconnectLimiter *rate.Limiter

	wg sync.WaitGroup
}

// New constructs a Manager. Call Start to dial the initial worker set and
// begin processing the inbound queue.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:              cfg,
		registry:         cfg.Registry,
		subTable:         cfg.SubTable,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		correlator:       newCorrelator(cfg.Logger),
		inboundCh:        make(chan Message, 1024),
		errCh:            make(chan wsworker.ClosedEvent, 64),
		reconnectLimiter: rate.NewLimiter(rate.Every(cfg.ReconnectBackoff), cfg.ReconnectBurst),
	}
}

// Inbound returns the channel callers push Message onto (spec §6).
func (m *Manager) Inbound() chan<- Message {
	return m.inboundCh
}

// Push enqueues a call onto the inbound queue without blocking. It reports
// RoutingUnavailable (false) if the queue is full or the Manager has
// stopped, letting the Call Executor surface a timeout rather than stall
// forever (spec §7 RoutingUnavailable).
func (m *Manager) Push(call []byte) bool {
	select {
	case m.inboundCh <- Message{Call: call}:
		return true
	default:
		return false
	}
}

// RequestReconnect enqueues a Reconnect() message (spec §3/§6).
func (m *Manager) RequestReconnect() bool {
	select {
	case m.inboundCh <- Message{Reconnect: true}:
		return true
	default:
		return false
	}
}

// RouteToNode sends raw directly to the worker owning nodeID, bypassing the
// Selector. Used for eth_unsubscribe, which must land on the node that owns
// the upstream subscription (spec §4.D unsubscribe_user), not wherever the
// Selector would otherwise route a fresh call.
func (m *Manager) RouteToNode(raw []byte, nodeID int) bool {
	m.mu.RLock()
	var w *wsworker.Worker
	if nodeID >= 0 && nodeID < len(m.workers) {
		w = m.workers[nodeID]
	}
	m.mu.RUnlock()
	if w == nil {
		return false
	}
	return w.Send(raw)
}

// Correlator exposes the response correlator for the Call Executor to
// register/unregister waiters on (spec §9 alternative design).
func (m *Manager) Correlator() *correlator {
	return m.correlator
}

// Errors exposes the WorkerClosed event stream for an external supervisor
// to consume (spec §4.F: "error reporting feeds a separate supervisor").
func (m *Manager) Errors() <-chan wsworker.ClosedEvent {
	return m.errCh
}

// Start dials the initial worker set and begins the inbound processing
// loop. It returns once the first generation of workers has been spawned;
// dialing happens concurrently and failures surface on Errors().
func (m *Manager) Start(ctx context.Context) {
	m.rebuild(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop cancels all workers and waits for the inbound loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()
	close(m.inboundCh)
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.inboundCh:
			if !ok {
				return
			}
			if msg.Reconnect {
				if m.reconnectLimiter.Allow() {
					m.rebuild(ctx)
				} else {
					m.logger.Warn("manager: reconnect rate-limited, dropping request")
				}
				continue
			}
			m.routeCall(msg.Call)
		}
	}
}

// routeCall implements spec §4.F step 1: pick a node, forward to its
// worker, log-and-drop on any failure to route (the Executor will time out).
func (m *Manager) routeCall(call []byte) {
	nodes := m.registry.Snapshot()
	idx, ok := selector.Pick(nodes)
	if !ok {
		m.logger.Warn("manager: no node available, dropping call")
		if m.metrics != nil {
			m.metrics.SelectorDropsTotal.Inc()
		}
		return
	}

	m.mu.RLock()
	var w *wsworker.Worker
	if idx >= 0 && idx < len(m.workers) {
		w = m.workers[idx]
	}
	m.mu.RUnlock()

	if w == nil {
		m.logger.Warn("manager: no worker at selected index, dropping call", zap.Int("index", idx))
		if m.metrics != nil {
			m.metrics.SelectorDropsTotal.Inc()
		}
		return
	}

	if !w.Send(call) {
		m.logger.Warn("manager: worker queue closed or full, dropping call", zap.Int("index", idx))
		if m.metrics != nil {
			m.metrics.SelectorDropsTotal.Inc()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.CallsRouted.WithLabelValues(fmt.Sprint(idx)).Inc()
	}
}

// rebuild tears down the current worker set (if any) and dials a fresh one
// against the registry's current node list, starting a new generation
// (spec §4.F Reconnect). In-flight calls awaiting responses from the old
// generation are not replayed; their Executors will surface
// CorrelationTimeout, per spec §5 Cancellation / §8 S5.
func (m *Manager) rebuild(ctx context.Context) {
	m.mu.Lock()
	oldCancels := m.cancels
	m.mu.Unlock()

	for _, cancel := range oldCancels {
		cancel()
	}

	nodes := m.registry.Snapshot()
	workers := make([]*wsworker.Worker, len(nodes))
	cancels := make([]context.CancelFunc, len(nodes))

	for _, n := range nodes {
		wctx, cancel := context.WithCancel(ctx)
		w := wsworker.New(wsworker.Config{
			Index:       n.Index,
			URL:         n.URL,
			DialTimeout: m.cfg.DialTimeout,
			QueueSize:   m.cfg.QueueSize,
			Registry:    m.registry,
			SubTable:    m.subTable,
			Correlator:  m.correlator,
			Metrics:     m.metrics,
			Logger:      m.logger,
			Verbose:     m.cfg.Verbose,
			ErrCh:       m.errCh,
		})
		workers[n.Index] = w
		cancels[n.Index] = cancel

		m.wg.Add(1)
		go func(w *wsworker.Worker, ctx context.Context) {
			defer m.wg.Done()
			w.Run(ctx)
		}(w, wctx)
	}

	m.mu.Lock()
	m.workers = workers
	m.cancels = cancels
	m.mu.Unlock()
}

