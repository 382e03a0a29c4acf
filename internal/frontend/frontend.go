// Package frontend implements the inbound WebSocket acceptor (spec §6
// External Interfaces — "Inbound from HTTP/WS frontend"): it upgrades
// incoming connections, assigns each one a synthetic user_id, and hands
// every frame to the Call Executor. Grounded on the teacher's
// internal/transport server (separated read/write loops per connection,
// gobwas/ws framing) fused with the HTTP-upgrade entrypoint used by the
// other server variants in the pack.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/adred-codev/rpcmux/internal/auth"
	"github.com/adred-codev/rpcmux/internal/executor"
	"github.com/adred-codev/rpcmux/internal/metrics"
)

// Config bundles the frontend's dependencies and tunables.
type Config struct {
	Host            string
	Port            int
	Path            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendChannelSize int

	AuthRequired bool
	Verifier     *auth.Verifier

	Deps    executor.Deps
	Metrics *metrics.Registry
	Logger  *zap.Logger
}

// Server accepts WebSocket connections and routes each inbound call through
// the Call Executor, one synthetic user_id per connection. It also
// implements subscription.Dispatcher: the Subscription Table calls Dispatch
// to fan an eth_subscription notification out to every user sharing that
// upstream subscription (spec §4.D).
type Server struct {
	cfg      Config
	httpSrv  *http.Server
	nextUser uint64

	connsMu sync.RWMutex
	conns   map[uint64]chan<- []byte
}

// New constructs a Server. It does not listen until Start is called.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, conns: make(map[uint64]chan<- []byte)}
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, s.handleUpgrade)
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
	return s
}

// SetDeps wires the Call Executor dependencies in after construction. This
// exists to break the construction cycle between the frontend (which the
// Subscription Table needs as its Dispatcher) and the Subscription Table
// (which the executor Deps need) — call it once, before Start.
func (s *Server) SetDeps(d executor.Deps) {
	s.cfg.Deps = d
}

// Start begins listening in the background. Errors from Serve after Stop
// has been called are expected and swallowed (http.ErrServerClosed).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("frontend: listen: %w", err)
	}
	s.cfg.Logger.Info("frontend listening", zap.String("addr", s.httpSrv.Addr))
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error("frontend: serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthRequired {
		token, err := auth.ExtractToken(r)
		if err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		if _, err := s.cfg.Verifier.Verify(token); err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.cfg.Logger.Debug("frontend: upgrade failed", zap.Error(err))
		return
	}

	userID := atomic.AddUint64(&s.nextUser, 1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectionsActive.Inc()
	}
	go s.serveConn(conn, userID)
}

func (s *Server) serveConn(conn net.Conn, userID uint64) {
	defer conn.Close()
	defer func() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConnectionsActive.Dec()
		}
	}()

	sendSize := s.cfg.SendChannelSize
	if sendSize <= 0 {
		sendSize = 256
	}
	sendQueue := make(chan []byte, sendSize)

	s.connsMu.Lock()
	s.conns[userID] = sendQueue
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, userID)
		s.connsMu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, sendQueue)
	}()

	s.readLoop(ctx, conn, userID, sendQueue)
	cancel()
	close(sendQueue)
	<-writerDone
}

// Dispatch implements subscription.Dispatcher. A user with no live
// connection (already disconnected) is a silent no-op, matching the
// Subscription Table's own contract for a dropped user.
func (s *Server) Dispatch(userID uint64, payload []byte) {
	s.connsMu.RLock()
	ch, ok := s.conns[userID]
	s.connsMu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- payload:
	default:
		s.cfg.Logger.Warn("frontend: dispatch dropped, send queue full", zap.Uint64("user", userID))
	}
}

// readLoop decodes frames and dispatches each JSON-RPC call to its own
// goroutine so one slow upstream round trip never blocks the next frame on
// the same user connection from being read (spec §4.G: calls from one user
// may be in flight concurrently).
func (s *Server) readLoop(ctx context.Context, conn net.Conn, userID uint64, sendQueue chan<- []byte) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.cfg.Logger.Debug("frontend: read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.cfg.Logger.Debug("frontend: read payload error", zap.Error(err))
				return
			}
			go s.handleCall(ctx, payload, userID, sendQueue)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCall(ctx context.Context, raw []byte, userID uint64, sendQueue chan<- []byte) {
	response := executor.Execute(ctx, s.cfg.Deps, raw, userID)
	select {
	case sendQueue <- response:
	default:
		s.cfg.Logger.Warn("frontend: send queue full, dropping response", zap.Uint64("user", userID))
	}
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, sendQueue <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sendQueue:
			if !ok {
				return
			}
			if s.cfg.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				s.cfg.Logger.Debug("frontend: write error", zap.Error(err))
				return
			}
		}
	}
}
