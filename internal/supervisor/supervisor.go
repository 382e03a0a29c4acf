// Package supervisor implements the external collaborator spec §4.F refers
// to but deliberately keeps out of the Manager: something that consumes
// WorkerClosed events, decides when to ask the Manager to reconnect, and
// optionally tells the rest of the deployment about it. Grounded on the
// publish/subscribe wrapper in the teacher's pkg/nats client, trimmed to the
// one-way publish path this spec needs.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/adred-codev/rpcmux/internal/manager"
	"github.com/adred-codev/rpcmux/internal/metrics"
	"github.com/adred-codev/rpcmux/internal/wsworker"
)

// Subjects builds the NATS subject names this supervisor publishes on,
// mirroring the teacher's per-entity subject-builder pattern.
type Subjects struct{}

func (Subjects) NodeClosed(index int) string {
	return fmt.Sprintf("rpcmux.node.%d.closed", index)
}

func (Subjects) Reconnected() string {
	return "rpcmux.manager.reconnected"
}

var subjectBuilder = Subjects{}

// Config bundles the supervisor's dependencies.
type Config struct {
	Manager *manager.Manager
	Metrics *metrics.Registry
	Logger  *zap.Logger

	// NATSURL, when non-empty, connects the supervisor to a NATS server and
	// publishes a NodeClosed event for every worker that closes. An empty
	// URL runs the supervisor with reconnect-decision logic only, no
	// external event bus (spec's NATS wiring is optional).
	NATSURL           string
	NATSMaxReconnects int
	NATSReconnectWait time.Duration
}

// event is the JSON payload published for a closed worker.
type event struct {
	Index int    `json:"index"`
	Err   string `json:"error,omitempty"`
	Time  string `json:"time"`
}

// Supervisor watches the Manager's error stream and requests reconnects.
// Separating this from the Manager keeps the Manager's own loop free of
// policy about how aggressively to retry (spec §4.F: "error reporting feeds
// a separate supervisor").
type Supervisor struct {
	mgr     *manager.Manager
	metrics *metrics.Registry
	logger  *zap.Logger

	nc *nats.Conn
}

// New connects to NATS (if cfg.NATSURL is set) and constructs a Supervisor.
// A NATS connection failure is returned rather than silently degraded, since
// an operator who configured a URL expects the event bus to work.
func New(cfg Config) (*Supervisor, error) {
	s := &Supervisor{mgr: cfg.Manager, metrics: cfg.Metrics, logger: cfg.Logger}

	if cfg.NATSURL == "" {
		return s, nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(cfg.NATSReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("supervisor: nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("supervisor: nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor: connect nats: %w", err)
	}
	s.nc = nc
	return s, nil
}

// Run consumes ClosedEvent notifications until ctx is cancelled. Every
// closed worker triggers one RequestReconnect; the Manager's own rate
// limiter (spec §4.F reconnect backoff) absorbs bursts from a node that
// keeps dying, so the Supervisor does not need its own throttle.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.mgr.Errors():
			if !ok {
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Supervisor) handle(ev wsworker.ClosedEvent) {
	s.logger.Warn("supervisor: worker closed", zap.Int("index", ev.Index), zap.Error(ev.Err))

	s.publish(ev)

	if !s.mgr.RequestReconnect() {
		s.logger.Warn("supervisor: reconnect request dropped, inbound queue full")
	}
}

func (s *Supervisor) publish(ev wsworker.ClosedEvent) {
	if s.nc == nil {
		return
	}
	payload := event{Index: ev.Index, Time: time.Now().UTC().Format(time.RFC3339)}
	if ev.Err != nil {
		payload.Err = ev.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.nc.Publish(subjectBuilder.NodeClosed(ev.Index), data); err != nil {
		s.logger.Warn("supervisor: nats publish failed", zap.Error(err))
	}
}

// Close drains the NATS connection, if one was opened.
func (s *Supervisor) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
