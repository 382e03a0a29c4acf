package wsworker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type fakeCorrelator struct {
	mu        sync.Mutex
	delivered []Delivery
}

type Delivery struct {
	UserID  uint64
	NodeID  int
	Payload []byte
}

func (f *fakeCorrelator) Deliver(userID uint64, nodeID int, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, Delivery{UserID: userID, NodeID: nodeID, Payload: payload})
}

func (f *fakeCorrelator) snapshot() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Delivery, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func TestWorker_SendRejectsAfterClosed(t *testing.T) {
	t.Parallel()

	errCh := make(chan ClosedEvent, 1)
	w := New(Config{Index: 0, Logger: zap.NewNop(), ErrCh: errCh})
	w.reportClosed(nil)

	if w.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed", w.State())
	}
	if w.Send([]byte(`{}`)) {
		t.Error("Send() on a closed worker = true, want false")
	}
}

func TestWorker_ReportClosedIsIdempotent(t *testing.T) {
	t.Parallel()

	errCh := make(chan ClosedEvent, 4)
	w := New(Config{Index: 2, Logger: zap.NewNop(), ErrCh: errCh})

	w.reportClosed(nil)
	w.reportClosed(nil)
	w.reportClosed(nil)

	if len(errCh) != 1 {
		t.Fatalf("errCh received %d events, want exactly 1 (closeOnce)", len(errCh))
	}
	ev := <-errCh
	if ev.Index != 2 {
		t.Errorf("ClosedEvent.Index = %d, want 2", ev.Index)
	}
}

func TestWorker_HandleMessageDeliversCorrelatedResponse(t *testing.T) {
	t.Parallel()

	corr := &fakeCorrelator{}
	w := New(Config{Index: 5, Correlator: corr, Logger: zap.NewNop()})

	w.handleMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":"0x1"}`), 10*time.Millisecond)

	got := corr.snapshot()
	if len(got) != 1 {
		t.Fatalf("Correlator received %d deliveries, want 1", len(got))
	}
	if got[0].UserID != 7 {
		t.Errorf("UserID = %d, want 7", got[0].UserID)
	}
	if got[0].NodeID != 5 {
		t.Errorf("NodeID = %d, want 5 (worker index)", got[0].NodeID)
	}
}

func TestWorker_HandleMessageIgnoresMalformedFrame(t *testing.T) {
	t.Parallel()

	corr := &fakeCorrelator{}
	w := New(Config{Index: 0, Correlator: corr, Logger: zap.NewNop()})

	w.handleMessage([]byte(`not json`), 0) // must not panic

	if len(corr.snapshot()) != 0 {
		t.Error("malformed frame reached the correlator, want it dropped")
	}
}

// echoUpgradeServer runs a single-connection websocket server that echoes
// every text frame it receives back verbatim, grounded on the worker's own
// gorilla/websocket usage.
func echoUpgradeServer(t *testing.T) (wsURL string, closeServer func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

func TestWorker_RunDialsAndEchoesRoundTrip(t *testing.T) {
	t.Parallel()

	url, _ := echoUpgradeServer(t)

	errCh := make(chan ClosedEvent, 1)
	corr := &fakeCorrelator{}
	w := New(Config{
		Index:       0,
		URL:         url,
		DialTimeout: 2 * time.Second,
		Correlator:  corr,
		Logger:      zap.NewNop(),
		ErrCh:       errCh,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(runDone)
	}()

	deadline := time.Now().Add(time.Second)
	for w.State() != StateReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.State() != StateReady {
		t.Fatal("worker never reached StateReady")
	}

	if !w.Send([]byte(`{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"}`)) {
		t.Fatal("Send() on a ready worker = false, want true")
	}

	// The echoed frame comes back through readLoop and must reach the
	// correlator under the id it was sent with.
	deadline = time.Now().Add(time.Second)
	for len(corr.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := corr.snapshot()
	if len(got) != 1 {
		t.Fatalf("Correlator received %d deliveries, want 1 (the echoed frame)", len(got))
	}
	if got[0].UserID != 1 {
		t.Errorf("echoed delivery id = %d, want 1", got[0].UserID)
	}

	cancel()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() never returned after context cancellation")
	}
	if w.State() != StateClosed {
		t.Errorf("State() after Run returns = %v, want StateClosed", w.State())
	}
}
