package chatkit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"nhooyr.io/websocket"
)

// testBroker is a minimal in-process STOMP broker speaking the same
// websocket subprotocol as the production gateway. It records subscriptions
// and published frames, pushes server frames to connected clients, and can
// reject or drop connections to exercise the reconnect path.
type testBroker struct {
	mu        sync.Mutex
	reject    bool
	heartBeat string // CONNECTED heart-beat header, "0,0" when empty
	dials     int
	conns     []*brokerConn
	sent      []*frame.Frame
	unsubs    []string
}

type brokerConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	wr   *frame.Writer
	subs map[string]string // destination -> subscription id
}

func (bc *brokerConn) write(f *frame.Frame) {
	bc.wmu.Lock()
	defer bc.wmu.Unlock()
	_ = bc.wr.Write(f)
}

func newTestBroker() *testBroker {
	return &testBroker{}
}

func (b *testBroker) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.dials++
		reject := b.reject
		b.mu.Unlock()
		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"v12.stomp", "v11.stomp"},
		})
		if err != nil {
			return
		}
		b.serve(ws)
	}
}

func (b *testBroker) serve(ws *websocket.Conn) {
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageText)
	bc := &brokerConn{ws: ws, wr: frame.NewWriter(nc), subs: make(map[string]string)}
	rd := frame.NewReader(nc)

	b.mu.Lock()
	b.conns = append(b.conns, bc)
	b.mu.Unlock()

	for {
		f, err := rd.Read()
		if err != nil {
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
		if f == nil { // heartbeat
			continue
		}
		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			b.mu.Lock()
			hb := b.heartBeat
			b.mu.Unlock()
			if hb == "" {
				hb = "0,0"
			}
			bc.write(frame.New(frame.CONNECTED,
				frame.Version, "1.2",
				frame.HeartBeat, hb))
		case frame.SUBSCRIBE:
			dest, _ := f.Header.Contains(frame.Destination)
			id, _ := f.Header.Contains(frame.Id)
			b.mu.Lock()
			bc.subs[dest] = id
			b.mu.Unlock()
			if receipt, ok := f.Header.Contains(frame.Receipt); ok {
				bc.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
		case frame.UNSUBSCRIBE:
			id, _ := f.Header.Contains(frame.Id)
			b.mu.Lock()
			for dest, sid := range bc.subs {
				if sid == id {
					delete(bc.subs, dest)
					b.unsubs = append(b.unsubs, dest)
				}
			}
			b.mu.Unlock()
			if receipt, ok := f.Header.Contains(frame.Receipt); ok {
				bc.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
		case frame.SEND:
			b.mu.Lock()
			b.sent = append(b.sent, f)
			b.mu.Unlock()
			if receipt, ok := f.Header.Contains(frame.Receipt); ok {
				bc.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
		case frame.DISCONNECT:
			if receipt, ok := f.Header.Contains(frame.Receipt); ok {
				bc.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

var brokerMsgSeq int64

// push delivers a MESSAGE frame on dest to every connection subscribed to
// it. Reports whether at least one subscriber received it.
func (b *testBroker) push(dest string, body []byte) bool {
	type target struct {
		bc *brokerConn
		id string
	}
	b.mu.Lock()
	var targets []target
	for _, bc := range b.conns {
		if id, ok := bc.subs[dest]; ok {
			targets = append(targets, target{bc, id})
		}
	}
	b.mu.Unlock()

	for _, tg := range targets {
		f := frame.New(frame.MESSAGE,
			frame.Destination, dest,
			frame.Subscription, tg.id,
			frame.MessageId, fmt.Sprintf("m-%d", atomic.AddInt64(&brokerMsgSeq, 1)),
			frame.ContentType, "application/json")
		f.Body = body
		tg.bc.write(f)
	}
	return len(targets) > 0
}

func (b *testBroker) setReject(v bool) {
	b.mu.Lock()
	b.reject = v
	b.mu.Unlock()
}

// setHeartBeat changes the heart-beat header advertised on CONNECTED. The
// broker never actually sends heartbeats, so a non-zero advertisement makes
// it a silent peer from the client's point of view.
func (b *testBroker) setHeartBeat(v string) {
	b.mu.Lock()
	b.heartBeat = v
	b.mu.Unlock()
}

func (b *testBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *testBroker) subscribedTo(dest string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bc := range b.conns {
		if _, ok := bc.subs[dest]; ok {
			return true
		}
	}
	return false
}

func (b *testBroker) unsubscribedFrom(dest string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.unsubs {
		if d == dest {
			return true
		}
	}
	return false
}

func (b *testBroker) sentFrames() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*frame.Frame, len(b.sent))
	copy(out, b.sent)
	return out
}

// dropConnections severs every live connection without a STOMP goodbye,
// simulating a network failure.
func (b *testBroker) dropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, bc := range conns {
		bc.ws.Close(websocket.StatusGoingAway, "dropped")
	}
}

// ============================================================================
// Shared test plumbing
// ============================================================================

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stateRecorder collects connection-state transitions for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []SocketState
	errs   []error
}

func (r *stateRecorder) record(st SocketState, err error) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *stateRecorder) saw(st SocketState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == st {
			return true
		}
	}
	return false
}

func (r *stateRecorder) lastErrFor(st SocketState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.states) - 1; i >= 0; i-- {
		if r.states[i] == st {
			return r.errs[i]
		}
	}
	return nil
}
