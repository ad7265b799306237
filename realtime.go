package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"nhooyr.io/websocket"
)

// ============================================================================
// Destinations
// ============================================================================

// sendDest is the publish destination for outbound messages.
const sendDest = "/app/chat.send"

func userQueueDest(selfID int64) string {
	return fmt.Sprintf("/user/%d/queue/messages", selfID)
}

func roomTopicDest(roomID int64) string {
	return fmt.Sprintf("/topic/chat/%d", roomID)
}

func sellerRoomsDest(sellerID int64) string {
	return fmt.Sprintf("/topic/chatRooms/seller/%d", sellerID)
}

// ============================================================================
// Configuration
// ============================================================================

// SocketState is the connection lifecycle state. Exactly one Socket exists
// per chat session and it owns the transport exclusively.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"

	// StateFailed is entered after the bounded reconnect attempts for one
	// disconnection episode are exhausted. Only an explicit Connect call
	// leaves it.
	StateFailed SocketState = "failed"
)

// SocketConfig configures a Socket.
type SocketConfig struct {
	// URL is the websocket endpoint (ws:// or wss://), typically
	// Client.SocketURL().
	URL string

	// Token is the opaque bearer credential, attached to the upgrade
	// request and the STOMP CONNECT frame. Never parsed.
	Token string

	// HeartbeatInterval is the STOMP heartbeat in both directions while
	// Connected. A missed heartbeat is a transport error. Zero means the
	// 10s default; negative disables heartbeats.
	HeartbeatInterval time.Duration

	// ReconnectDelay is the fixed delay before a reconnect attempt.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds attempts per disconnection episode.
	MaxReconnectAttempts int

	Logger *slog.Logger

	// OnMessage receives every decoded inbound message frame (user queue
	// and room topic alike).
	OnMessage func(ChatMessage)

	// OnRoomsChanged fires on the seller room-list refresh signal.
	OnRoomsChanged func()

	// OnStateChange observes lifecycle transitions. err is non-nil when the
	// transition was caused by a failure (TransportError,
	// ErrReconnectExhausted).
	OnStateChange func(state SocketState, err error)
}

func (c *SocketConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Socket
// ============================================================================

type subKind int

const (
	subMessages subKind = iota
	subRooms
)

// Socket owns the realtime transport: a STOMP session over a websocket.
//
// It runs the state machine Disconnected → Connecting → Connected, drops to
// Disconnected on any transport error or close, and then schedules exactly
// one reconnect attempt after a fixed delay, bounded per episode. The
// subscription registry survives reconnects: on every (re)entry into
// Connected all registered destinations are subscribed again, since the
// broker drops subscriptions with the connection.
type Socket struct {
	cfg  *SocketConfig
	host string // STOMP host header, from the endpoint URL

	mu          sync.Mutex
	state       SocketState
	conn        *stomp.Conn
	ws          *websocket.Conn
	epoch       int
	intentional bool
	attempts    int
	retryTimer  *time.Timer

	// Registry of desired destinations. At most one room topic at a time.
	userQueue   string
	sellerRooms string
	room        string

	live map[string]*stomp.Subscription
}

// NewSocket creates a socket in the Disconnected state. Nothing is dialed
// until Connect.
func NewSocket(cfg *SocketConfig) *Socket {
	c := *cfg
	c.defaults()
	host := "default"
	if u, err := url.Parse(c.URL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return &Socket{
		cfg:   &c,
		host:  host,
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the transport. Calling while Connecting or Connected
// is a no-op; calling from Failed starts a fresh episode.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateFailed {
		s.attempts = 0
	}
	s.state = StateConnecting
	s.intentional = false
	s.mu.Unlock()
	s.notifyState(StateConnecting, nil)

	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	ws, _, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{"v12.stomp", "v11.stomp"},
	})
	if err != nil {
		return s.connectFailed(&TransportError{Op: "dial", Err: err})
	}

	// The NetConn context must outlive the dial context: the connection is
	// torn down via Disconnect or transport errors, not by the caller's ctx.
	netConn := websocket.NetConn(context.Background(), ws, websocket.MessageText)

	hb := s.cfg.HeartbeatInterval
	if hb < 0 {
		hb = 0
	}
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(s.host),
		stomp.ConnOpt.HeartBeat(hb, hb),
	}
	if s.cfg.Token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+s.cfg.Token))
	}
	conn, err := stomp.Connect(netConn, opts...)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "stomp connect failed")
		return s.connectFailed(&TransportError{Op: "stomp connect", Err: err})
	}

	s.mu.Lock()
	if s.intentional {
		// Disconnect raced the handshake; honor it.
		s.state = StateDisconnected
		s.mu.Unlock()
		_ = conn.MustDisconnect()
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	s.epoch++
	s.conn = conn
	s.ws = ws
	s.state = StateConnected
	s.attempts = 0
	s.live = make(map[string]*stomp.Subscription)
	if s.userQueue != "" {
		s.subscribeLiveLocked(s.userQueue, subMessages)
	}
	if s.sellerRooms != "" {
		s.subscribeLiveLocked(s.sellerRooms, subRooms)
	}
	if s.room != "" {
		s.subscribeLiveLocked(s.room, subMessages)
	}
	s.mu.Unlock()

	s.cfg.Logger.Info("chat socket connected", "url", s.cfg.URL)
	s.notifyState(StateConnected, nil)
	return nil
}

// connectFailed records a failed attempt and schedules the next one unless
// the episode budget is spent or the caller disconnected meanwhile.
func (s *Socket) connectFailed(cause error) error {
	s.mu.Lock()
	s.state = StateDisconnected
	exhausted := false
	if !s.intentional {
		exhausted = !s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	s.cfg.Logger.Warn("chat socket connect failed", "error", cause)
	if exhausted {
		s.notifyState(StateFailed, ErrReconnectExhausted)
	} else {
		s.notifyState(StateDisconnected, cause)
	}
	return cause
}

// scheduleReconnectLocked arms the retry timer. Returns false when the
// attempt budget is exhausted, in which case state moves to Failed.
func (s *Socket) scheduleReconnectLocked() bool {
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.state = StateFailed
		return false
	}
	s.attempts++
	attempt := s.attempts
	s.cfg.Logger.Info("scheduling reconnect",
		"attempt", attempt, "max", s.cfg.MaxReconnectAttempts, "delay", s.cfg.ReconnectDelay)
	s.retryTimer = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		if s.intentional || s.state == StateConnected || s.state == StateConnecting {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		// Connect schedules the next attempt itself on failure.
		_ = s.Connect(context.Background())
	})
	return true
}

// Disconnect tears the transport down deterministically and cancels any
// pending reconnect. Terminal for the session: the socket stays down until
// an explicit Connect.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	s.intentional = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	conn, ws := s.conn, s.ws
	s.conn, s.ws = nil, nil
	s.live = nil
	s.epoch++
	already := s.state == StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		_ = conn.MustDisconnect()
	}
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !already {
		s.notifyState(StateDisconnected, nil)
	}
	return nil
}

// ============================================================================
// Subscriptions
// ============================================================================

// SubscribeUserQueue registers the private delivery queue for selfID. Done
// once per session; survives reconnects.
func (s *Socket) SubscribeUserQueue(selfID int64) {
	s.registerDest(&s.userQueue, userQueueDest(selfID), subMessages)
}

// SubscribeSellerRooms registers the seller's room-list refresh topic. Done
// once per session; survives reconnects.
func (s *Socket) SubscribeSellerRooms(sellerID int64) {
	s.registerDest(&s.sellerRooms, sellerRoomsDest(sellerID), subRooms)
}

func (s *Socket) registerDest(slot *string, dest string, kind subKind) {
	s.mu.Lock()
	if *slot == dest {
		s.mu.Unlock()
		return
	}
	*slot = dest
	if s.state == StateConnected && s.live[dest] == nil {
		s.subscribeLiveLocked(dest, kind)
	}
	s.mu.Unlock()
}

// SubscribeRoom makes roomID the single active room-topic subscription,
// unsubscribing the previous room first so no frames leak across rooms.
func (s *Socket) SubscribeRoom(roomID int64) {
	dest := roomTopicDest(roomID)

	s.mu.Lock()
	if s.room == dest {
		s.mu.Unlock()
		return
	}
	old := s.room
	s.room = dest
	var oldSub *stomp.Subscription
	if old != "" && s.live != nil {
		oldSub = s.live[old]
		delete(s.live, old)
	}
	s.mu.Unlock()

	if oldSub != nil {
		_ = oldSub.Unsubscribe()
	}

	s.mu.Lock()
	if s.state == StateConnected && s.room == dest && s.live[dest] == nil {
		s.subscribeLiveLocked(dest, subMessages)
	}
	s.mu.Unlock()
}

// UnsubscribeRoom drops the active room-topic subscription, if any.
func (s *Socket) UnsubscribeRoom() {
	s.mu.Lock()
	old := s.room
	s.room = ""
	var oldSub *stomp.Subscription
	if old != "" && s.live != nil {
		oldSub = s.live[old]
		delete(s.live, old)
	}
	s.mu.Unlock()

	if oldSub != nil {
		_ = oldSub.Unsubscribe()
	}
}

func (s *Socket) subscribeLiveLocked(dest string, kind subKind) {
	sub, err := s.conn.Subscribe(dest, stomp.AckAuto)
	if err != nil {
		// The read loops will notice a dead connection; nothing to do here.
		s.cfg.Logger.Warn("subscribe failed", "destination", dest, "error", err)
		return
	}
	s.live[dest] = sub
	go s.readLoop(s.epoch, dest, kind, sub)
}

func (s *Socket) readLoop(epoch int, dest string, kind subKind, sub *stomp.Subscription) {
	for {
		msg, ok := <-sub.C
		if !ok {
			s.maybeTransportLost(epoch, dest, sub, io.ErrUnexpectedEOF)
			return
		}
		if msg.Err != nil {
			s.maybeTransportLost(epoch, dest, sub, msg.Err)
			return
		}
		s.dispatch(kind, dest, msg.Body)
	}
}

// maybeTransportLost converts a dead subscription into a connection-loss
// transition, unless the subscription was retired on purpose or the
// connection has already been replaced.
func (s *Socket) maybeTransportLost(epoch int, dest string, sub *stomp.Subscription, cause error) {
	s.mu.Lock()
	if epoch != s.epoch || s.intentional || s.live == nil || s.live[dest] != sub {
		s.mu.Unlock()
		return
	}
	s.epoch++
	conn, ws := s.conn, s.ws
	s.conn, s.ws = nil, nil
	s.live = nil
	s.state = StateDisconnected
	exhausted := !s.scheduleReconnectLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.MustDisconnect()
	}
	if ws != nil {
		ws.Close(websocket.StatusGoingAway, "transport error")
	}

	terr := &TransportError{Op: "read", Err: cause}
	s.cfg.Logger.Warn("chat socket lost", "destination", dest, "error", cause)
	if exhausted {
		s.notifyState(StateFailed, ErrReconnectExhausted)
	} else {
		s.notifyState(StateDisconnected, terr)
	}
}

// ============================================================================
// Inbound dispatch
// ============================================================================

func (s *Socket) dispatch(kind subKind, dest string, body []byte) {
	switch kind {
	case subRooms:
		if s.cfg.OnRoomsChanged != nil {
			s.cfg.OnRoomsChanged()
		}
	case subMessages:
		m, err := decodeMessageFrame(body)
		if err != nil {
			// Malformed frames are dropped; the connection stays up.
			s.cfg.Logger.Warn("dropping inbound frame", "destination", dest, "error", err)
			return
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(m)
		}
	}
}

// ============================================================================
// Outbound
// ============================================================================

// Publish sends a message frame over the live transport. Returns
// ErrNotConnected in any state other than Connected; callers route to the
// REST fallback instead of treating that as fatal.
func (s *Socket) Publish(ctx context.Context, req *SendRequest) error {
	s.mu.Lock()
	conn, st := s.conn, s.state
	s.mu.Unlock()
	if st != StateConnected || conn == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := conn.Send(sendDest, "application/json", body); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	return nil
}

func (s *Socket) notifyState(st SocketState, err error) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st, err)
	}
}
