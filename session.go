package chatkit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role selects which side of the conversation this session speaks for.
type Role string

const (
	// RoleCustomer talks to exactly one seller (the counterpart).
	RoleCustomer Role = "customer"
	// RoleSeller works the full room list and switches between customers.
	RoleSeller Role = "seller"
)

func (r Role) senderType() SenderType {
	if r == RoleSeller {
		return SenderSeller
	}
	return SenderCustomer
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithCounterpart sets the seller a customer session converses with.
// Required for RoleCustomer, ignored for RoleSeller.
func WithCounterpart(sellerID int64) SessionOption {
	return func(s *Session) { s.counterpart = sellerID }
}

// WithReconnectPolicy overrides the fixed reconnect delay and the per-episode
// attempt budget.
func WithReconnectPolicy(delay time.Duration, maxAttempts int) SessionOption {
	return func(s *Session) {
		s.socketCfg.ReconnectDelay = delay
		s.socketCfg.MaxReconnectAttempts = maxAttempts
	}
}

// WithHeartbeat overrides the STOMP heartbeat interval. Negative disables
// heartbeats.
func WithHeartbeat(d time.Duration) SessionOption {
	return func(s *Session) { s.socketCfg.HeartbeatInterval = d }
}

// WithSessionLogger sets the logger for the session and its socket.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// Session is the chat engine for one authenticated user. It owns a Socket
// and a REST Client, keeps one MessageStore per room, tracks unread counts,
// and runs the optimistic send path.
//
// All state is guarded by one mutex; inbound frames, REST completions and
// caller API calls are serialized through it. Callbacks are invoked outside
// the lock, so they may call back into the session.
type Session struct {
	client      *Client
	socket      *Socket
	socketCfg   *SocketConfig
	role        Role
	selfID      int64
	counterpart int64
	logger      *slog.Logger

	mu         sync.Mutex
	stores     map[int64]*MessageStore // key 0 holds pre-room optimistic entries
	rooms      []ChatRoom
	activeRoom int64 // 0 = no open room
	knownRoom  int64 // customer's resolved room id, 0 until known
	historyGen int   // invalidates in-flight history loads on room switch
	closed     bool

	onMessage     func(ChatMessage)
	onRooms       func([]ChatRoom)
	onState       func(SocketState, error)
	onSendFailure func(*SendFailure)
}

// NewSession creates a session for the given user. The socket is not dialed
// until Start.
func NewSession(client *Client, role Role, selfID int64, opts ...SessionOption) *Session {
	s := &Session{
		client: client,
		role:   role,
		selfID: selfID,
		logger: client.logger,
		stores: make(map[int64]*MessageStore),
		socketCfg: &SocketConfig{
			URL:   client.SocketURL(),
			Token: client.token,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.socketCfg.Logger = s.logger
	s.socketCfg.OnMessage = s.handleFrame
	s.socketCfg.OnRoomsChanged = s.handleRoomsSignal
	s.socketCfg.OnStateChange = s.handleState
	s.socket = NewSocket(s.socketCfg)
	return s
}

// ============================================================================
// Callback registration (set before Start)
// ============================================================================

// OnMessage registers the callback invoked for every message inserted into
// the currently open room, own confirmed echoes included.
func (s *Session) OnMessage(fn func(ChatMessage)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnRoomsUpdated registers the callback invoked whenever the room list,
// previews or unread counts change.
func (s *Session) OnRoomsUpdated(fn func([]ChatRoom)) {
	s.mu.Lock()
	s.onRooms = fn
	s.mu.Unlock()
}

// OnConnectionState registers the connection-status observer. err is non-nil
// for failure transitions, including ErrReconnectExhausted on Failed.
func (s *Session) OnConnectionState(fn func(SocketState, error)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// OnSendFailure registers the callback invoked when both the live transport
// and the REST fallback failed for one message.
func (s *Session) OnSendFailure(fn func(*SendFailure)) {
	s.mu.Lock()
	s.onSendFailure = fn
	s.mu.Unlock()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start registers the session's standing subscriptions, connects the socket
// and performs the role's initial data load: customers resolve their room
// and open it if it exists, sellers fetch the room list.
//
// A room-resolution failure other than "no room yet" is returned but leaves
// the session usable: the first Send still works and creates the room.
func (s *Session) Start(ctx context.Context) error {
	s.socket.SubscribeUserQueue(s.selfID)
	if s.role == RoleSeller {
		s.socket.SubscribeSellerRooms(s.selfID)
	}
	if err := s.socket.Connect(ctx); err != nil {
		return err
	}

	switch s.role {
	case RoleCustomer:
		room, err := s.ResolveRoom(ctx)
		if errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = s.OpenRoom(ctx, room.ID)
		return err
	case RoleSeller:
		_, err := s.RefreshRooms(ctx)
		return err
	}
	return nil
}

// Close tears down the socket and ends the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.socket.Disconnect()
}

// Reconnect explicitly re-dials after the socket entered Failed.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.socket.Connect(ctx)
}

// State returns the socket's connection state.
func (s *Session) State() SocketState {
	return s.socket.State()
}

// ============================================================================
// Room resolution
// ============================================================================

// ResolveRoom looks up the customer's room with the counterpart seller.
// Returns ErrRoomNotFound when the pair has never talked; the room will be
// created implicitly by the first Send.
func (s *Session) ResolveRoom(ctx context.Context) (*ChatRoom, error) {
	if s.role != RoleCustomer {
		return nil, errors.New("chatkit: ResolveRoom is customer-only")
	}

	s.mu.Lock()
	if s.knownRoom != 0 {
		if r := s.roomByIDLocked(s.knownRoom); r != nil {
			room := *r
			s.mu.Unlock()
			return &room, nil
		}
	}
	s.mu.Unlock()

	room, err := s.client.FindRoom(ctx, s.selfID, s.counterpart)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, &RoomResolutionError{Err: err}
	}

	s.mu.Lock()
	s.adoptRoomLocked(room.ID)
	s.upsertRoomLocked(*room)
	s.mu.Unlock()
	return room, nil
}

// adoptRoomLocked records a customer's room id the moment it becomes known,
// migrating any pre-room optimistic entries into the real store.
func (s *Session) adoptRoomLocked(roomID int64) {
	if s.knownRoom == roomID || roomID == 0 {
		return
	}
	s.knownRoom = roomID
	st := s.storeForLocked(roomID)
	if pre := s.stores[0]; pre != nil {
		for _, m := range pre.Messages() {
			m.ChatRoomID = roomID
			st.Append(m)
		}
		delete(s.stores, 0)
	}
}

func (s *Session) storeForLocked(roomID int64) *MessageStore {
	st := s.stores[roomID]
	if st == nil {
		st = NewMessageStore(roomID)
		s.stores[roomID] = st
	}
	return st
}

func (s *Session) roomByIDLocked(roomID int64) *ChatRoom {
	for i := range s.rooms {
		if s.rooms[i].ID == roomID {
			return &s.rooms[i]
		}
	}
	return nil
}

func (s *Session) upsertRoomLocked(room ChatRoom) {
	if r := s.roomByIDLocked(room.ID); r != nil {
		*r = room
		return
	}
	s.rooms = append(s.rooms, room)
}

// ============================================================================
// Opening and closing rooms
// ============================================================================

// OpenRoom makes roomID the single active room: subscribes its topic
// (replacing any previous room subscription), loads history over REST and
// marks the room read. Pending optimistic entries survive the history load.
//
// Switching rooms while a history load is in flight invalidates the older
// load; its result is discarded.
func (s *Session) OpenRoom(ctx context.Context, roomID int64) ([]ChatMessage, error) {
	s.mu.Lock()
	s.historyGen++
	gen := s.historyGen
	s.activeRoom = roomID
	s.storeForLocked(roomID)
	s.mu.Unlock()

	s.socket.SubscribeRoom(roomID)

	history, err := s.client.History(ctx, roomID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if gen != s.historyGen {
		// A newer OpenRoom or CloseRoom superseded this load.
		s.mu.Unlock()
		return history, nil
	}
	st := s.storeForLocked(roomID)
	var pending []ChatMessage
	for _, m := range st.Messages() {
		if !m.Confirmed() {
			pending = append(pending, m)
		}
	}
	st.LoadHistory(history)
	for _, m := range pending {
		st.Reconcile(m)
	}
	st.MarkAllRead()
	s.clearUnreadLocked(roomID)
	out := st.Messages()
	rooms := s.roomsCopyLocked()
	onRooms := s.onRooms
	s.mu.Unlock()

	go func() { _ = s.client.MarkRead(context.Background(), roomID) }()
	if onRooms != nil {
		onRooms(rooms)
	}
	return out, nil
}

// CloseRoom leaves the active room: drops its topic subscription and stops
// treating its messages as read-on-arrival.
func (s *Session) CloseRoom() {
	s.mu.Lock()
	s.historyGen++
	s.activeRoom = 0
	s.mu.Unlock()
	s.socket.UnsubscribeRoom()
}

// ActiveRoom returns the open room id, 0 when none.
func (s *Session) ActiveRoom() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoom
}

// Messages returns a copy of the room's message log in display order.
func (s *Session) Messages(roomID int64) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stores[roomID]
	if st == nil {
		return nil
	}
	return st.Messages()
}

// Rooms returns a copy of the known room list.
func (s *Session) Rooms() []ChatRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomsCopyLocked()
}

func (s *Session) roomsCopyLocked() []ChatRoom {
	out := make([]ChatRoom, len(s.rooms))
	copy(out, s.rooms)
	return out
}

// Unread returns the unread count tracked for a room.
func (s *Session) Unread(roomID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.roomByIDLocked(roomID); r != nil {
		return r.UnreadCount
	}
	return 0
}

func (s *Session) clearUnreadLocked(roomID int64) {
	if r := s.roomByIDLocked(roomID); r != nil {
		r.UnreadCount = 0
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send runs the optimistic outbound path: the message is inserted into the
// room's store immediately with a local key and no id, then published over
// the socket if Connected, else sent via REST. Exactly one store entry exists
// per send regardless of path; the server echo or REST acknowledgment
// confirms it in place.
//
// With no room yet (customer first contact) the request carries a nil room
// id and the backend creates the room; its id is adopted from the
// acknowledgment. A seller session with no open room gets ErrNoActiveRoom
// instead, since only customers initiate rooms. When both paths fail a
// *SendFailure is returned and the entry stays visible as unsent.
func (s *Session) Send(ctx context.Context, content string) (ChatMessage, error) {
	if content == "" {
		return ChatMessage{}, errors.New("chatkit: empty message content")
	}

	s.mu.Lock()
	roomID := s.activeRoom
	if roomID == 0 {
		roomID = s.knownRoom
	}
	if roomID == 0 && s.role != RoleCustomer {
		s.mu.Unlock()
		return ChatMessage{}, ErrNoActiveRoom
	}
	msg := ChatMessage{
		Content:    content,
		SenderType: s.role.senderType(),
		SenderID:   s.selfID,
		ChatRoomID: roomID,
		Timestamp:  time.Now(),
		LocalKey:   uuid.NewString(),
	}
	st := s.storeForLocked(roomID)
	st.Append(msg)
	s.previewLocked(roomID, msg)
	rooms := s.roomsCopyLocked()
	onRooms := s.onRooms
	s.mu.Unlock()

	if onRooms != nil {
		onRooms(rooms)
	}

	req := &SendRequest{
		Content:     content,
		MessageType: "TEXT",
		SenderID:    s.selfID,
		SenderType:  s.role.senderType(),
	}
	if roomID != 0 {
		rid := roomID
		req.ChatRoomID = &rid
	}

	pubErr := s.socket.Publish(ctx, req)
	if pubErr == nil {
		// Confirmation arrives as the server echo on the user queue.
		return msg, nil
	}
	if !errors.Is(pubErr, ErrNotConnected) {
		s.logger.Warn("publish failed, falling back to rest", "error", pubErr)
	}

	ack, restErr := s.client.SendMessage(ctx, req)
	if restErr != nil {
		failure := &SendFailure{LocalKey: msg.LocalKey, PublishErr: pubErr, RESTErr: restErr}
		s.mu.Lock()
		onFail := s.onSendFailure
		s.mu.Unlock()
		if onFail != nil {
			onFail(failure)
		}
		return msg, failure
	}

	s.confirmAck(*ack)
	return *ack, nil
}

// confirmAck applies a REST acknowledgment: adopt a newly created room id and
// reconcile the optimistic entry against the server copy. A later duplicate
// echo on the user queue is discarded by id.
func (s *Session) confirmAck(ack ChatMessage) {
	s.mu.Lock()
	adopted := false
	if s.role == RoleCustomer && s.knownRoom == 0 && ack.ChatRoomID != 0 {
		s.adoptRoomLocked(ack.ChatRoomID)
		if s.activeRoom == 0 {
			s.activeRoom = ack.ChatRoomID
		}
		adopted = true
	}
	target := ack.ChatRoomID
	if s.stores[target] == nil && s.stores[0] != nil {
		target = 0
	}
	st := s.storeForLocked(target)
	st.Reconcile(ack)
	s.previewLocked(ack.ChatRoomID, ack)
	rooms := s.roomsCopyLocked()
	onRooms := s.onRooms
	active := s.activeRoom
	s.mu.Unlock()

	if adopted && active == ack.ChatRoomID {
		s.socket.SubscribeRoom(ack.ChatRoomID)
	}
	if onRooms != nil {
		onRooms(rooms)
	}
}

// previewLocked updates a room's last-message preview.
func (s *Session) previewLocked(roomID int64, msg ChatMessage) {
	if roomID == 0 {
		return
	}
	r := s.roomByIDLocked(roomID)
	if r == nil {
		room := ChatRoom{ID: roomID}
		if s.role == RoleCustomer {
			room.CustomerID = s.selfID
			room.SellerID = s.counterpart
		}
		s.rooms = append(s.rooms, room)
		r = &s.rooms[len(s.rooms)-1]
	}
	r.LastMessage = msg.Content
	r.LastMessageTime = msg.Timestamp
}

// ============================================================================
// Read tracking
// ============================================================================

// MarkRead marks the room read both server-side and locally. Idempotent.
func (s *Session) MarkRead(ctx context.Context, roomID int64) error {
	if err := s.client.MarkRead(ctx, roomID); err != nil {
		return err
	}
	s.mu.Lock()
	if st := s.stores[roomID]; st != nil {
		st.MarkAllRead()
	}
	s.clearUnreadLocked(roomID)
	rooms := s.roomsCopyLocked()
	onRooms := s.onRooms
	s.mu.Unlock()
	if onRooms != nil {
		onRooms(rooms)
	}
	return nil
}

// ============================================================================
// Room list
// ============================================================================

// RefreshRooms reloads the seller's room list from REST. The server's unread
// counts are authoritative except for the open room, which is always read.
func (s *Session) RefreshRooms(ctx context.Context) ([]ChatRoom, error) {
	if s.role != RoleSeller {
		return s.Rooms(), nil
	}
	fetched, err := s.client.SellerRooms(ctx, s.selfID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.rooms = fetched
	s.clearUnreadLocked(s.activeRoom)
	rooms := s.roomsCopyLocked()
	onRooms := s.onRooms
	s.mu.Unlock()
	if onRooms != nil {
		onRooms(rooms)
	}
	return rooms, nil
}

// ============================================================================
// Inbound dispatch
// ============================================================================

// handleFrame routes one decoded inbound message. Own echoes reconcile
// against their optimistic entry; counterpart messages in the open room are
// appended and read immediately; messages for any other room only bump that
// room's unread count and preview.
func (s *Session) handleFrame(m ChatMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	own := m.SenderID == s.selfID && m.SenderType == s.role.senderType()
	roomID := m.ChatRoomID

	var emit *ChatMessage
	var markRead int64
	adopted := false
	roomsChanged := false

	switch {
	case own:
		if s.role == RoleCustomer && s.knownRoom == 0 && roomID != 0 {
			s.adoptRoomLocked(roomID)
			if s.activeRoom == 0 {
				s.activeRoom = roomID
			}
			adopted = s.activeRoom == roomID
		}
		target := roomID
		if s.stores[target] == nil && s.stores[0] != nil {
			target = 0
		}
		st := s.storeForLocked(target)
		if st.Reconcile(m) {
			s.previewLocked(roomID, m)
			roomsChanged = true
			if roomID == s.activeRoom {
				emit = &m
			}
		}

	case roomID != 0 && roomID == s.activeRoom:
		st := s.storeForLocked(roomID)
		m.Read = true
		if st.Append(m) {
			s.previewLocked(roomID, m)
			roomsChanged = true
			markRead = roomID
			emit = &m
		}

	default:
		// Not the open room: count it, show the preview, leave the store
		// alone until the room is opened.
		s.previewLocked(roomID, m)
		if r := s.roomByIDLocked(roomID); r != nil {
			r.UnreadCount++
		}
		roomsChanged = true
	}

	rooms := s.roomsCopyLocked()
	onMessage, onRooms := s.onMessage, s.onRooms
	s.mu.Unlock()

	if adopted {
		s.socket.SubscribeRoom(roomID)
	}
	if markRead != 0 {
		rid := markRead
		go func() { _ = s.client.MarkRead(context.Background(), rid) }()
	}
	if emit != nil && onMessage != nil {
		onMessage(*emit)
	}
	if roomsChanged && onRooms != nil {
		onRooms(rooms)
	}
}

// handleRoomsSignal reacts to the broker's room-list refresh nudge. The
// signal carries no payload; the fresh list comes from REST.
func (s *Session) handleRoomsSignal() {
	go func() {
		if _, err := s.RefreshRooms(context.Background()); err != nil {
			s.logger.Warn("room list refresh failed", "error", err)
		}
	}()
}

// handleState forwards connection transitions and, on reconnect, resyncs the
// open room so messages missed during the outage are not lost.
func (s *Session) handleState(st SocketState, err error) {
	s.mu.Lock()
	onState := s.onState
	active := s.activeRoom
	closed := s.closed
	s.mu.Unlock()

	if st == StateConnected && active != 0 && !closed {
		go s.resyncRoom(active)
	}
	if onState != nil {
		onState(st, err)
	}
}

// resyncRoom merges a fresh history into the room's store after an outage.
// Reconcile keeps dedup and optimistic matching intact, so replayed messages
// do not double up.
func (s *Session) resyncRoom(roomID int64) {
	history, err := s.client.History(context.Background(), roomID)
	if err != nil {
		s.logger.Warn("room resync failed", "room", roomID, "error", err)
		return
	}

	s.mu.Lock()
	if s.activeRoom != roomID {
		s.mu.Unlock()
		return
	}
	st := s.storeForLocked(roomID)
	changed := false
	for _, m := range history {
		if st.Reconcile(m) {
			changed = true
		}
	}
	if changed {
		st.MarkAllRead()
	}
	onRooms := s.onRooms
	rooms := s.roomsCopyLocked()
	s.mu.Unlock()

	if changed && onRooms != nil {
		onRooms(rooms)
	}
}
