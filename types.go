package chatkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Sender Types
// ============================================================================

// SenderType identifies which side of a conversation authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "CUSTOMER"
	SenderSeller   SenderType = "SELLER"
)

// ParseSenderType maps a wire value to a SenderType.
//
// The backend is inconsistent about this field: frames have been observed
// carrying "CUSTOMER", "USER" and lowercase "user" for the customer side.
// All known spellings are accepted here; the canonical casing question
// belongs to the wire contract owner.
func ParseSenderType(s string) (SenderType, error) {
	switch strings.ToUpper(s) {
	case "CUSTOMER", "USER":
		return SenderCustomer, nil
	case "SELLER":
		return SenderSeller, nil
	}
	return "", fmt.Errorf("unknown sender type %q", s)
}

// ============================================================================
// Data Model
// ============================================================================

// ChatRoom is the persistent conversation context between one customer and
// one seller. There is exactly one room per (customer, seller) pair; the
// backend creates it on first contact and its id is stable afterwards.
type ChatRoom struct {
	ID              int64     `json:"id"`
	CustomerID      int64     `json:"userId"`
	SellerID        int64     `json:"sellerId"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount     int       `json:"unreadCount"`
}

// ChatMessage is a single message in a room.
//
// A message created locally (optimistic) has ID == 0 and a non-empty
// LocalKey until the server echo replaces it. Server-confirmed messages
// carry a non-zero ID. Apart from the Read flag a message is never mutated
// once appended to a store.
type ChatMessage struct {
	ID         int64      `json:"id,omitempty"`
	Content    string     `json:"content"`
	SenderType SenderType `json:"senderType"`
	SenderID   int64      `json:"senderId"`
	ChatRoomID int64      `json:"chatRoomId"`
	Timestamp  time.Time  `json:"timestamp"`
	Read       bool       `json:"read"`

	// LocalKey identifies an optimistic entry before the server assigns an
	// id. Never sent on the wire.
	LocalKey string `json:"-"`
}

// Confirmed reports whether the message has been acknowledged by the server.
func (m *ChatMessage) Confirmed() bool {
	return m.ID != 0
}

// SendRequest is the outbound message body, shared by the STOMP publish
// destination and the REST fallback endpoint.
//
// ChatRoomID is a pointer: nil means "no room yet" and instructs the backend
// to create the room implicitly, returning its id in the acknowledgment.
type SendRequest struct {
	Content     string     `json:"content"`
	MessageType string     `json:"messageType"`
	SenderID    int64      `json:"senderId"`
	SenderType  SenderType `json:"senderType"`
	ChatRoomID  *int64     `json:"chatRoomId"`
}

// ============================================================================
// Inbound frame decoding
// ============================================================================

// wireMessage tolerates the field drift observed on the wire: newer frames
// carry "senderType", older ones a "sender" field with lowercase values.
type wireMessage struct {
	ID         int64     `json:"id"`
	Content    string    `json:"content"`
	SenderType string    `json:"senderType"`
	Sender     string    `json:"sender"`
	SenderID   int64     `json:"senderId"`
	ChatRoomID int64     `json:"chatRoomId"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
}

// decodeMessageFrame decodes an inbound message frame body into a
// ChatMessage. Returns a *ProtocolError on malformed input.
func decodeMessageFrame(data []byte) (ChatMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return ChatMessage{}, &ProtocolError{Reason: "malformed message frame", Err: err}
	}
	raw := w.SenderType
	if raw == "" {
		raw = w.Sender
	}
	st, err := ParseSenderType(raw)
	if err != nil {
		return ChatMessage{}, &ProtocolError{Reason: "bad sender type", Err: err}
	}
	if w.Content == "" {
		return ChatMessage{}, &ProtocolError{Reason: "empty content"}
	}
	return ChatMessage{
		ID:         w.ID,
		Content:    w.Content,
		SenderType: st,
		SenderID:   w.SenderID,
		ChatRoomID: w.ChatRoomID,
		Timestamp:  w.Timestamp,
		Read:       w.Read,
	}, nil
}

// ============================================================================
// Error Taxonomy
// ============================================================================

var (
	// ErrRoomNotFound is returned by room lookup when no room exists yet
	// for the (customer, seller) pair. Not fatal: the first send creates
	// the room.
	ErrRoomNotFound = errors.New("chatkit: room not found")

	// ErrNotConnected is returned by Socket.Publish while the socket is in
	// any state other than Connected. Callers fall back to REST.
	ErrNotConnected = errors.New("chatkit: socket not connected")

	// ErrNoActiveRoom is returned by Send on a seller session with no room
	// open. Only the customer side may send the room-creating first message;
	// a seller always answers inside an existing room.
	ErrNoActiveRoom = errors.New("chatkit: no active room")

	// ErrReconnectExhausted is reported through the state callback once the
	// bounded reconnect attempts for a disconnection episode are used up.
	// Only an explicit Connect leaves the Failed state.
	ErrReconnectExhausted = errors.New("chatkit: reconnect attempts exhausted")
)

// APIError is a non-2xx response from the REST collaborator.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chatkit: api error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("chatkit: api error (HTTP %d)", e.Status)
}

// TransportError wraps socket-level failures (dial, STOMP handshake, publish,
// heartbeat loss). Recovered locally via bounded reconnect; hosts only see it
// through the connection-status callback.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chatkit: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected inbound frame. Logged and
// dropped; never tears down the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chatkit: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "chatkit: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RoomResolutionError is a room lookup failure other than "not found". It is
// surfaced to the caller but does not block sending the first message.
type RoomResolutionError struct {
	Err error
}

func (e *RoomResolutionError) Error() string {
	return fmt.Sprintf("chatkit: room resolution failed: %v", e.Err)
}

func (e *RoomResolutionError) Unwrap() error { return e.Err }

// SendFailure means both the live transport and the REST fallback failed for
// one message. The optimistic entry stays visible but unsent; there is no
// automatic resend.
type SendFailure struct {
	LocalKey   string
	PublishErr error
	RESTErr    error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("chatkit: send failed (publish: %v, rest: %v)", e.PublishErr, e.RESTErr)
}

func (e *SendFailure) Unwrap() error { return e.RESTErr }
