package chatkit

import (
	"sort"
	"time"
)

// reconcileWindow bounds how far apart in time an optimistic entry and its
// server echo may be and still be considered the same message.
//
// Matching is heuristic (sender + room + equal content within the window):
// sending identical text twice in quick succession can reconcile against the
// wrong pending entry. Kept as-is; see DESIGN.md.
const reconcileWindow = 10 * time.Second

// MessageStore is the ordered, deduplicated message log of one room.
//
// Messages are totally ordered by timestamp with ties broken by arrival
// order. Server-confirmed ids are unique within a store; an inbound message
// whose id is already present is discarded. Optimistic entries (id 0) live
// in the store until their server echo replaces them in place.
//
// A store is not safe for concurrent use on its own; Session serializes all
// access, mirroring the single dispatch path the protocol assumes.
type MessageStore struct {
	roomID int64
	msgs   []ChatMessage
	ids    map[int64]struct{}
}

// NewMessageStore creates an empty store for the given room.
func NewMessageStore(roomID int64) *MessageStore {
	return &MessageStore{
		roomID: roomID,
		ids:    make(map[int64]struct{}),
	}
}

// RoomID returns the room this store belongs to.
func (s *MessageStore) RoomID() int64 { return s.roomID }

// Len returns the number of messages in the store.
func (s *MessageStore) Len() int { return len(s.msgs) }

// Messages returns a copy of the log in display order.
func (s *MessageStore) Messages() []ChatMessage {
	out := make([]ChatMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Append inserts a message keeping timestamp order, ties in arrival order.
// A confirmed message whose id already exists is discarded; Append reports
// whether the message was actually inserted.
func (s *MessageStore) Append(msg ChatMessage) bool {
	if msg.Confirmed() {
		if _, dup := s.ids[msg.ID]; dup {
			return false
		}
		s.ids[msg.ID] = struct{}{}
	}
	s.insert(msg)
	return true
}

// insert places msg after every entry with an equal-or-earlier timestamp.
func (s *MessageStore) insert(msg ChatMessage) {
	idx := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].Timestamp.After(msg.Timestamp)
	})
	s.msgs = append(s.msgs, ChatMessage{})
	copy(s.msgs[idx+1:], s.msgs[idx:])
	s.msgs[idx] = msg
}

// Reconcile applies an inbound server message attributed to the local
// sender. If a pending optimistic entry matches (same sender, same room,
// equal content, timestamps within reconcileWindow) it is replaced in place
// by the server copy (adopting its id and read flag) so one's own message is
// never displayed twice. Otherwise the message is appended normally.
//
// Returns false if the message was a duplicate and discarded.
func (s *MessageStore) Reconcile(server ChatMessage) bool {
	if server.Confirmed() {
		if _, dup := s.ids[server.ID]; dup {
			return false
		}
	}
	for i := range s.msgs {
		pending := &s.msgs[i]
		if pending.Confirmed() {
			continue
		}
		if pending.SenderID != server.SenderID || pending.Content != server.Content {
			continue
		}
		if pending.ChatRoomID != 0 && server.ChatRoomID != 0 && pending.ChatRoomID != server.ChatRoomID {
			continue
		}
		delta := server.Timestamp.Sub(pending.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > reconcileWindow {
			continue
		}
		// Replace in place: same position, server copy wins.
		s.msgs[i] = server
		if server.Confirmed() {
			s.ids[server.ID] = struct{}{}
		}
		return true
	}
	return s.Append(server)
}

// LoadHistory replaces the store content with a REST-fetched history,
// discarding any stale entries from a previous view of the room.
func (s *MessageStore) LoadHistory(msgs []ChatMessage) {
	s.msgs = s.msgs[:0]
	s.ids = make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		s.Append(m)
	}
}

// MarkAllRead flips the read flag on every message. The read flag is the
// only mutation a stored message ever sees.
func (s *MessageStore) MarkAllRead() {
	for i := range s.msgs {
		s.msgs[i].Read = true
	}
}

// PendingCount returns the number of optimistic entries not yet confirmed.
func (s *MessageStore) PendingCount() int {
	n := 0
	for i := range s.msgs {
		if !s.msgs[i].Confirmed() {
			n++
		}
	}
	return n
}
