package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testToken = "test-bearer-token"

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(srv.URL, testToken), srv
}

// ============================================================================
// SocketURL
// ============================================================================

func TestSocketURL(t *testing.T) {
	cases := []struct{ base, want string }{
		{"https://shop.example.com", "wss://shop.example.com/ws"},
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://shop.example.com/", "wss://shop.example.com/ws"},
	}
	for _, tc := range cases {
		c := NewClient(tc.base, testToken)
		if got := c.SocketURL(); got != tc.want {
			t.Errorf("SocketURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

// ============================================================================
// FindRoom
// ============================================================================

func TestFindRoom(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/room" {
				t.Errorf("path = %q", r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
				t.Errorf("auth header = %q", got)
			}
			q := r.URL.Query()
			if q.Get("userId") != "11" || q.Get("sellerId") != "5" {
				t.Errorf("query = %v", q)
			}
			json.NewEncoder(w).Encode(ChatRoom{ID: 7, CustomerID: 11, SellerID: 5})
		}))
		defer srv.Close()

		room, err := client.FindRoom(context.Background(), 11, 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if room.ID != 7 || room.CustomerID != 11 || room.SellerID != 5 {
			t.Errorf("room = %+v", room)
		}
	})

	t.Run("not found", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"no room"}`, http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := client.FindRoom(context.Background(), 11, 5)
		if !errors.Is(err, ErrRoomNotFound) {
			t.Fatalf("expected ErrRoomNotFound, got %v", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := client.FindRoom(context.Background(), 11, 5)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %v", err)
		}
		if apiErr.Status != http.StatusInternalServerError || apiErr.Message != "boom" {
			t.Errorf("apiErr = %+v", apiErr)
		}
	})
}

// ============================================================================
// History
// ============================================================================

func TestHistory(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/messages/7" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`[
			{"id":1,"content":"hi","senderType":"CUSTOMER","senderId":11,"chatRoomId":7,"timestamp":"2026-08-30T10:00:00Z","read":true},
			{"id":2,"content":"hello","senderType":"SELLER","senderId":5,"chatRoomId":7,"timestamp":"2026-08-30T10:00:05Z","read":false}
		]`))
	}))
	defer srv.Close()

	msgs, err := client.History(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 1 || msgs[1].SenderType != SenderSeller {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestNotFoundMappingIsPerEndpoint(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"gone"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	// Only room lookup translates a 404 into the not-found sentinel. From
	// any other endpoint (say a deleted room) it stays an APIError.
	t.Run("history", func(t *testing.T) {
		_, err := client.History(context.Background(), 99)
		if errors.Is(err, ErrRoomNotFound) {
			t.Fatal("history 404 must not become ErrRoomNotFound")
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
			t.Fatalf("expected 404 *APIError, got %v", err)
		}
	})

	t.Run("mark read", func(t *testing.T) {
		err := client.MarkRead(context.Background(), 99)
		if errors.Is(err, ErrRoomNotFound) {
			t.Fatal("mark read 404 must not become ErrRoomNotFound")
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
			t.Fatalf("expected 404 *APIError, got %v", err)
		}
	})
}

// ============================================================================
// SendMessage
// ============================================================================

func TestSendMessage(t *testing.T) {
	t.Run("existing room", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/chat/message" {
				t.Errorf("%s %s", r.Method, r.URL.Path)
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["chatRoomId"] != float64(7) {
				t.Errorf("chatRoomId = %v", body["chatRoomId"])
			}
			w.Write([]byte(`{"id":42,"content":"hi","senderType":"CUSTOMER","senderId":11,"chatRoomId":7,"timestamp":"2026-08-30T10:00:00Z"}`))
		}))
		defer srv.Close()

		rid := int64(7)
		msg, err := client.SendMessage(context.Background(), &SendRequest{
			Content: "hi", MessageType: "TEXT", SenderID: 11, SenderType: SenderCustomer, ChatRoomID: &rid,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.ID != 42 || msg.ChatRoomID != 7 {
			t.Errorf("msg = %+v", msg)
		}
	})

	t.Run("first contact sends null room id", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if v, present := body["chatRoomId"]; !present || v != nil {
				t.Errorf("chatRoomId = %v, want explicit null", v)
			}
			w.Write([]byte(`{"id":1,"content":"hi","senderType":"CUSTOMER","senderId":11,"chatRoomId":9,"timestamp":"2026-08-30T10:00:00Z"}`))
		}))
		defer srv.Close()

		msg, err := client.SendMessage(context.Background(), &SendRequest{
			Content: "hi", MessageType: "TEXT", SenderID: 11, SenderType: SenderCustomer,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.ChatRoomID != 9 {
			t.Errorf("new room id = %d, want 9", msg.ChatRoomID)
		}
	})
}

// ============================================================================
// MarkRead / SellerRooms
// ============================================================================

func TestMarkRead(t *testing.T) {
	var called bool
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/rooms/7/read" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := client.MarkRead(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("endpoint not called")
	}
}

func TestSellerRooms(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/rooms/seller/5" {
				t.Errorf("path = %q", r.URL.Path)
			}
			w.Write([]byte(`[{"id":7,"userId":11,"sellerId":5,"lastMessage":"hi","unreadCount":2}]`))
		}))
		defer srv.Close()

		rooms, err := client.SellerRooms(context.Background(), 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(rooms) != 1 || rooms[0].UnreadCount != 2 {
			t.Errorf("rooms = %+v", rooms)
		}
	})

	t.Run("no rooms yet", func(t *testing.T) {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"none"}`, http.StatusNotFound)
		}))
		defer srv.Close()

		rooms, err := client.SellerRooms(context.Background(), 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rooms != nil {
			t.Errorf("rooms = %+v, want nil", rooms)
		}
	})
}
