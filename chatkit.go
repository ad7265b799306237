// Package chatkit is the realtime chat client engine for the ShopTanh
// storefront: customers message sellers, sellers work multiple customer
// conversations from a console.
//
// It covers connection lifecycle (STOMP over websocket with bounded
// reconnect and heartbeat), room resolution, per-room message ordering and
// deduplication, optimistic send with REST fallback, and unread tracking.
// Rendering, credential acquisition and the rest of the storefront are the
// host application's business.
//
// Example:
//
//	client := chatkit.NewClient("https://shop.example.com", token)
//	session := chatkit.NewSession(client, chatkit.RoleCustomer, userID,
//		chatkit.WithCounterpart(sellerID))
//	session.OnMessage(func(m chatkit.ChatMessage) { render(m) })
//	_ = session.Start(ctx)
//	_, _ = session.Send(ctx, "Xin chào")
package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every REST call unless the caller supplies a
// different http.Client.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the REST surface of the chat backend. It attaches the opaque
// bearer credential to every request and never inspects it.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the REST request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the structured logger used by the client and by sockets
// and sessions built from it.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a chat backend client. baseURL is the storefront API
// origin (e.g. "https://shop.example.com"); token is the bearer credential
// obtained by the host application.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer credential, e.g. after the host refreshes it.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SocketURL returns the websocket endpoint derived from the base URL.
func (c *Client) SocketURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

// isNotFound reports whether err is a 404 from the backend. Only the
// endpoints where a 404 has a defined meaning translate it; everywhere else
// it stays an APIError.
func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat endpoints
// ============================================================================

// FindRoom looks up the existing room for a (customer, seller) pair.
// Returns ErrRoomNotFound when no room exists yet; callers treat that as
// "send the first message with a nil room id".
func (c *Client) FindRoom(ctx context.Context, customerID, sellerID int64) (*ChatRoom, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/room", nil, map[string]string{
		"userId":   fmt.Sprintf("%d", customerID),
		"sellerId": fmt.Sprintf("%d", sellerID),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return decodeJSON[ChatRoom](data)
}

// History returns the ordered message history of a room.
func (c *Client) History(ctx context.Context, roomID int64) ([]ChatMessage, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/chat/messages/%d", roomID), nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []ChatMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return msgs, nil
}

// SendMessage is the REST send path, used when the socket is not Connected.
// The response echoes the stored message, including the server-assigned id
// and, for a first message in a new room, the newly created chatRoomId.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*ChatMessage, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/chat/message", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatMessage](data)
}

// MarkRead marks every message in the room as read server-side. Safe to call
// redundantly.
func (c *Client) MarkRead(ctx context.Context, roomID int64) error {
	_, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/chat/rooms/%d/read", roomID), nil, nil)
	return err
}

// SellerRooms returns the seller's room list with previews and unread counts.
func (c *Client) SellerRooms(ctx context.Context, sellerID int64) ([]ChatRoom, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/chat/rooms/seller/%d", sellerID), nil, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var rooms []ChatRoom
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rooms: %w", err)
	}
	return rooms, nil
}
