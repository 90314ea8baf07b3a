// Package chatsync is a Go client for the StorySphere chat service.
//
// It keeps an in-memory view of conversations, messages, and unread counts
// consistent between the REST API (source of truth) and the realtime push
// gateway.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.storysphere.app"))
//
//	me, _ := client.Users.Me(ctx)
//	session := chatsync.NewSession(client, *me, nil)
//	session.Start(ctx)
//	defer session.Close()
//
//	msgs, _ := session.OpenConversation(ctx, chatID)
//	session.SendMessage(ctx, "hello!")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production API origin.
	DefaultBaseURL = "https://api.storysphere.app"

	// DefaultTimeout bounds every REST call so a dead server surfaces as an
	// error instead of a hang.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat service. The realtime transport is
// created from it via Realtime.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	Chats  *ChatsClient
	Groups *GroupsClient
	Users  *UsersClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API origin.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the REST call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a chat service client authenticated with the given
// bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Chats = &ChatsClient{client: c}
	c.Groups = &GroupsClient{client: c}
	c.Users = &UsersClient{client: c}
	return c
}

// SetToken updates the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime creates a realtime transport client bound to this client's origin
// and token. Call Connect on the result to establish the session.
func (c *Client) Realtime(config *RealtimeConfig) *Realtime {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Realtime{
		baseURL:    c.baseURL,
		token:      c.token,
		config:     &cfg,
		state:      StateDisconnected,
		joined:     make(map[string]struct{}),
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
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

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var parsed APIError
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
		}
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chats
// ============================================================================

// ChatsClient reads conversation summaries, message pages, and read state.
type ChatsClient struct{ client *Client }

// List fetches all conversation summaries for the authenticated user, sorted
// by last activity descending (server order is kept as-is).
func (ch *ChatsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := ch.client.doRequest(ctx, "GET", "/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[chatsResponse](data)
	if err != nil {
		return nil, err
	}
	return res.Chats, nil
}

// Messages fetches the message page for a conversation, oldest first.
func (ch *ChatsClient) Messages(ctx context.Context, chatID string) ([]Message, error) {
	data, err := ch.client.doRequest(ctx, "GET", "/chats/"+chatID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[messagesResponse](data)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// MarkRead advances the server-side read cursor for the conversation to now.
func (ch *ChatsClient) MarkRead(ctx context.Context, chatID string) error {
	_, err := ch.client.doRequest(ctx, "POST", "/chats/"+chatID+"/read", nil, nil)
	return err
}

// UnreadCount fetches the total unread count across all conversations.
func (ch *ChatsClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := ch.client.doRequest(ctx, "GET", "/chats/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	res, err := decodeJSON[unreadCountResponse](data)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// CreateDirect opens (or returns the existing) direct conversation with the
// given user.
func (ch *ChatsClient) CreateDirect(ctx context.Context, userID string) (*Conversation, error) {
	data, err := ch.client.doRequest(ctx, "POST", "/chats/direct", map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[chatResponse](data)
	if err != nil {
		return nil, err
	}
	return &res.Chat, nil
}

// ============================================================================
// Groups
// ============================================================================

// GroupsClient applies group conversation mutations. Authorization is
// enforced server-side; GroupCoordinator adds the client-side policy checks.
type GroupsClient struct{ client *Client }

// Create creates a group conversation with the given members. The creator is
// added implicitly by the server.
func (g *GroupsClient) Create(ctx context.Context, name string, memberIDs []string) (*Conversation, error) {
	payload := map[string]any{"groupName": name, "userIds": memberIDs}
	data, err := g.client.doRequest(ctx, "POST", "/chats/group", payload, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[chatResponse](data)
	if err != nil {
		return nil, err
	}
	return &res.Chat, nil
}

// Update renames and/or re-images a group conversation.
func (g *GroupsClient) Update(ctx context.Context, chatID string, upd GroupUpdate) (*Conversation, error) {
	data, err := g.client.doRequest(ctx, "PUT", "/chats/group/"+chatID, upd, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[chatResponse](data)
	if err != nil {
		return nil, err
	}
	return &res.Chat, nil
}

// AddMember appends a user to the participant set. Duplicate adds are a
// server-side no-op; the returned conversation is authoritative.
func (g *GroupsClient) AddMember(ctx context.Context, chatID, userID string) (*Conversation, error) {
	data, err := g.client.doRequest(ctx, "POST", "/chats/group/"+chatID+"/members", map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[chatResponse](data)
	if err != nil {
		return nil, err
	}
	return &res.Chat, nil
}

// RemoveMember removes a user from the participant set.
func (g *GroupsClient) RemoveMember(ctx context.Context, chatID, userID string) (*Conversation, error) {
	data, err := g.client.doRequest(ctx, "DELETE", "/chats/group/"+chatID+"/members/"+userID, nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[chatResponse](data)
	if err != nil {
		return nil, err
	}
	return &res.Chat, nil
}

// Leave removes the caller from the group.
func (g *GroupsClient) Leave(ctx context.Context, chatID string) error {
	_, err := g.client.doRequest(ctx, "POST", "/chats/group/"+chatID+"/leave", nil, nil)
	return err
}

// ============================================================================
// Users
// ============================================================================

// UsersClient reads user identity data.
type UsersClient struct{ client *Client }

// Me returns the authenticated user.
func (u *UsersClient) Me(ctx context.Context) (*User, error) {
	data, err := u.client.doRequest(ctx, "GET", "/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[userResponse](data)
	if err != nil {
		return nil, err
	}
	return &res.User, nil
}

// Search finds users by display name or email.
func (u *UsersClient) Search(ctx context.Context, query string) ([]User, error) {
	data, err := u.client.doRequest(ctx, "GET", "/users/search", nil, map[string]string{"q": query})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[usersResponse](data)
	if err != nil {
		return nil, err
	}
	return res.Users, nil
}
