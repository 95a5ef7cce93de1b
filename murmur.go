// Package murmur provides the official Go SDK for the Murmur IM platform.
//
// The heart of the package is the conversation message reconciliation
// engine: a ConversationSession keeps one consistent ordered message list
// per conversation, merged from optimistic local writes, paginated history
// reads, and realtime push deltas.
//
// Example:
//
//	client := murmur.NewClient("mk-...")
//
//	session := murmur.NewConversationSession("conv-1", murmur.ConversationPrivate, "user-1", client)
//	defer session.Close()
//
//	session.LoadOlder(ctx)
//	session.Subscribe(func(msgs []*murmur.Message) { render(msgs) })
//	session.Send("hello", nil)
package murmur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://murmur.chat",
}

const (
	DefaultBaseURL = "https://murmur.chat"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Murmur REST client. It implements Transport, so it plugs
// straight into a ConversationSession.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Account       *AccountClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Groups        *GroupsClient
	Contacts      *ContactsClient
	Realtime      *RealtimeFactory
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Murmur client. token may be "" for anonymous
// registration; call SetToken with the issued token afterwards.
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
	c.Account = &AccountClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Contacts = &ContactsClient{c: c}
	c.Realtime = &RealtimeFactory{c: c}
	return c
}

// SetToken sets or updates the auth token, e.g. after registration.
func (c *Client) SetToken(token string) {
	c.token = token
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

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func resultErr(r *Result, op string) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("%s: request not ok", op)
}

// ============================================================================
// Transport implementation
// ============================================================================

// FetchHistory reads one page of message history, newest first, bounded by
// the opaque before cursor.
func (c *Client) FetchHistory(ctx context.Context, conversationID, before string, limit int) (*HistoryPage, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if before != "" {
		query["before"] = before
	}
	res, err := c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "history")
	}
	var page HistoryPage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode history page: %w", err)
	}
	return &page, nil
}

// SendMessage posts a new message and returns the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*SendReceipt, error) {
	payload := map[string]interface{}{"content": content}
	if opts != nil && opts.Attachment != nil {
		payload["attachment"] = opts.Attachment
	}
	res, err := c.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "send")
	}
	var receipt SendReceipt
	if err := res.Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode send receipt: %w", err)
	}
	return &receipt, nil
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) (*EditReceipt, error) {
	res, err := c.do(ctx, "PATCH", "/api/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "edit")
	}
	var receipt EditReceipt
	if err := res.Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode edit receipt: %w", err)
	}
	return &receipt, nil
}

// DeleteMessage soft-deletes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) (*DeleteReceipt, error) {
	res, err := c.do(ctx, "DELETE", "/api/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "delete")
	}
	var receipt DeleteReceipt
	if err := res.Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode delete receipt: %w", err)
	}
	return &receipt, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AccountClient handles registration and identity.
type AccountClient struct{ c *Client }

func (a *AccountClient) Register(ctx context.Context, opts *RegisterOptions) (*Result, error) {
	return a.c.do(ctx, "POST", "/api/register", opts, nil)
}

func (a *AccountClient) Me(ctx context.Context) (*Result, error) {
	return a.c.do(ctx, "GET", "/api/me", nil, nil)
}

func (a *AccountClient) RefreshToken(ctx context.Context) (*Result, error) {
	return a.c.do(ctx, "POST", "/api/token/refresh", nil, nil)
}

// ConversationsClient handles conversation management.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) (*Result, error) {
	return cv.c.do(ctx, "GET", "/api/conversations", nil, nil)
}

func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Result, error) {
	return cv.c.do(ctx, "GET", "/api/conversations/"+conversationID, nil, nil)
}

func (cv *ConversationsClient) CreatePrivate(ctx context.Context, userID string) (*Result, error) {
	return cv.c.do(ctx, "POST", "/api/conversations/private", map[string]string{"userId": userID}, nil)
}

func (cv *ConversationsClient) MarkAsRead(ctx context.Context, conversationID string) (*Result, error) {
	return cv.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/read", nil, nil)
}

// MessagesClient exposes the raw message endpoints for callers that bypass
// the session engine.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) Send(ctx context.Context, conversationID, content string) (*Result, error) {
	return m.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages",
		map[string]string{"content": content}, nil)
}

func (m *MessagesClient) History(ctx context.Context, conversationID string, limit int, before string) (*Result, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if before != "" {
		query["before"] = before
	}
	return m.c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, query)
}

func (m *MessagesClient) Edit(ctx context.Context, conversationID, messageID, content string) (*Result, error) {
	return m.c.do(ctx, "PATCH", "/api/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
}

func (m *MessagesClient) Delete(ctx context.Context, conversationID, messageID string) (*Result, error) {
	return m.c.do(ctx, "DELETE", "/api/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
}

// GroupsClient handles group management.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) Create(ctx context.Context, opts *CreateGroupOptions) (*Result, error) {
	return g.c.do(ctx, "POST", "/api/groups", opts, nil)
}

func (g *GroupsClient) List(ctx context.Context) (*Result, error) {
	return g.c.do(ctx, "GET", "/api/groups", nil, nil)
}

func (g *GroupsClient) Get(ctx context.Context, groupID string) (*Result, error) {
	return g.c.do(ctx, "GET", "/api/groups/"+groupID, nil, nil)
}

func (g *GroupsClient) AddMember(ctx context.Context, groupID, userID string) (*Result, error) {
	return g.c.do(ctx, "POST", "/api/groups/"+groupID+"/members", map[string]string{"userId": userID}, nil)
}

func (g *GroupsClient) RemoveMember(ctx context.Context, groupID, userID string) (*Result, error) {
	return g.c.do(ctx, "DELETE", "/api/groups/"+groupID+"/members/"+userID, nil, nil)
}

// ContactsClient handles the contact directory.
type ContactsClient struct{ c *Client }

func (ct *ContactsClient) List(ctx context.Context) (*Result, error) {
	return ct.c.do(ctx, "GET", "/api/contacts", nil, nil)
}

func (ct *ContactsClient) Search(ctx context.Context, q string) (*Result, error) {
	return ct.c.do(ctx, "GET", "/api/contacts/search", nil, map[string]string{"q": q})
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeFactory builds realtime clients bound to this REST client's base
// URL and token.
type RealtimeFactory struct{ c *Client }

// WSUrl returns the WebSocket URL.
func (r *RealtimeFactory) WSUrl(token string) string {
	base := strings.Replace(r.c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + token
	}
	return base + "/ws"
}

// Connect creates a WebSocket realtime client. Call Connect on it to
// establish the connection.
func (r *RealtimeFactory) Connect(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = r.c.token
	}
	cfg.defaults()
	return newRealtimeClient(r.c.baseURL, &cfg)
}
