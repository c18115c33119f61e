// Package inbox keeps conversation and message state of a business messaging
// inbox consistent across paginated REST loads, optimistic local sends and
// out-of-order realtime channel events.
//
// Example:
//
//	client := inbox.NewClient("sk-...", inbox.WithTenant("acme"))
//	session, _ := inbox.NewSession(ctx, client, inbox.NewMemoryPreferenceStore(), nil)
//	defer session.Close()
//
//	session.Refresh(ctx)
//	id, _ := session.SendMessage(ctx, "conv-123", json.RawMessage(`{"text":"hello"}`))
//	session.MarkRead(ctx, "conv-123")
package inbox

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

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://api.inbox.local"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the messaging REST API. It implements Fetcher and
// Transport.
type Client struct {
	apiKey     string
	baseURL    string
	tenant     string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTenant scopes every request to one business account.
func WithTenant(tenant string) ClientOption {
	return func(c *Client) { c.tenant = tenant }
}

// NewClient creates a new API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.apiKey = token
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
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
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	req.Header.Set("X-Request-ID", ulid.Make().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: "request not ok"}
	}
	return &result, nil
}

func decodeResult[T any](r *Result) (T, error) {
	var out T
	if err := r.Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode response data: %w", err)
	}
	return out, nil
}

// ============================================================================
// Conversations
// ============================================================================

// FetchConversations lists every conversation of the tenant.
func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.doRequest(ctx, "GET", "/api/v1/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[[]Conversation](res)
}

// FetchConversation returns the metadata of one conversation.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := c.doRequest(ctx, "GET", "/api/v1/conversations/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeResult[Conversation](res)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// MarkRead acknowledges a conversation as read on the server.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

func paginationQuery(p Pagination) map[string]string {
	q := map[string]string{}
	if p.Limit > 0 {
		q["limit"] = strconv.Itoa(p.Limit)
	}
	if p.Before != "" {
		q["before"] = p.Before
	}
	return q
}

// FetchMessages returns one page of a conversation's history, oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, p Pagination) (*MessagePage, error) {
	res, err := c.doRequest(ctx, "GET", "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", nil, paginationQuery(p))
	if err != nil {
		return nil, err
	}
	page, err := decodeResult[MessagePage](res)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage submits an outbound message under a client generated id.
func (c *Client) SendMessage(ctx context.Context, conversationID, messageID string, content json.RawMessage) (*Message, error) {
	payload := map[string]any{"id": messageID, "content": content}
	res, err := c.doRequest(ctx, "POST", "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeResult[Message](res)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ============================================================================
// Realtime
// ============================================================================

// ConnectWS returns a WebSocket realtime client. Call Connect to start it.
func (c *Client) ConnectWS(config *RealtimeConfig) *RealtimeWSClient {
	return newRealtimeWSClient(c.baseURL, c.realtimeConfig(config))
}

// ConnectSSE returns an SSE realtime client. Call Connect to start it.
func (c *Client) ConnectSSE(config *RealtimeConfig) *RealtimeSSEClient {
	return newRealtimeSSEClient(c.baseURL, c.realtimeConfig(config))
}

func (c *Client) realtimeConfig(config *RealtimeConfig) *RealtimeConfig {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.apiKey
	}
	if cfg.Tenant == "" {
		cfg.Tenant = c.tenant
	}
	cfg.defaults()
	return &cfg
}
