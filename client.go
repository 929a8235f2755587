// Package talkwire provides the Go client SDK for the TalkWire chat service.
//
// The SDK is the synchronization core of a chat client: an HTTP transport
// client, four state stores (messages, conversation list, conversation cache,
// presence) and a multi-namespace socket router that feeds them.
//
// Example:
//
//	engine := talkwire.NewEngine(talkwire.EngineConfig{Token: token})
//	engine.SetCurrentUser("u1")
//	engine.Start(ctx)
//	engine.Messages.SelectConversation(ctx, talkwire.ConversationRef{Type: talkwire.ConversationUser, ID: "u2"})
//	engine.Messages.SendMessage(ctx, "hello", nil)
package talkwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.talkwire.im"
	DefaultTimeout = 30 * time.Second

	// Read endpoints are retried on transport failure; writes never are.
	readRetries    = 2
	readRetryDelay = 300 * time.Millisecond
)

// ============================================================================
// Client
// ============================================================================

// Client is the TalkWire HTTP API client.
type Client struct {
	token      string
	baseURL    string
	deviceID   string
	httpClient *http.Client

	retryDelay time.Duration
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

// WithDeviceID sets the device identifier sent on every request and at socket
// handshake time.
func WithDeviceID(id string) ClientOption {
	return func(c *Client) { c.deviceID = id }
}

// NewClient creates a new TalkWire client authenticated with the given bearer
// token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		retryDelay: readRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// DeviceID returns the configured device identifier.
func (c *Client) DeviceID() string { return c.deviceID }

// Token returns the current bearer token.
func (c *Client) Token() string { return c.token }

// ============================================================================
// Internal request helpers
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
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// doRead is doRequest with bounded retry for idempotent read endpoints.
func (c *Client) doRead(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= readRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		data, err := c.doRequest(ctx, "GET", path, nil, query)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeMessage unwraps a Result envelope carrying a single message.
func decodeMessage(data []byte) (*Message, error) {
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("request rejected")
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

func decodeMessages(data []byte) ([]Message, error) {
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("request rejected")
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// ============================================================================
// Message send
// ============================================================================

// SendTextMessage sends a direct text message to a user.
func (c *Client) SendTextMessage(ctx context.Context, counterpartID, text string, replyToID string) (*Message, error) {
	body := map[string]string{"text": text}
	if replyToID != "" {
		body["replyToId"] = replyToID
	}
	data, err := c.doRequest(ctx, "POST", "/api/messages/direct/"+counterpartID, body, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// SendMediaMessage sends a direct message carrying attachments.
func (c *Client) SendMediaMessage(ctx context.Context, counterpartID, text string, files []MediaFile) (*Message, error) {
	return c.sendMultipart(ctx, "/api/messages/direct/"+counterpartID+"/media", text, files)
}

// SendGroupTextMessage sends a text message to a group.
func (c *Client) SendGroupTextMessage(ctx context.Context, groupID, text string, replyToID string) (*Message, error) {
	body := map[string]string{"text": text}
	if replyToID != "" {
		body["replyToId"] = replyToID
	}
	data, err := c.doRequest(ctx, "POST", "/api/messages/group/"+groupID, body, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// SendGroupMediaMessage sends a group message carrying attachments.
func (c *Client) SendGroupMediaMessage(ctx context.Context, groupID, text string, files []MediaFile) (*Message, error) {
	return c.sendMultipart(ctx, "/api/messages/group/"+groupID+"/media", text, files)
}

func (c *Client) sendMultipart(ctx context.Context, path, text string, files []MediaFile) (*Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if text != "" {
		_ = w.WriteField("text", text)
	}
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// ============================================================================
// Message history and search
// ============================================================================

// GetMessageHistory fetches one page of a conversation's history. Server order
// is not trusted; callers re-sort by createdAt.
func (c *Client) GetMessageHistory(ctx context.Context, ref ConversationRef, page, limit int) ([]Message, error) {
	data, err := c.doRead(ctx, historyPath(ref), map[string]string{
		"page":  fmt.Sprintf("%d", page),
		"limit": fmt.Sprintf("%d", limit),
	})
	if err != nil {
		return nil, err
	}
	return decodeMessages(data)
}

// SearchMessages searches a conversation's messages server-side.
func (c *Client) SearchMessages(ctx context.Context, ref ConversationRef, query string) ([]Message, error) {
	data, err := c.doRead(ctx, historyPath(ref)+"/search", map[string]string{"q": query})
	if err != nil {
		return nil, err
	}
	return decodeMessages(data)
}

func historyPath(ref ConversationRef) string {
	if ref.Type == ConversationGroup {
		return "/api/messages/group/" + ref.ID
	}
	return "/api/messages/direct/" + ref.ID
}

// ============================================================================
// Message mutation
// ============================================================================

// AddReaction sets the caller's reaction on a message. The server is
// authoritative for the resulting reaction list.
func (c *Client) AddReaction(ctx context.Context, messageID string, reaction ReactionType) (*Message, error) {
	data, err := c.doRequest(ctx, "POST", "/api/messages/"+messageID+"/reactions",
		map[string]string{"reaction": string(reaction)}, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// RemoveReaction removes the caller's reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, messageID string) (*Message, error) {
	data, err := c.doRequest(ctx, "DELETE", "/api/messages/"+messageID+"/reactions", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// RecallMessage recalls a message for all participants.
func (c *Client) RecallMessage(ctx context.Context, messageID string) (*Message, error) {
	data, err := c.doRequest(ctx, "POST", "/api/messages/"+messageID+"/recall", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// DeleteMessageForSelf hides a message for the caller only.
func (c *Client) DeleteMessageForSelf(ctx context.Context, messageID string) error {
	data, err := c.doRequest(ctx, "DELETE", "/api/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("delete rejected")
	}
	return nil
}

// ForwardMessage forwards a message to one or more conversations.
func (c *Client) ForwardMessage(ctx context.Context, messageID string, targets []ConversationRef) error {
	data, err := c.doRequest(ctx, "POST", "/api/messages/"+messageID+"/forward",
		map[string]any{"targets": targets}, nil)
	if err != nil {
		return err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("forward rejected")
	}
	return nil
}

// MarkAsRead marks a single message read for the caller.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) (*Message, error) {
	data, err := c.doRequest(ctx, "POST", "/api/messages/"+messageID+"/read", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// MarkAsUnread marks a single message unread for the caller.
func (c *Client) MarkAsUnread(ctx context.Context, messageID string) (*Message, error) {
	data, err := c.doRequest(ctx, "POST", "/api/messages/"+messageID+"/unread", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// ============================================================================
// Conversations
// ============================================================================

// GetConversations fetches one page of the conversation summary list.
func (c *Client) GetConversations(ctx context.Context, page, limit int) (*ConversationPage, error) {
	data, err := c.doRead(ctx, "/api/conversations", map[string]string{
		"page":  fmt.Sprintf("%d", page),
		"limit": fmt.Sprintf("%d", limit),
	})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("request rejected")
	}
	var page_ ConversationPage
	if err := res.Decode(&page_); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return &page_, nil
}

// MarkAllRead marks every message in a conversation read for the caller.
func (c *Client) MarkAllRead(ctx context.Context, ref ConversationRef) error {
	data, err := c.doRequest(ctx, "POST",
		"/api/conversations/"+strings.ToLower(string(ref.Type))+"/"+ref.ID+"/read-all", nil, nil)
	if err != nil {
		return err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("mark-all-read rejected")
	}
	return nil
}

// ============================================================================
// Transport seam
// ============================================================================

// Transport is the slice of the API surface the stores consume. *Client
// implements it; tests substitute fakes.
type Transport interface {
	SendTextMessage(ctx context.Context, counterpartID, text, replyToID string) (*Message, error)
	SendMediaMessage(ctx context.Context, counterpartID, text string, files []MediaFile) (*Message, error)
	SendGroupTextMessage(ctx context.Context, groupID, text, replyToID string) (*Message, error)
	SendGroupMediaMessage(ctx context.Context, groupID, text string, files []MediaFile) (*Message, error)
	GetMessageHistory(ctx context.Context, ref ConversationRef, page, limit int) ([]Message, error)
	SearchMessages(ctx context.Context, ref ConversationRef, query string) ([]Message, error)
	AddReaction(ctx context.Context, messageID string, reaction ReactionType) (*Message, error)
	RemoveReaction(ctx context.Context, messageID string) (*Message, error)
	RecallMessage(ctx context.Context, messageID string) (*Message, error)
	DeleteMessageForSelf(ctx context.Context, messageID string) error
	ForwardMessage(ctx context.Context, messageID string, targets []ConversationRef) error
	MarkAsRead(ctx context.Context, messageID string) (*Message, error)
	MarkAsUnread(ctx context.Context, messageID string) (*Message, error)
	GetConversations(ctx context.Context, page, limit int) (*ConversationPage, error)
	MarkAllRead(ctx context.Context, ref ConversationRef) error
}

var _ Transport = (*Client)(nil)
