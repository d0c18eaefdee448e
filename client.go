// Package teamline provides the Go SDK for the Teamline messenger.
//
// The package centers on the real-time conversation synchronization core: a
// local, eventually-consistent cache of conversations and messages kept in
// step with a server that pushes events over a persistent connection while
// the same state is mutated by REST calls.
//
// Example:
//
//	client := teamline.NewClient("tl-token-...")
//	engine := teamline.NewSyncEngine(client, teamline.EngineOptions{LocalUser: "me@corp.com"})
//
//	rt := teamline.NewRealtimeClient(client.BaseURL(), &teamline.RealtimeConfig{
//		Token:         "tl-token-...",
//		AutoReconnect: true,
//	})
//	engine.Start(ctx, rt)
//	defer engine.Stop()
package teamline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production Teamline API endpoint.
	DefaultBaseURL = "https://app.teamline.dev"
	// DefaultTimeout bounds every REST call.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Teamline REST client. Messenger endpoints are reached through
// the Conversations and Messages sub-clients.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout overrides the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Teamline client.
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
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

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

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles conversation management.
type ConversationsClient struct{ client *Client }

// List returns every conversation visible to the current user.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/messenger/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res, "list conversations failed")
	}
	var out []Conversation
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return out, nil
}

// Get returns a single conversation.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/messenger/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res, "get conversation failed")
	}
	var out Conversation
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &out, nil
}

// Create creates a direct or project-scoped conversation.
func (cv *ConversationsClient) Create(ctx context.Context, opts *CreateConversationOptions) (*Conversation, error) {
	res, err := cv.client.do(ctx, "POST", "/api/messenger/conversations", opts, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res, "create conversation failed")
	}
	var out Conversation
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &out, nil
}

// MarkRead marks the whole conversation read for the current user.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	res, err := cv.client.do(ctx, "POST", "/api/messenger/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultError(res, "mark read failed")
	}
	return nil
}

// Participants lists candidate conversation members, optionally filtered.
func (cv *ConversationsClient) Participants(ctx context.Context, search string) ([]Participant, error) {
	var query map[string]string
	if search != "" {
		query = map[string]string{"q": search}
	}
	res, err := cv.client.do(ctx, "GET", "/api/messenger/participants", nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res, "list participants failed")
	}
	var out []Participant
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return out, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message operations.
type MessagesClient struct{ client *Client }

// List returns up to limit messages of a conversation, oldest first. A
// non-zero before timestamp pages backwards.
func (m *MessagesClient) List(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if !before.IsZero() {
		query["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	if len(query) == 0 {
		query = nil
	}
	res, err := m.client.do(ctx, "GET", "/api/messenger/messages/"+conversationID, nil, query)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res, "list messages failed")
	}
	var out []Message
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return out, nil
}

// Send posts a message. Plain text goes as JSON; staged attachments switch
// the request to multipart form data. The server-confirmed message is
// returned.
func (m *MessagesClient) Send(ctx context.Context, conversationID, body string, opts *SendOptions) (*Message, error) {
	if opts != nil && len(opts.Attachments) > 0 {
		return m.sendMultipart(ctx, conversationID, body, opts)
	}

	payload := map[string]any{"body": body}
	if opts != nil && opts.ReplyTo != nil {
		payload["replyTo"] = opts.ReplyTo
	}
	res, err := m.client.do(ctx, "POST", "/api/messenger/messages/"+conversationID, payload, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res, "send message failed")
	}
	var out Message
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &out, nil
}

// Edit patches a message's body text.
func (m *MessagesClient) Edit(ctx context.Context, conversationID, messageID, body string) (*Message, error) {
	res, err := m.client.do(ctx, "PATCH", "/api/messenger/messages/"+conversationID+"/"+messageID,
		map[string]string{"body": body}, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res, "edit message failed")
	}
	var out Message
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &out, nil
}

// Delete removes a message.
func (m *MessagesClient) Delete(ctx context.Context, conversationID, messageID string) error {
	res, err := m.client.do(ctx, "DELETE", "/api/messenger/messages/"+conversationID+"/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultError(res, "delete message failed")
	}
	return nil
}

func (m *MessagesClient) sendMultipart(ctx context.Context, conversationID, body string, opts *SendOptions) (*Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("body", body); err != nil {
		return nil, fmt.Errorf("failed to write body field: %w", err)
	}
	if opts.ReplyTo != nil {
		ref, err := json.Marshal(opts.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reply reference: %w", err)
		}
		if err := w.WriteField("replyTo", string(ref)); err != nil {
			return nil, fmt.Errorf("failed to write reply field: %w", err)
		}
	}
	for i, att := range opts.Attachments {
		if err := w.WriteField(fmt.Sprintf("attachments[%d].kind", i), string(att.Kind)); err != nil {
			return nil, fmt.Errorf("failed to write attachment kind: %w", err)
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments[%d].file"; filename="%s"`,
			i, escapeQuotes(att.FileName)))
		contentType := att.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		m.client.baseURL+"/api/messenger/messages/"+conversationID, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if m.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.client.token)
	}

	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultError(res, "send message failed")
	}
	var out Message
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &out, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func resultError(res *Result, fallback string) error {
	if res.Error != nil {
		return res.Error
	}
	return fmt.Errorf("%s", fallback)
}
