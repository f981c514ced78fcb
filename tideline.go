// Package tideline is a Go client for the Tideline social-messaging
// backend: a typed REST data store, a realtime change feed, and a
// message-synchronization core built for optimistic sends.
//
// Example:
//
//	client := tideline.NewClient("https://acme.tideline.dev", token)
//	feed := client.Feed()
//	_ = feed.Connect(ctx)
//
//	conv, _ := tideline.OpenConversation(ctx, client, feed, selfID, peerID)
//	defer conv.Close()
//	conv.Send(ctx, "hello")
package tideline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tideline-app/tideline-go/validator"
)

const (
	DefaultTimeout = 30 * time.Second

	restPrefix    = "/rest/v1/"
	storagePrefix = "/storage/v1/object/"

	// MediaBucket is the storage bucket holding chat attachments.
	MediaBucket = "chat-media"
)

// ============================================================================
// Client
// ============================================================================

// Client is a typed HTTP client for the backend's REST query surface.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
	validate   *validator.Validator

	friends  *FriendsClient
	profiles *ProfilesClient
	posts    *PostsClient
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the project at baseURL, authenticated
// with token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		log:      slog.Default(),
		validate: validator.New(),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.friends = &FriendsClient{client: c}
	c.profiles = &ProfilesClient{client: c}
	c.posts = &PostsClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Friends returns the social-graph sub-client.
func (c *Client) Friends() *FriendsClient { return c.friends }

// Profiles returns the profile sub-client.
func (c *Client) Profiles() *ProfilesClient { return c.profiles }

// Posts returns the feed sub-client.
func (c *Client) Posts() *PostsClient { return c.posts }

// Feed creates a realtime change-feed client for this project. Call
// Connect to establish the connection.
func (c *Client) Feed(opts ...FeedOption) *Feed {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	cfg := FeedConfig{
		URL:   wsURL + "/realtime/v1/ws",
		Token: c.token,
	}
	return NewFeed(cfg, append([]FeedOption{WithFeedLogger(c.log)}, opts...)...)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, headers map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("apikey", c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeRows[T any](data []byte) ([]T, error) {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return rows, nil
}

// ============================================================================
// Generic table operations
// ============================================================================

// Query fetches rows from a table. Transport and backend failures come
// back wrapped as ErrFetchFailed.
func (c *Client) Query(ctx context.Context, table string, filter Filter, order *Order, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("select", "*")
	for k, v := range filter {
		q.Set(k, v)
	}
	if order != nil {
		q.Set("order", order.param())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.doRequest(ctx, http.MethodGet, restPrefix+table, nil, q, nil)
	if err != nil {
		c.log.Warn("query failed", "table", table, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return decodeRows[json.RawMessage](data)
}

// Insert writes one row and returns the server representation, including
// the assigned id and timestamp. Failures come back as ErrSendFailed.
func (c *Client) Insert(ctx context.Context, table string, record any) (json.RawMessage, error) {
	if err := c.validate.Struct(record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, restPrefix+table, []any{record}, nil,
		map[string]string{"Prefer": "return=representation"})
	if err != nil {
		c.log.Warn("insert failed", "table", table, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	rows, err := decodeRows[json.RawMessage](data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty representation", ErrSendFailed)
	}
	return rows[0], nil
}

// Update patches the rows matched by filter. Failures come back as
// ErrUpdateFailed.
func (c *Client) Update(ctx context.Context, table string, filter Filter, patch any) error {
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, v)
	}

	_, err := c.doRequest(ctx, http.MethodPatch, restPrefix+table, patch, q,
		map[string]string{"Prefer": "return=minimal"})
	if err != nil {
		c.log.Warn("update failed", "table", table, "error", err)
		return fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	return nil
}

// ============================================================================
// Blob storage
// ============================================================================

// UploadBlob stores data under bucket/path and returns the public URL.
// Failures come back as ErrUploadFailed.
func (c *Client) UploadBlob(ctx context.Context, bucket, path string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	_ = w.Close()

	u := c.baseURL + storagePrefix + bucket + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("apikey", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("upload failed", "bucket", bucket, "path", path, "error", err)
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return c.baseURL + storagePrefix + "public/" + bucket + "/" + path, nil
}

// ============================================================================
// Typed message operations
// ============================================================================

// QueryMessages fetches the history of a conversation, oldest first. A
// non-zero newerThan restricts the result to rows created strictly after
// it.
func (c *Client) QueryMessages(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
	filter := conversationFilter(key)
	if !newerThan.IsZero() {
		filter.Gt("created_at", newerThan.UTC().Format(time.RFC3339Nano))
	}

	rows, err := c.Query(ctx, "messages", filter, Asc("created_at"), 0)
	if err != nil {
		return nil, err
	}

	recs := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		var rec MessageRecord
		if err := json.Unmarshal(row, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// InsertMessage writes one message row and returns the server echo.
func (c *Client) InsertMessage(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
	row, err := c.Insert(ctx, "messages", rec)
	if err != nil {
		return MessageRecord{}, err
	}
	var out MessageRecord
	if err := json.Unmarshal(row, &out); err != nil {
		return MessageRecord{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return out, nil
}

// MarkMessagesRead flags the given rows as read on the server.
func (c *Client) MarkMessagesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.Update(ctx, "messages",
		NewFilter().In("id", ids...),
		map[string]bool{"is_read": true})
}
