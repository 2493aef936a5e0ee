// Package commentsync keeps a live comment feed for one conversation in sync
// across a REST history endpoint, a WebSocket push stream and locally
// composed optimistic writes, and persists the merged feed between runs.
//
// Example:
//
//	client := commentsync.NewClient("https://api.example.com")
//	stream := commentsync.NewRealtimeClient(commentsync.RealtimeConfig{
//		URL: "wss://api.example.com/ws/chat",
//	})
//	engine, _ := commentsync.NewEngine(commentsync.EngineConfig{
//		ConversationID: "42",
//		Fetcher:        client,
//		Publisher:      client,
//		Stream:         stream,
//		Cache:          commentsync.NewCache(commentsync.NewMemoryStorage(), nil),
//	})
//	engine.Start(ctx)
//	defer engine.Stop()
//
//	for u := range engine.Updates() {
//		render(u.Messages)
//	}
package commentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds each REST call.
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the comments REST API. It implements HistoryFetcher and
// Publisher.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	tokens     TokenStore
	log        Logger
	now        func() time.Time
}

type ClientOption func(*Client)

// WithBaseURL overrides the API root passed to NewClient.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenStore sends the stored token as a bearer token on every request.
func WithTokenStore(tokens TokenStore) ClientOption {
	return func(c *Client) { c.tokens = tokens }
}

func WithLogger(l Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = loggerOrDiscard(c.log)
	return c
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func commentsPath(conversationID string) string {
	return "/videos/" + url.PathEscape(conversationID) + "/comments/"
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs one JSON round trip under the client timeout and
// returns the body of a 2xx response. Failures come back as *RequestError
// tagged with op.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &RequestError{Op: op, Kind: KindEncode, Err: err}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, &RequestError{Op: op, Kind: KindEncode, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if tok := bearerToken(c.tokens); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &RequestError{Op: op, Kind: KindStatus, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &RequestError{Op: op, Kind: KindTimeout, Err: err}
	}
	return &RequestError{Op: op, Kind: KindNetwork, Err: err}
}

func decodeJSON[T any](op string, data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &RequestError{Op: op, Kind: KindDecode, Err: err}
	}
	return &result, nil
}
