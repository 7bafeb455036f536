package chatsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client is the entry point to the chat service. It owns a Session, routes
// every authenticated call through the Gateway transport, and provides the
// streaming send plus the thread/message surface the UI layer needs.
type Client struct {
	BaseURL string

	session    *Session
	httpClient *http.Client
	blobs      *BlobStore
	hydrator   *Hydrator
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTransport replaces the base transport the Gateway wraps.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport.(*Gateway).Base = rt
	}
}

// NewClient builds a Client against the given API base URL. Credentials are
// persisted through store; pass a MemoryCredentialStore for throwaway
// sessions.
func NewClient(baseURL string, store CredentialStore, opts ...Option) *Client {
	base := strings.TrimSuffix(baseURL, "/")
	logger := slog.Default()

	session := NewSession(base, store, logger)
	gateway := &Gateway{Session: session}
	blobs := NewBlobStore()

	c := &Client{
		BaseURL: base,
		session: session,
		// No client timeout: message streams legitimately run for minutes.
		// Cancellation rides on the request context instead.
		httpClient: &http.Client{Transport: gateway},
		blobs:      blobs,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	session.logger = c.logger
	c.hydrator = NewHydrator(base, c.httpClient, blobs, c.logger)
	return c
}

// Session exposes the session coordinator: login state, events, logout.
func (c *Client) Session() *Session { return c.session }

// Hydrator exposes the attachment hydrator bound to this client.
func (c *Client) Hydrator() *Hydrator { return c.hydrator }

// Blobs exposes the blob store backing hydrated attachments.
func (c *Client) Blobs() *BlobStore { return c.blobs }

// Close tears the client down: hydrated blobs are revoked and the session's
// event channel stops receiving. The persisted credentials are kept.
func (c *Client) Close() {
	c.hydrator.Close()
}

// Login authenticates and returns the user's profile.
func (c *Client) Login(ctx context.Context, username, password string) (*UserProfile, error) {
	return c.session.Login(ctx, username, password)
}

// Logout clears the session, best-effort notifying the server.
func (c *Client) Logout(ctx context.Context) {
	c.session.Logout(ctx)
}

// RegisterInput is the /auth/register request.
type RegisterInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Register creates an account. The first account on a fresh deployment
// needs no authentication; later ones require an admin bearer, which the
// Gateway attaches when a session exists.
func (c *Client) Register(ctx context.Context, in RegisterInput) (*UserProfile, error) {
	var profile UserProfile
	if err := c.doJSON(ctx, http.MethodPost, "/auth/register", in, &profile, func(req *http.Request) {
		req.Header.Set(HeaderSkipRefresh, "1")
	}); err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreateThread creates an empty conversation thread.
func (c *Client) CreateThread(ctx context.Context, title string) (*Thread, error) {
	var thread Thread
	body := map[string]any{"title": title}
	if err := c.doJSON(ctx, http.MethodPost, "/threads", body, &thread, nil); err != nil {
		return nil, err
	}
	return &thread, nil
}

// ListThreads returns the caller's threads, most recently updated first.
func (c *Client) ListThreads(ctx context.Context, page, limit int) (*ThreadList, error) {
	var list ThreadList
	path := "/threads?" + pageQuery(page, limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list, nil); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetThread returns one thread.
func (c *Client) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var thread Thread
	if err := c.doJSON(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID), nil, &thread, nil); err != nil {
		return nil, err
	}
	return &thread, nil
}

// DeleteThread soft-deletes a thread.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/threads/"+url.PathEscape(threadID), nil, nil, nil)
}

// ListMessages returns a thread's messages, oldest first.
func (c *Client) ListMessages(ctx context.Context, threadID string, page, limit int) (*MessageList, error) {
	var list MessageList
	path := "/threads/" + url.PathEscape(threadID) + "/messages?" + pageQuery(page, limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list, nil); err != nil {
		return nil, err
	}
	return &list, nil
}

// StreamMessage opens the streaming send. The returned MessageStream must
// be drained (Recv until io.EOF or error) or closed; cancelling ctx aborts
// the stream.
func (c *Client) StreamMessage(ctx context.Context, threadID string, send MessageSend) (*MessageStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	payload, err := json.Marshal(struct {
		MessageSend
		SenderType string `json:"sender_type"`
	}{MessageSend: send, SenderType: "user"})
	if err != nil {
		cancel()
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/threads/"+url.PathEscape(threadID)+"/messages/stream",
		bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, &StreamRequestError{Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := responseDetail(resp, fmt.Sprintf("stream request returned status %d", resp.StatusCode))
		resp.Body.Close()
		cancel()
		return nil, &StreamRequestError{Message: detail}
	}
	if resp.Body == nil {
		cancel()
		return nil, &StreamRequestError{Message: "empty response body"}
	}

	return newMessageStream(ctx, cancel, resp, c.hydrator, c.logger), nil
}

// doJSON issues a JSON request through the Gateway and decodes a 2xx
// response into out. Non-2xx responses come back as APIError with the
// server's detail message.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, mutate func(*http.Request)) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    responseDetail(resp, http.StatusText(resp.StatusCode)),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func pageQuery(page, limit int) string {
	values := url.Values{}
	if page > 0 {
		values.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	return values.Encode()
}
